package config

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]string
}

func newMemBackend(kv map[string]string) *memBackend {
	if kv == nil {
		kv = make(map[string]string)
	}
	return &memBackend{data: kv}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	return i, true, err
}

func (m *memBackend) SetString(key, val string) error {
	m.data[key] = val
	return nil
}

func (m *memBackend) SetInt(key string, val int) error {
	m.data[key] = strconv.Itoa(val)
	return nil
}

func (m *memBackend) Delete(key string) error {
	delete(m.data, key)
	return nil
}

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	setErr error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(nil), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MCPStdio {
		t.Error("Server.MCPStdio should default to false")
	}
	if cfg.Remote.BaseURL != "http://localhost:3000/api/trpc" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Cache.StaleTime != 30*time.Second {
		t.Errorf("Cache.StaleTime = %s, want 30s", cfg.Cache.StaleTime)
	}
	if cfg.Cache.CacheTime != 5*time.Minute {
		t.Errorf("Cache.CacheTime = %s, want 5m", cfg.Cache.CacheTime)
	}
	if cfg.Query.FetchTimeout != 15*time.Second {
		t.Errorf("Query.FetchTimeout = %s, want 15s", cfg.Query.FetchTimeout)
	}
	if cfg.Queue.HandlerTimeout != 30*time.Second {
		t.Errorf("Queue.HandlerTimeout = %s, want 30s", cfg.Queue.HandlerTimeout)
	}
	if cfg.Sync.Schedule != "@every 1m" {
		t.Errorf("Sync.Schedule = %q", cfg.Sync.Schedule)
	}
	if cfg.Connectivity.Interval != 10*time.Second {
		t.Errorf("Connectivity.Interval = %s", cfg.Connectivity.Interval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestBackendValues verifies that all key types are read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend(map[string]string{
		"server.port":            "5000",
		"server.mcp_stdio":       "true",
		"storage.data_dir":       "/tmp/clubsync-test",
		"remote.base_url":        "https://club.example.com/api/trpc",
		"remote.mutations":       "createTraining, deletePlayer,,",
		"cache.stale_time":       "1m",
		"query.fetch_timeout":    "5s",
		"connectivity.probe_url": "https://club.example.com/health",
	})
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || !cfg.Server.MCPStdio {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.DataDir != "/tmp/clubsync-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Remote.BaseURL != "https://club.example.com/api/trpc" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if got := strings.Join(cfg.Remote.MutationKeys(), "|"); got != "createTraining|deletePlayer" {
		t.Errorf("MutationKeys = %q", got)
	}
	if cfg.Cache.StaleTime != time.Minute || cfg.Query.FetchTimeout != 5*time.Second {
		t.Errorf("durations: stale %s fetch %s", cfg.Cache.StaleTime, cfg.Query.FetchTimeout)
	}
	if cfg.Connectivity.ProbeURL != "https://club.example.com/health" {
		t.Errorf("Connectivity.ProbeURL = %q", cfg.Connectivity.ProbeURL)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLUBSYNC_SERVER_PORT", "6000")
	t.Setenv("CLUBSYNC_CACHE_CACHE_TIME", "10m")
	t.Setenv("CLUBSYNC_REMOTE_TOKEN", "env-token")

	b := newMemBackend(map[string]string{"server.port": "5000"})
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Cache.CacheTime != 10*time.Minute {
		t.Errorf("Cache.CacheTime = %s, want 10m", cfg.Cache.CacheTime)
	}
	if cfg.Remote.Token != "env-token" {
		t.Errorf("Remote.Token = %q, want env-token", cfg.Remote.Token)
	}
}

// TestBadEnvValueKeepsDefault verifies unparsable env values are ignored.
func TestBadEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLUBSYNC_SERVER_PORT", "not-a-port")
	t.Setenv("CLUBSYNC_QUERY_FETCH_TIMEOUT", "soon")

	cfg, err := loadWith(newMemBackend(nil), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Query.FetchTimeout != 15*time.Second {
		t.Errorf("defaults not kept: port %d, fetch %s", cfg.Server.Port, cfg.Query.FetchTimeout)
	}
}

// TestSecretNotReadFromBackend verifies the remote token never comes from the plain config.
func TestSecretNotReadFromBackend(t *testing.T) {
	clearEnv(t)
	b := newMemBackend(map[string]string{"remote.token": "leaked"})

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Remote.Token != "" {
		t.Errorf("Remote.Token = %q, want empty", cfg.Remote.Token)
	}
}

// TestKeychainFallback verifies the keychain is consulted when no token is in env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)
	kc := &mockKeychain{values: map[string]string{"clubsync/remote_token": "keychain-secret"}}

	cfg, err := loadWith(newMemBackend(nil), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Remote.Token != "keychain-secret" {
		t.Errorf("Remote.Token = %q, want %q", cfg.Remote.Token, "keychain-secret")
	}
}

// TestValidate verifies that unusable settings are rejected with the key name.
func TestValidate(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(newMemBackend(map[string]string{"remote.base_url": ""}), &mockKeychain{})
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("empty base URL: err = %v", err)
	}

	cfg := defaults()
	cfg.Cache.StaleTime = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "cache.stale_time") {
		t.Errorf("zero stale time: err = %v", err)
	}

	cfg = defaults()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("out of range port accepted")
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := setKeyWith(b, "cache.stale_time", "90s"); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	if err := setKeyWith(b, "server.mcp_stdio", "1"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if b.data["server.port"] != "4200" || b.data["cache.stale_time"] != "1m30s" || b.data["server.mcp_stdio"] != "true" {
		t.Errorf("backend = %v", b.data)
	}

	for _, tc := range []struct{ key, value string }{
		{"server.port", "abc"},
		{"cache.stale_time", "-1s"},
		{"server.mcp_stdio", "maybe"},
		{"remote.token", "x"},
		{"no.such.key", "x"},
	} {
		if err := setKeyWith(b, tc.key, tc.value); err == nil {
			t.Errorf("setKeyWith(%q, %q) succeeded, want error", tc.key, tc.value)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Remote.Token = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "remote.token" || k.Value == "hidden" {
			t.Errorf("secret exposed: %+v", k)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Error("ShowAll and ValidKeys disagree")
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}

	again, err := GetAPIToken(kc)
	if err != nil || again != tok {
		t.Errorf("second call = %q, %v; want stored token", again, err)
	}

	if _, err := GetAPIToken(&mockKeychain{setErr: errors.New("locked")}); err == nil {
		t.Error("want error when the token cannot be stored")
	}
}
