package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Remote       RemoteConfig
	Cache        CacheConfig
	Query        QueryConfig
	Queue        QueueConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
	// MCPStdio serves MCP on stdin/stdout alongside HTTP.
	MCPStdio bool
}

type StorageConfig struct {
	DataDir string
}

type RemoteConfig struct {
	BaseURL string
	Token   string
	// Mutations is a comma-separated list of procedure names the daemon
	// accepts writes for.
	Mutations string
}

// MutationKeys splits Mutations into trimmed, non-empty names.
func (r RemoteConfig) MutationKeys() []string {
	var keys []string
	for _, k := range strings.Split(r.Mutations, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type CacheConfig struct {
	StaleTime time.Duration
	CacheTime time.Duration
}

type QueryConfig struct {
	FetchTimeout time.Duration
}

type QueueConfig struct {
	HandlerTimeout time.Duration
}

type SyncConfig struct {
	Schedule string
}

type ConnectivityConfig struct {
	// ProbeURL defaults to the remote base URL when empty.
	ProbeURL string
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:3000/api/trpc",
		},
		Cache: CacheConfig{
			StaleTime: 30 * time.Second,
			CacheTime: 5 * time.Minute,
		},
		Query: QueryConfig{
			FetchTimeout: 15 * time.Second,
		},
		Queue: QueueConfig{
			HandlerTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Schedule: "@every 1m",
		},
		Connectivity: ConnectivityConfig{
			Interval: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.clubsync.app) and the
// remote token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/clubsync/config.json
// and the remote token falls back to $XDG_DATA_HOME/clubsync/secrets.json.
//
// Environment variables (CLUBSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.Token == "" {
		if tok, err := kc.Get(keychainService, remoteTokenAccount); err == nil && tok != "" {
			cfg.Remote.Token = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("missing required config: remote.base_url. Set it via CLUBSYNC_REMOTE_BASE_URL or `clubsync config set remote.base_url <url>`")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	durations := map[string]time.Duration{
		"cache.stale_time":      c.Cache.StaleTime,
		"cache.cache_time":      c.Cache.CacheTime,
		"query.fetch_timeout":   c.Query.FetchTimeout,
		"queue.handler_timeout": c.Queue.HandlerTimeout,
		"connectivity.interval": c.Connectivity.Interval,
	}
	for _, s := range specs {
		if d, ok := durations[s.key]; ok && d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", s.key, d)
		}
	}
	return nil
}

// TokenHint tells the user where the remote token can be provided.
func TokenHint() string {
	return "environment variable CLUBSYNC_REMOTE_TOKEN" + tokenHint()
}
