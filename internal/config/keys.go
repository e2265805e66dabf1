package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CLUBSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "CLUBSYNC_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CLUBSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "CLUBSYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.token", typ: kString, env: "CLUBSYNC_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "remote.mutations", typ: kString, env: "CLUBSYNC_REMOTE_MUTATIONS",
		apply:   func(cfg *Config, v any) { cfg.Remote.Mutations = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Mutations },
	},
	{
		key: "cache.stale_time", typ: kDuration, env: "CLUBSYNC_CACHE_STALE_TIME",
		apply:   func(cfg *Config, v any) { cfg.Cache.StaleTime = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.StaleTime },
	},
	{
		key: "cache.cache_time", typ: kDuration, env: "CLUBSYNC_CACHE_CACHE_TIME",
		apply:   func(cfg *Config, v any) { cfg.Cache.CacheTime = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.CacheTime },
	},
	{
		key: "query.fetch_timeout", typ: kDuration, env: "CLUBSYNC_QUERY_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Query.FetchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Query.FetchTimeout },
	},
	{
		key: "queue.handler_timeout", typ: kDuration, env: "CLUBSYNC_QUEUE_HANDLER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.HandlerTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.HandlerTimeout },
	},
	{
		key: "sync.schedule", typ: kString, env: "CLUBSYNC_SYNC_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Schedule },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "CLUBSYNC_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.interval", typ: kDuration, env: "CLUBSYNC_CONNECTIVITY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.Interval },
	},
	{
		key: "log.level", typ: kString, env: "CLUBSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
