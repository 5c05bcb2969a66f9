package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secrets file account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PROFILES_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "service.base_url", typ: kString, env: "PROFILES_SERVICE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Service.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.BaseURL },
	},
	{
		key: "service.agent_id", typ: kString, env: "PROFILES_SERVICE_AGENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Service.AgentID = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.AgentID },
	},
	{
		key: "service.timeout", typ: kDuration, env: "PROFILES_SERVICE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Service.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Service.Timeout },
	},
	{
		key: "service.refresh_interval", typ: kDuration, env: "PROFILES_SERVICE_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Service.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Service.RefreshInterval },
	},
	{
		key: "service.token", typ: kString, env: "PROFILES_SERVICE_TOKEN",
		secret: true, account: accountServiceToken,
		apply:   func(cfg *Config, v any) { cfg.Service.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PROFILES_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "profiles.config_file", typ: kString, env: "PROFILES_PROFILES_CONFIG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Profiles.ConfigFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Profiles.ConfigFile },
	},
	{
		key: "log.level", typ: kString, env: "PROFILES_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", s.key, err)
				}
				s.apply(cfg, d)
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
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("could not parse duration from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
