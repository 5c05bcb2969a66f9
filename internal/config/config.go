package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Service  ServiceConfig
	Storage  StorageConfig
	Profiles ProfilesConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

// ServiceConfig locates the remote profile backend.
type ServiceConfig struct {
	BaseURL string
	AgentID string
	Timeout time.Duration
	Token   string

	// RefreshInterval re-fetches every profile periodically; 0 disables it.
	RefreshInterval time.Duration
}

type StorageConfig struct {
	DataDir string
}

// ProfilesConfig points at the YAML presentation config for profile forms.
type ProfilesConfig struct {
	ConfigFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Service: ServiceConfig{
			BaseURL: "http://localhost:8888",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, PROFILES_* environment
// variables, and the secrets file, in increasing order of precedence for
// everything except the service token, which falls back to the secrets file
// only when neither the file nor the environment sets it.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Service.Token == "" {
		token, err := kc.Get(secretsService, accountServiceToken)
		switch {
		case err == nil:
			cfg.Service.Token = token
		case !errors.Is(err, ErrSecretNotFound):
			slog.Warn("could not read service token from secrets file", "error", err)
		}
	}

	if cfg.Service.Timeout <= 0 {
		return Config{}, fmt.Errorf("service.timeout must be positive, got %s", cfg.Service.Timeout)
	}
	if cfg.Service.RefreshInterval < 0 {
		return Config{}, fmt.Errorf("service.refresh_interval must not be negative, got %s", cfg.Service.RefreshInterval)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	return cfg, nil
}

// RequireService reports a descriptive error when the settings needed to
// reach the profile backend are missing.
func (c Config) RequireService() error {
	var missing []string
	if c.Service.BaseURL == "" {
		missing = append(missing, "service.base_url (PROFILES_SERVICE_BASE_URL)")
	}
	if c.Service.AgentID == "" {
		missing = append(missing, "service.agent_id (PROFILES_SERVICE_AGENT_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SlogLevel maps Log.Level to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
