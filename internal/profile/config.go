package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AvatarMode controls how presentation code treats the "avatar" field.
type AvatarMode string

const (
	AvatarRequired  AvatarMode = "avatar-required"
	AvatarOptional  AvatarMode = "avatar-optional"
	AvatarIdenticon AvatarMode = "identicon"
	AvatarOnly      AvatarMode = "avatar"
)

// AvatarField is the field name holding the avatar payload.
const AvatarField = "avatar"

// Valid reports whether m is one of the known avatar modes.
func (m AvatarMode) Valid() bool {
	switch m {
	case AvatarRequired, AvatarOptional, AvatarIdenticon, AvatarOnly:
		return true
	}
	return false
}

// FieldConfig describes an additional profile field rendered by
// presentation code.
type FieldConfig struct {
	Name     string `json:"name" yaml:"name"`
	Label    string `json:"label" yaml:"label"`
	Required bool   `json:"required" yaml:"required"`
}

// Config is the read-only presentation configuration handed to the store
// and exposed to consumers. The store does not enforce it; see Validate.
type Config struct {
	MinNicknameLength int           `json:"min_nickname_length" yaml:"min_nickname_length"`
	AvatarMode        AvatarMode    `json:"avatar_mode" yaml:"avatar_mode"`
	AdditionalFields  []FieldConfig `json:"additional_fields" yaml:"additional_fields"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MinNicknameLength: 3,
		AvatarMode:        AvatarOptional,
	}
}

func (c Config) clone() Config {
	cp := c
	if c.AdditionalFields != nil {
		cp.AdditionalFields = make([]FieldConfig, len(c.AdditionalFields))
		copy(cp.AdditionalFields, c.AdditionalFields)
	}
	return cp
}

// LoadConfigFile reads a YAML presentation config. Keys absent from the file
// keep their DefaultConfig values. An empty path returns DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading profiles config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing profiles config %s: %w", path, err)
	}

	if !cfg.AvatarMode.Valid() {
		return Config{}, fmt.Errorf("invalid avatar_mode %q", cfg.AvatarMode)
	}
	if cfg.MinNicknameLength < 0 {
		return Config{}, fmt.Errorf("min_nickname_length must not be negative, got %d", cfg.MinNicknameLength)
	}
	seen := make(map[string]bool, len(cfg.AdditionalFields))
	for i, f := range cfg.AdditionalFields {
		if f.Name == "" {
			return Config{}, fmt.Errorf("additional_fields[%d]: name is required", i)
		}
		if seen[f.Name] {
			return Config{}, fmt.Errorf("additional_fields[%d]: duplicate field %q", i, f.Name)
		}
		seen[f.Name] = true
	}
	return cfg, nil
}
