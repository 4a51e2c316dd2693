// Package config persists the tool's configuration file: the set of named
// storage contexts, which one is active, and the sync defaults. The file
// lives at ~/.todopro/config.toml and is read through viper so environment
// overrides (TODOPRO_*) work without extra plumbing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	// TypeLocal marks a context backed by an embedded SQLite database.
	TypeLocal = "local"
	// TypeRemote marks a context backed by the HTTP service.
	TypeRemote = "remote"
)

// Context names one storage backend.
type Context struct {
	Name string `mapstructure:"name" toml:"name"`
	Type string `mapstructure:"type" toml:"type"`

	// Path is the database file for local contexts. Relative paths are
	// resolved against the config directory.
	Path string `mapstructure:"path" toml:"path,omitempty"`

	// Endpoint and Token configure remote contexts.
	Endpoint string `mapstructure:"endpoint" toml:"endpoint,omitempty"`
	Token    string `mapstructure:"token" toml:"token,omitempty"`

	// Encrypted turns on transparent field encryption. The key file lives
	// under <config dir>/keys/<name>.key.
	Encrypted bool `mapstructure:"encrypted" toml:"encrypted,omitempty"`
}

// Validate checks that the context is usable.
func (c Context) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("context name must not be empty")
	}
	if strings.ContainsAny(c.Name, "/\\ ") {
		return fmt.Errorf("context name %q must not contain spaces or path separators", c.Name)
	}
	switch c.Type {
	case TypeLocal:
		// Path defaults to <config dir>/<name>.db when empty.
	case TypeRemote:
		if c.Endpoint == "" {
			return fmt.Errorf("remote context %q needs an endpoint", c.Name)
		}
	default:
		return fmt.Errorf("context %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}

// Config is the whole configuration file.
type Config struct {
	// Active is the context commands operate on by default.
	Active string `mapstructure:"active" toml:"active"`

	// Strategy is the default conflict resolution policy for sync:
	// "merge", "local-wins" or "remote-wins".
	Strategy string `mapstructure:"strategy" toml:"strategy"`

	// LogFile, when set, mirrors log output to a rotated file.
	LogFile string `mapstructure:"log_file" toml:"log_file,omitempty"`

	Contexts []Context `mapstructure:"contexts" toml:"contexts"`
}

// Default returns the configuration a fresh install starts with: one local
// context and merge resolution.
func Default() *Config {
	return &Config{
		Active:   "local",
		Strategy: "merge",
		Contexts: []Context{
			{Name: "local", Type: TypeLocal},
		},
	}
}

// DefaultDir returns ~/.todopro.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".todopro"), nil
}

// Load reads the config file under dir, falling back to defaults when the
// file does not exist yet.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("TODOPRO")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg := Default()
	cfg.Contexts = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(cfg.Contexts) == 0 {
		cfg.Contexts = Default().Contexts
	}
	for _, c := range cfg.Contexts {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the config file atomically (temp file plus rename).
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, "config.toml")

	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
