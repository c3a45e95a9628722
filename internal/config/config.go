package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	ProviderRoster    = "roster"
	ProviderResponses = "responses"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Store        StoreConfig        `toml:"store"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Provider     ProviderConfig     `toml:"provider"`
	Export       ExportConfig       `toml:"export"`
	Agents       AgentsConfig       `toml:"agents"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	EventBuffer int    `toml:"event_buffer"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type OrchestratorConfig struct {
	MaxRounds int `toml:"max_rounds"`
}

type ProviderConfig struct {
	Kind             string `toml:"kind"`
	BaseURL          string `toml:"base_url"`
	Model            string `toml:"model"`
	ReasoningEffort  string `toml:"reasoning_effort"`
	APIKeyEnv        string `toml:"api_key_env"`
	TimeoutMS        int    `toml:"timeout_ms"`
	MaxRetries       int    `toml:"max_retries"`
	MaxResponseBytes int    `toml:"max_response_bytes"`
}

type ExportConfig struct {
	Dir string `toml:"dir"`
}

type AgentsConfig struct {
	PersonasFile string `toml:"personas_file"`
}

func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.EventBuffer <= 0 {
		c.Server.EventBuffer = 64
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "~/.helios/helios.db"
	}
	if c.Orchestrator.MaxRounds <= 0 {
		c.Orchestrator.MaxRounds = 50
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderRoster
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if c.Provider.APIKeyEnv == "" {
		c.Provider.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Provider.TimeoutMS <= 0 {
		c.Provider.TimeoutMS = 120000
	}
	if c.Provider.MaxRetries <= 0 {
		c.Provider.MaxRetries = 3
	}
	if c.Provider.MaxResponseBytes <= 0 {
		c.Provider.MaxResponseBytes = 1 << 20
	}
}

func (c Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderRoster:
	case ProviderResponses:
		if strings.TrimSpace(c.Provider.Model) == "" {
			return fmt.Errorf("provider.model is required for the %s provider", ProviderResponses)
		}
	default:
		return fmt.Errorf("unknown provider.kind %q", c.Provider.Kind)
	}
	return nil
}

// Load reads the TOML file at path. With an empty path the default location is
// tried, and a missing default file yields the built-in defaults.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", resolved, err)
	}
	return cfg, nil
}

func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".helios/config.toml"
	}
	return filepath.Join(home, ".helios", "config.toml")
}
