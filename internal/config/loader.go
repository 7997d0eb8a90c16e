package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CONCIERGE"

// secretKeys are bound explicitly so they can be supplied only through the
// environment (or a .env file) without appearing in the config file.
var secretKeys = []string{
	"gateway.shared_secret",
	"store.dsn",
	"audit.clickhouse_dsn",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".concierge", "concierge.json")
}

func (l *Loader) viper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load loads the configuration from file. A missing file yields defaults
// overlaid with environment variables.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	v := l.viper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvProfile(cfg)
	return cfg, nil
}

// applyEnvProfile adds provider profiles from the conventional provider
// environment variables when the file configures none.
func applyEnvProfile(cfg *Config) {
	if len(cfg.AI.Profiles) > 0 {
		return
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 1})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Priority: 2})
	}
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := l.viper(configPath)
	v.Set("data_dir", cfg.DataDir)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("breaker", cfg.Breaker)
	v.Set("session", cfg.Session)
	v.Set("store", cfg.Store)
	v.Set("audit", cfg.Audit)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("ai", cfg.AI)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
