package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the main concierge configuration
type Config struct {
	// DataDir holds the PID file, the default sqlite database and the
	// tenant workspaces.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Orchestrator holds turn, budget and soft-confirm settings.
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`

	// Breaker holds per-session circuit breaker settings.
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Session holds session lifecycle settings.
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Store selects the persistence backend.
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Audit configures audit sinks.
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Tracing enables the OpenTelemetry tracer provider.
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// OrchestratorConfig holds turn driver settings
type OrchestratorConfig struct {
	SystemPrompt      string        `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations     int           `json:"max_iterations" mapstructure:"max_iterations"`
	ModelTimeout      time.Duration `json:"model_timeout" mapstructure:"model_timeout"`
	ToolTimeout       time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	SoftConfirmWindow time.Duration `json:"soft_confirm_window" mapstructure:"soft_confirm_window"`
	HardConfirmTTL    time.Duration `json:"hard_confirm_ttl" mapstructure:"hard_confirm_ttl"`
	SweepSchedule     string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	Budget            BudgetConfig  `json:"budget" mapstructure:"budget"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"`
	ContextTokens     int           `json:"context_tokens" mapstructure:"context_tokens"`
}

// BudgetConfig holds per-tier recursion budgets for one turn
type BudgetConfig struct {
	T1 int `json:"t1" mapstructure:"t1"`
	T2 int `json:"t2" mapstructure:"t2"`
	T3 int `json:"t3" mapstructure:"t3"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold  int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindow     time.Duration `json:"failure_window" mapstructure:"failure_window"`
	Cooldown          time.Duration `json:"cooldown" mapstructure:"cooldown"`
	MaxCallsPerWindow int           `json:"max_calls_per_window" mapstructure:"max_calls_per_window"`
	RateWindow        time.Duration `json:"rate_window" mapstructure:"rate_window"`
	SweepEvery        int           `json:"sweep_every" mapstructure:"sweep_every"`
	IdleTTL           time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	MaxEntries        int           `json:"max_entries" mapstructure:"max_entries"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	TTL        time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxHistory int           `json:"max_history" mapstructure:"max_history"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite3, pgx
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// AuditConfig configures audit sinks
type AuditConfig struct {
	File       string `json:"file" mapstructure:"file"`
	ClickHouse string `json:"clickhouse_dsn" mapstructure:"clickhouse_dsn"`
	Table      string `json:"table" mapstructure:"table"`
	TLS        bool   `json:"tls" mapstructure:"tls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// MaxSizeMB rotates the log file once it grows past this size. Zero
	// disables rotation.
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitRequests int    `json:"rate_limit_requests" mapstructure:"rate_limit_requests"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Model     string      `json:"model" mapstructure:"model"`
	MaxTokens int         `json:"max_tokens" mapstructure:"max_tokens"`
	Profiles  []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// File receives exported spans as JSON. Defaults to <data_dir>/traces.jsonl.
	File string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Orchestrator: OrchestratorConfig{
			SystemPrompt:      "You are a careful assistant for a small business. Use tools to read data freely; changes are proposed to the owner before they take effect.",
			MaxIterations:     8,
			ModelTimeout:      60 * time.Second,
			ToolTimeout:       30 * time.Second,
			SoftConfirmWindow: 2 * time.Minute,
			HardConfirmTTL:    time.Hour,
			SweepSchedule:     "@every 30s",
			Budget:            BudgetConfig{T1: 10, T2: 3, T3: 1},
			MaxRetries:        3,
			ContextTokens:     24000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			FailureWindow:     time.Minute,
			Cooldown:          30 * time.Second,
			MaxCallsPerWindow: 60,
			RateWindow:        time.Minute,
			SweepEvery:        100,
			IdleTTL:           30 * time.Minute,
			MaxEntries:        10000,
		},
		Session: SessionConfig{
			TTL:        24 * time.Hour,
			MaxHistory: 50,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "0.0.0.0",
			RateLimitRequests: 120,
		},
		AI: AIConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
			Profiles:  []AIProfile{},
		},
		Tracing: TracingConfig{
			ServiceName: "concierge",
			SampleRatio: 1,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "concierge")
	}
	return filepath.Join(home, ".concierge")
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	v := NewValidator()
	seen := make(map[string]bool)
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := v.ValidateBudget(c.Orchestrator.Budget); err != nil {
		return err
	}
	if err := v.ValidateBreaker(c.Breaker); err != nil {
		return err
	}
	if err := v.ValidateStore(c.Store); err != nil {
		return err
	}
	if c.Orchestrator.SoftConfirmWindow <= 0 {
		return fmt.Errorf("orchestrator.soft_confirm_window must be positive")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive")
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("session.max_history must be positive")
	}
	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}
