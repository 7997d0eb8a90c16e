package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var validProviders = []string{"anthropic", "openai"}

// ValidateProvider validates an AI provider name
func (v *Validator) ValidateProvider(provider string) error {
	for _, p := range validProviders {
		if provider == p {
			return nil
		}
	}
	return fmt.Errorf("invalid provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBudget checks per-tier recursion budgets. A zero budget disables
// the tier; negative values are rejected.
func (v *Validator) ValidateBudget(b BudgetConfig) error {
	if b.T1 < 0 || b.T2 < 0 || b.T3 < 0 {
		return fmt.Errorf("orchestrator.budget values must be >= 0, got t1=%d t2=%d t3=%d", b.T1, b.T2, b.T3)
	}
	return nil
}

// ValidateBreaker checks circuit breaker thresholds
func (v *Validator) ValidateBreaker(b BreakerConfig) error {
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if b.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}
	if b.SweepEvery <= 0 {
		return fmt.Errorf("breaker.sweep_every must be positive")
	}
	if b.MaxEntries <= 0 {
		return fmt.Errorf("breaker.max_entries must be positive")
	}
	if b.MaxCallsPerWindow < 0 {
		return fmt.Errorf("breaker.max_calls_per_window must be >= 0")
	}
	return nil
}

// ValidateStore checks the persistence backend selection
func (v *Validator) ValidateStore(s StoreConfig) error {
	switch s.Driver {
	case "", "memory":
		return nil
	case "sqlite3", "pgx":
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", s.Driver)
		}
		return nil
	default:
		return fmt.Errorf("invalid store driver: %s (must be one of: memory, sqlite3, pgx)", s.Driver)
	}
}

// ValidateSchedule checks a cron schedule expression
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and collects every problem.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if err := v.ValidateProvider(profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateBudget(cfg.Orchestrator.Budget); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateBreaker(cfg.Breaker); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateStore(cfg.Store); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule(cfg.Orchestrator.SweepSchedule); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
