package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test"}}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 50, cfg.Session.MaxHistory)
	assert.Equal(t, 100, cfg.Breaker.SweepEvery)
	assert.Equal(t, 10000, cfg.Breaker.MaxEntries)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Contains(t, cfg.String(), `"orchestrator"`)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "no profiles",
			mutate:  func(c *Config) { c.AI.Profiles = nil },
			wantErr: "at least one AI profile",
		},
		{
			name: "duplicate profile",
			mutate: func(c *Config) {
				c.AI.Profiles = append(c.AI.Profiles, c.AI.Profiles[0])
			},
			wantErr: "duplicate ID",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.AI.Profiles[0].Provider = "gemini" },
			wantErr: "invalid provider",
		},
		{
			name:    "no data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "negative budget",
			mutate:  func(c *Config) { c.Orchestrator.Budget.T2 = -1 },
			wantErr: "budget",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.Orchestrator.SoftConfirmWindow = 0 },
			wantErr: "soft_confirm_window",
		},
		{
			name:    "sqlite without dsn",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite3" },
			wantErr: "store.dsn",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Gateway.Port = 0 },
			wantErr: "port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
