package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/internal/logger"
	"github.com/harun/concierge/pkg/agent"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "test-secret"
	cfg.Orchestrator.MaxRetries = 1
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// createTestDaemon creates a daemon driven by a scripted model.
func createTestDaemon(t *testing.T, cfg *config.Config, steps ...agent.Step) (*Daemon, *agent.ScriptedProvider) {
	t.Helper()
	provider := agent.NewScriptedProvider("scripted", steps...)
	d, err := New(cfg, testLogger(t), Options{Provider: provider})
	require.NoError(t, err)
	return d, provider
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.closeCoreModules()

	assert.NotNil(t, d.orchestrator)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.proposals)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.store, "memory driver opens no database")

	for _, name := range []string{"read_file", "write_file", "delete_file"} {
		_, ok := d.GetToolRegistry().Get(name)
		assert.True(t, ok, name)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(testConfig(t), testLogger(t), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrNoProfiles)
}

func TestNew_RequiresSharedSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = ""
	_, err := New(cfg, testLogger(t), Options{Provider: agent.NewScriptedProvider("")})
	assert.Error(t, err)
}

func TestNew_ExtraTools(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t), Options{
		Provider: agent.NewScriptedProvider(""),
		RegisterTools: func(reg *tools.Registry) error {
			return reg.Register(tools.Definition{
				Name:        "check_stock",
				Description: "Check stock for a product",
				Tier:        tools.T1,
				Executor: func(context.Context, string, map[string]interface{}) (interface{}, error) {
					return 3, nil
				},
			})
		},
	})
	require.NoError(t, err)
	defer d.closeCoreModules()

	tier, err := d.GetToolRegistry().Tier("check_stock")
	require.NoError(t, err)
	assert.Equal(t, tools.T1, tier)
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())
	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)
	assert.FileExists(t, d.lifecycle.PIDFile())

	assert.Error(t, d.Start(), "second start")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, d.lifecycle.PIDFile())
	assert.Error(t, d.Stop(), "second stop")
}

func TestDaemon_HardConfirmFlow(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg,
		agent.CallTool(agent.ToolCall{ID: "c1", Name: "delete_file", Arguments: map[string]interface{}{"path": "old.txt"}}),
		agent.Reply("I've asked for your confirmation before deleting old.txt."),
	)
	defer d.closeCoreModules()

	dir := filepath.Join(cfg.DataDir, "workspaces", "salon-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0644))

	ctx := context.Background()
	resp, err := d.GetOrchestrator().Chat(ctx, orchestrator.ChatRequest{TenantID: "salon-1", Message: "delete old.txt"})
	require.NoError(t, err)
	require.Len(t, resp.PendingProposals, 1)
	p := resp.PendingProposals[0]
	assert.Equal(t, tools.T3, p.Tier)
	assert.Equal(t, "Permanently delete old.txt", p.Preview)
	assert.FileExists(t, filepath.Join(dir, "old.txt"))

	done, err := d.GetOrchestrator().ConfirmProposal(ctx, "salon-1", resp.SessionID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, done.Status)
	assert.NoFileExists(t, filepath.Join(dir, "old.txt"))
}

func TestDaemon_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = filepath.Join(cfg.DataDir, "concierge.db")

	d, _ := createTestDaemon(t, cfg, agent.Reply("Hello!"))
	require.NotNil(t, d.store)

	resp, err := d.GetOrchestrator().Chat(context.Background(), orchestrator.ChatRequest{TenantID: "salon-1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Reply)
	assert.True(t, resp.NewSession)

	d.closeCoreModules()
	assert.FileExists(t, cfg.Store.DSN)
}

func TestDaemon_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg)
	defer d.closeCoreModules()

	next := testConfig(t)
	next.Orchestrator.Budget = config.BudgetConfig{T1: 2, T2: 1, T3: 0}
	next.Orchestrator.SoftConfirmWindow = 30 * time.Second
	next.Session.MaxHistory = 10
	d.ApplyConfig(next)

	limits := d.budgets.Limits()
	assert.Equal(t, 2, limits.T1)
	assert.Equal(t, 0, limits.T3)
	assert.Equal(t, 30*time.Second, d.config.Orchestrator.SoftConfirmWindow)
	assert.Equal(t, 10, d.config.Session.MaxHistory)
}

func TestEventLoop_LeavesBreakersToTurns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Breaker.IdleTTL = time.Nanosecond
	cfg.Breaker.SweepEvery = 1
	d, _ := createTestDaemon(t, cfg, agent.Reply("Hello!"))
	defer d.closeCoreModules()

	d.breakers.Get("idle-session")
	time.Sleep(time.Millisecond)

	d.eventLoop.processTasks(context.Background())
	_, ok := d.breakers.Lookup("idle-session")
	assert.True(t, ok, "the event loop does not sweep breakers")

	// The next turn's call count triggers the sweep.
	resp, err := d.GetOrchestrator().Chat(context.Background(), orchestrator.ChatRequest{TenantID: "salon-1", Message: "hi"})
	require.NoError(t, err)
	_, ok = d.breakers.Lookup("idle-session")
	assert.False(t, ok)
	_, ok = d.breakers.Lookup(resp.SessionID)
	assert.True(t, ok)
}
