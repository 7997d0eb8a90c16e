package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/internal/logger"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/agent"
	"github.com/harun/concierge/pkg/breaker"
	"github.com/harun/concierge/pkg/budget"
	"github.com/harun/concierge/pkg/coretools"
	"github.com/harun/concierge/pkg/gateway"
	"github.com/harun/concierge/pkg/lane"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/store/sqldb"
	"github.com/harun/concierge/pkg/tools"
)

// Options customizes how New assembles the daemon.
type Options struct {
	// Provider replaces the provider failover built from the AI profiles.
	Provider agent.Provider
	// RegisterTools adds tools next to the built-in workspace tools.
	RegisterTools func(*tools.Registry) error
	// Loader enables config hot reload when set.
	Loader *config.Loader
}

// Daemon represents the concierge service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        *sqldb.Store
	audit        observability.AuditSink
	tools        *tools.Registry
	breakers     *breaker.Registry
	budgets      *budget.Tracker
	sessions     *session.Manager
	proposals    *proposal.Engine
	sweeper      *proposal.Sweeper
	provider     agent.Provider
	lanes        *lane.Queue
	orchestrator *orchestrator.Orchestrator

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracer *tracing.Provider
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		traceFile := cfg.Tracing.File
		if traceFile == "" {
			traceFile = filepath.Join(cfg.DataDir, "traces.jsonl")
		}
		tp, err := tracing.Setup(tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			File:        traceFile,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without span export")
		} else {
			d.tracer = tp
			log.Info().Str("file", traceFile).Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(opts); err != nil {
		d.closeCoreModules()
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(opts); err != nil {
		d.closeCoreModules()
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules initializes all core modules in dependency order
func (d *Daemon) initializeCoreModules(opts Options) error {
	cfg := d.config
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	audit, err := d.newAuditSink()
	if err != nil {
		return err
	}
	d.audit = audit
	d.logger.Info().Msg("Audit sinks initialized")

	sessionStore, proposalStore, err := d.newStores()
	if err != nil {
		return err
	}

	d.tools = tools.NewRegistry(tools.WithDefaultTimeout(cfg.Orchestrator.ToolTimeout))
	if err := coretools.RegisterCoreTools(d.tools, coretools.Options{
		Root: filepath.Join(cfg.DataDir, "workspaces"),
	}); err != nil {
		return fmt.Errorf("failed to register workspace tools: %w", err)
	}
	if opts.RegisterTools != nil {
		if err := opts.RegisterTools(d.tools); err != nil {
			return fmt.Errorf("failed to register tools: %w", err)
		}
	}
	d.logger.Info().Int("tools", d.tools.Len()).Msg("Tool registry initialized")

	d.breakers = breaker.NewRegistry(breakerConfig(cfg))
	d.budgets = budget.NewTracker(budgetLimits(cfg))
	d.sessions = session.NewManager(sessionStore, d.breakers, d.audit, sessionConfig(cfg))
	d.logger.Info().Msg("Session manager initialized")

	d.proposals = proposal.NewEngine(proposalStore, d.tools, d.audit, proposal.Options{
		DefaultWindow:  cfg.Orchestrator.SoftConfirmWindow,
		HardConfirmTTL: cfg.Orchestrator.HardConfirmTTL,
		ExecTimeout:    cfg.Orchestrator.ToolTimeout,
		Breakers:       d.breakers,
	})
	sweeper, err := proposal.NewSweeper(d.proposals, cfg.Orchestrator.SweepSchedule)
	if err != nil {
		return err
	}
	d.sweeper = sweeper
	d.logger.Info().Msg("Proposal engine initialized")

	if opts.Provider != nil {
		d.provider = opts.Provider
	} else {
		// Retries run per call inside the orchestrator's model timeout; the
		// failover only moves on to the next profile.
		provider, err := agent.NewFailover(agentProfiles(cfg), agent.RetryPolicy{MaxAttempts: 1})
		if err != nil {
			return fmt.Errorf("failed to create model provider: %w", err)
		}
		d.provider = provider
	}
	d.logger.Info().Str("provider", d.provider.Name()).Msg("Model provider initialized")

	d.lanes = lane.New(lane.Options{Name: "turn", WarnAfter: cfg.Orchestrator.ModelTimeout})
	orch, err := orchestrator.New(orchestrator.Deps{
		Sessions:  d.sessions,
		Breakers:  d.breakers,
		Proposals: d.proposals,
		Tools:     d.tools,
		Budgets:   d.budgets,
		Provider:  d.provider,
		Audit:     d.audit,
		Lanes:     d.lanes,
	}, orchestratorConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch
	d.logger.Info().Msg("Orchestrator initialized")
	return nil
}

func (d *Daemon) newAuditSink() (observability.AuditSink, error) {
	cfg := d.config.Audit
	path := cfg.File
	if path == "" {
		path = filepath.Join(d.config.DataDir, "audit.log")
	}
	file, err := observability.NewFileAuditSink(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if cfg.ClickHouse == "" {
		return file, nil
	}

	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	ch, err := observability.NewClickHouseAuditSink(ctx, observability.ClickHouseOptions{
		DSN:   cfg.ClickHouse,
		Table: cfg.Table,
		TLS:   cfg.TLS,
	}, d.logger.Component("audit"))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to connect audit clickhouse: %w", err)
	}
	return observability.MultiSink{file, ch}, nil
}

func (d *Daemon) newStores() (session.Store, proposal.Store, error) {
	cfg := d.config.Store
	switch cfg.Driver {
	case "", "memory":
		d.logger.Warn().Msg("Using in-memory store; sessions and proposals are lost on restart")
		return session.NewMemoryStore(), proposal.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	store, err := sqldb.New(ctx, sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store
	return store.Sessions(), store.Proposals(), nil
}

// initializeServices initializes the caller-facing services
func (d *Daemon) initializeServices(opts Options) error {
	gw, err := gateway.NewServer(gateway.Config{
		Host:              d.config.Gateway.Host,
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		RequestsPerMinute: d.config.Gateway.RateLimitRequests,
		Backend:           d.orchestrator,
		Logger:            d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw

	if opts.Loader != nil {
		watcher, err := config.NewWatcher(opts.Loader, d.ApplyConfig)
		if err != nil {
			return err
		}
		d.watcher = watcher
	}
	return nil
}

// ApplyConfig swaps the hot-reloadable limits. Store, audit and gateway
// settings need a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.orchestrator.SetConfig(orchestratorConfig(cfg))
	d.sessions.SetConfig(sessionConfig(cfg))
	d.breakers.SetConfig(breakerConfig(cfg))
	d.budgets.SetLimits(budgetLimits(cfg))

	d.mu.Lock()
	d.config.Orchestrator = cfg.Orchestrator
	d.config.Breaker = cfg.Breaker
	d.config.Session = cfg.Session
	d.mu.Unlock()

	d.logger.Info().
		Int("budget_t1", cfg.Orchestrator.Budget.T1).
		Int("budget_t2", cfg.Orchestrator.Budget.T2).
		Int("budget_t3", cfg.Orchestrator.Budget.T3).
		Dur("soft_confirm_window", cfg.Orchestrator.SoftConfirmWindow).
		Msg("Runtime limits updated")
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting concierge daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start proposal sweeper: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon. In-flight turns finish before the stores close.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping concierge daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	d.sweeper.Stop(shutdownCtx)
	logger.Info().Msg("Proposal sweeper stopped")

	if err := d.orchestrator.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close orchestrator")
	}
	if err := d.lanes.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close turn queue")
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCoreModules()
	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeCoreModules() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
		}
		d.store = nil
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close audit sink")
		}
		d.audit = nil
	}
	if d.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracer = nil
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetToolRegistry returns the tool registry
func (d *Daemon) GetToolRegistry() *tools.Registry {
	return d.tools
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := cfg.Orchestrator
	retry := agent.DefaultRetryPolicy()
	if oc.MaxRetries > 0 {
		retry.MaxAttempts = oc.MaxRetries
	}
	return orchestrator.Config{
		SystemPrompt:      oc.SystemPrompt,
		Model:             cfg.AI.Model,
		MaxTokens:         cfg.AI.MaxTokens,
		MaxIterations:     oc.MaxIterations,
		ModelTimeout:      oc.ModelTimeout,
		ToolTimeout:       oc.ToolTimeout,
		SoftConfirmWindow: oc.SoftConfirmWindow,
		ContextTokens:     oc.ContextTokens,
		Retry:             retry,
	}
}

func breakerConfig(cfg *config.Config) breaker.RegistryConfig {
	b := cfg.Breaker
	return breaker.RegistryConfig{
		Breaker: breaker.Config{
			FailureThreshold:  b.FailureThreshold,
			FailureWindow:     b.FailureWindow,
			Cooldown:          b.Cooldown,
			MaxCallsPerWindow: b.MaxCallsPerWindow,
			RateWindow:        b.RateWindow,
		},
		SweepEvery: b.SweepEvery,
		IdleTTL:    b.IdleTTL,
		MaxEntries: b.MaxEntries,
	}
}

func budgetLimits(cfg *config.Config) budget.Limits {
	b := cfg.Orchestrator.Budget
	return budget.Limits{T1: b.T1, T2: b.T2, T3: b.T3}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{TTL: cfg.Session.TTL, MaxHistory: cfg.Session.MaxHistory}
}

func agentProfiles(cfg *config.Config) []agent.Profile {
	profiles := make([]agent.Profile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		model := p.Model
		if model == "" {
			model = cfg.AI.Model
		}
		profiles = append(profiles, agent.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    model,
			Priority: p.Priority,
		})
	}
	return profiles
}
