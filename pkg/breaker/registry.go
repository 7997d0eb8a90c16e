package breaker

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/concierge/internal/observability"
)

// RegistryConfig configures the per-session breaker registry.
type RegistryConfig struct {
	Breaker Config
	// SweepEvery runs a sweep on every Nth Tick.
	SweepEvery int
	// IdleTTL is how long a closed breaker with no failures must be idle
	// before a sweep drops it.
	IdleTTL time.Duration
	// MaxEntries caps the registry; the oldest inserted entries go first.
	MaxEntries int
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Breaker:    DefaultConfig(),
		SweepEvery: 100,
		IdleTTL:    30 * time.Minute,
		MaxEntries: 10000,
	}
}

type registryEntry struct {
	sessionID string
	breaker   *CircuitBreaker
}

// Registry owns one CircuitBreaker per session. It has no background
// goroutine: sweeps piggyback on Tick, which the orchestrator calls once
// per request.
type Registry struct {
	mu      sync.Mutex
	cfg     RegistryConfig
	entries map[string]*list.Element
	order   *list.List
	ticks   atomic.Uint64
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source. Tests use it.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	d := DefaultRegistryConfig()
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = d.SweepEvery
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	if cfg.IdleTTL < 0 {
		cfg.IdleTTL = 0
	}
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session's breaker, creating it on first access.
func (r *Registry) Get(sessionID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[sessionID]; ok {
		return el.Value.(*registryEntry).breaker
	}

	b := newBreaker(r.cfg.Breaker, r.now)
	r.entries[sessionID] = r.order.PushBack(&registryEntry{sessionID: sessionID, breaker: b})
	observability.SetBreakerEntries(len(r.entries))
	return b
}

// Lookup returns the session's breaker without creating one.
func (r *Registry) Lookup(sessionID string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return el.Value.(*registryEntry).breaker, true
}

// Len returns the number of breakers held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Tick counts one orchestrator call and sweeps every SweepEvery calls. It
// returns the number of entries removed.
func (r *Registry) Tick() int {
	n := r.ticks.Add(1)
	r.mu.Lock()
	every := uint64(r.cfg.SweepEvery)
	r.mu.Unlock()
	if n%every != 0 {
		return 0
	}
	return r.Sweep()
}

// Sweep drops idle closed breakers, then evicts the oldest inserted entries
// until the registry is within MaxEntries.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	idle := 0
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*registryEntry)
		if e.breaker.idle(now, r.cfg.IdleTTL) {
			r.order.Remove(el)
			delete(r.entries, e.sessionID)
			idle++
		}
		el = next
	}

	evicted := 0
	for len(r.entries) > r.cfg.MaxEntries {
		el := r.order.Front()
		e := el.Value.(*registryEntry)
		r.order.Remove(el)
		delete(r.entries, e.sessionID)
		evicted++
	}

	observability.RecordBreakerEvictions("idle", idle)
	observability.RecordBreakerEvictions("capacity", evicted)
	observability.SetBreakerEntries(len(r.entries))

	if idle+evicted > 0 {
		log.Debug().
			Int("idle", idle).
			Int("evicted", evicted).
			Int("remaining", len(r.entries)).
			Msg("Breaker registry swept")
	}
	return idle + evicted
}

// SetConfig applies new thresholds to existing and future breakers.
func (r *Registry) SetConfig(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.SweepEvery > 0 {
		r.cfg.SweepEvery = cfg.SweepEvery
	}
	if cfg.MaxEntries > 0 {
		r.cfg.MaxEntries = cfg.MaxEntries
	}
	if cfg.IdleTTL >= 0 {
		r.cfg.IdleTTL = cfg.IdleTTL
	}
	r.cfg.Breaker = cfg.Breaker
	for el := r.order.Front(); el != nil; el = el.Next() {
		el.Value.(*registryEntry).breaker.SetConfig(cfg.Breaker)
	}
}
