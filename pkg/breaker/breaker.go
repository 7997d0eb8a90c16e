package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/concierge/internal/observability"
)

// State is the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures inside FailureWindow open the breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is how long an open breaker rejects before a trial call.
	Cooldown time.Duration
	// MaxCallsPerWindow trips the breaker when exceeded within RateWindow.
	// Zero disables the rate governor.
	MaxCallsPerWindow int
	RateWindow        time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		Cooldown:          30 * time.Second,
		MaxCallsPerWindow: 60,
		RateWindow:        time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Decision is the answer to a Check.
type Decision struct {
	Allowed    bool
	State      State
	Reason     string
	RetryAfter time.Duration
}

// CircuitBreaker governs tool execution for one session.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	openReason   string
	trialAt      time.Time
	trial        bool
	calls        []time.Time
	lastActivity time.Time
}

func newBreaker(cfg Config, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:          cfg.withDefaults(),
		now:          now,
		lastActivity: now(),
	}
}

// New creates a standalone breaker.
func New(cfg Config) *CircuitBreaker {
	return newBreaker(cfg, time.Now)
}

func (b *CircuitBreaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Open:
		b.openedAt = b.now()
		b.openReason = reason
		b.trial = false
	case HalfOpen:
		b.trial = false
	case Closed:
		b.failures = 0
		b.openReason = ""
		b.trial = false
		b.calls = b.calls[:0]
	}
	observability.RecordBreakerTransition(from.String(), to.String())
}

// advance moves an open breaker to half-open once the cooldown has elapsed.
func (b *CircuitBreaker) advance(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(HalfOpen, "")
	}
}

func (b *CircuitBreaker) denied(now time.Time) Decision {
	retry := b.cfg.Cooldown - now.Sub(b.openedAt)
	if retry < 0 {
		retry = 0
	}
	return Decision{State: b.state, Reason: b.openReason, RetryAfter: retry}
}

// Peek reports whether the session may proceed without claiming a call or
// the half-open trial slot.
func (b *CircuitBreaker) Peek() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if b.state == Open {
		return b.denied(now)
	}
	return Decision{Allowed: true, State: b.state}
}

// Check is called before each tool execution. An allowed call in the
// half-open state is the single trial call.
func (b *CircuitBreaker) Check() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastActivity = now
	b.advance(now)

	switch b.state {
	case Open:
		return b.denied(now)

	case HalfOpen:
		// A trial whose outcome was never recorded is abandoned after a cooldown.
		if b.trial && now.Sub(b.trialAt) < b.cfg.Cooldown {
			return Decision{State: HalfOpen, Reason: "trial call in progress", RetryAfter: b.cfg.Cooldown - now.Sub(b.trialAt)}
		}
		b.trial = true
		b.trialAt = now
		return Decision{Allowed: true, State: HalfOpen}
	}

	if b.cfg.MaxCallsPerWindow > 0 {
		cutoff := now.Add(-b.cfg.RateWindow)
		kept := b.calls[:0]
		for _, ts := range b.calls {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		b.calls = kept
		if len(b.calls) >= b.cfg.MaxCallsPerWindow {
			b.transition(Open, "call rate exceeded")
			return b.denied(now)
		}
		b.calls = append(b.calls, now)
	}
	return Decision{Allowed: true, State: Closed}
}

// RecordSuccess closes a half-open breaker and resets the failure streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActivity = b.now()
	switch b.state {
	case HalfOpen:
		b.transition(Closed, "")
	case Closed:
		b.failures = 0
	}
}

// RecordFailure extends the failure streak and opens the breaker when the
// threshold is reached. A failed half-open trial reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastActivity = now

	switch b.state {
	case HalfOpen:
		b.transition(Open, "trial call failed")
		return
	case Open:
		return
	}

	if b.failures > 0 && now.Sub(b.firstFailure) > b.cfg.FailureWindow {
		b.failures = 0
	}
	if b.failures == 0 {
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.transition(Open, fmt.Sprintf("%d consecutive failures", b.failures))
	}
}

// State returns the current state, advancing open to half-open when due.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// SetConfig replaces thresholds; counters are kept.
func (b *CircuitBreaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// idle reports whether the breaker is closed, has no failure streak and
// has seen no activity for ttl.
func (b *CircuitBreaker) idle(now time.Time, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.failures == 0 && now.Sub(b.lastActivity) >= ttl
}
