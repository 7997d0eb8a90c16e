package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const defaultCooldown = time.Minute

type profileState struct {
	profile       Profile
	provider      Provider
	failures      int
	cooldownUntil time.Time
}

// Failover is a Provider that walks profiles by priority. A profile whose
// call fails with a transient error is cooled down and the next one is
// tried; a permanent error is returned immediately.
type Failover struct {
	policy   RetryPolicy
	cooldown time.Duration
	now      func() time.Time
	factory  Factory

	mu       sync.Mutex
	profiles []*profileState
}

// FailoverOption customizes a Failover.
type FailoverOption func(*Failover)

// WithFactory builds profile providers with f instead of DefaultFactory.
func WithFactory(f Factory) FailoverOption {
	return func(fo *Failover) { fo.factory = f }
}

// WithCooldown sets the base cooldown; it grows linearly with consecutive
// failures of a profile.
func WithCooldown(d time.Duration) FailoverOption {
	return func(fo *Failover) { fo.cooldown = d }
}

// WithFailoverClock sets the time source.
func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(fo *Failover) { fo.now = now }
}

// NewFailover builds a Failover over profiles. Profiles whose provider
// cannot be built are skipped; it fails when none remain.
func NewFailover(profiles []Profile, policy RetryPolicy, opts ...FailoverOption) (*Failover, error) {
	observability.EnsureRegistered()
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	fo := &Failover{policy: policy, cooldown: defaultCooldown, now: time.Now, factory: DefaultFactory{}}
	for _, opt := range opts {
		opt(fo)
	}
	for _, p := range sorted {
		provider, err := fo.factory.NewProvider(p)
		if err != nil {
			log.Warn().Err(err).Str("profile", p.ID).Msg("Skipping unusable provider profile")
			continue
		}
		fo.profiles = append(fo.profiles, &profileState{profile: p, provider: provider})
	}
	if len(fo.profiles) == 0 {
		return nil, fmt.Errorf("%w: no usable profile", ErrNoProfiles)
	}
	return fo, nil
}

// NewFailoverFromProviders wraps ready providers, in order.
func NewFailoverFromProviders(policy RetryPolicy, providers ...Provider) (*Failover, error) {
	observability.EnsureRegistered()
	if len(providers) == 0 {
		return nil, ErrNoProfiles
	}
	fo := &Failover{policy: policy, cooldown: defaultCooldown, now: time.Now}
	for i, p := range providers {
		fo.profiles = append(fo.profiles, &profileState{
			profile:  Profile{ID: fmt.Sprintf("%s-%d", p.Name(), i), Provider: p.Name(), Priority: i},
			provider: p,
		})
	}
	return fo, nil
}

func (f *Failover) Name() string {
	return "failover"
}

// Call tries each profile not in cooldown. When every profile is cooling
// down the one that recovers first is tried anyway.
func (f *Failover) Call(ctx context.Context, request Request) (*Response, error) {
	candidates := f.candidates()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	for _, st := range candidates {
		req := request
		if req.Model == "" {
			req.Model = st.profile.Model
		}

		callCtx, span := tracing.StartSpan(ctx, "concierge.agent", "agent.model_call",
			attribute.String("provider", st.provider.Name()),
			attribute.String("profile", st.profile.ID),
			attribute.String("model", req.Model),
		)
		start := f.now()
		resp, err := CallWithRetry(callCtx, st.provider, req, f.policy)
		observability.RecordModelCall(st.provider.Name(), f.now().Sub(start), err == nil)
		if err == nil {
			span.End()
			f.markSuccess(st)
			return resp, nil
		}
		tracing.RecordError(span, err)
		span.End()

		lastErr = err
		logger.Warn().Str("profile", st.profile.ID).Err(err).Msg("Provider profile failed")
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		f.markFailure(st)
	}
	if lastErr == nil {
		lastErr = errors.New("no provider available")
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProfiles, lastErr)
}

func (f *Failover) candidates() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var ready []*profileState
	var earliest *profileState
	for _, st := range f.profiles {
		if now.Before(st.cooldownUntil) {
			if earliest == nil || st.cooldownUntil.Before(earliest.cooldownUntil) {
				earliest = st
			}
			continue
		}
		ready = append(ready, st)
	}
	if len(ready) == 0 && earliest != nil {
		ready = append(ready, earliest)
	}
	return ready
}

func (f *Failover) markSuccess(st *profileState) {
	f.mu.Lock()
	st.failures = 0
	st.cooldownUntil = time.Time{}
	f.mu.Unlock()
}

func (f *Failover) markFailure(st *profileState) {
	f.mu.Lock()
	st.failures++
	st.cooldownUntil = f.now().Add(time.Duration(st.failures) * f.cooldown)
	f.mu.Unlock()
}
