package gateway

import (
	"sync"
	"time"
)

const (
	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
	now                func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		requests:          make([]time.Time, 0),
		lastSeen:          time.Now(),
		now:               time.Now,
	}
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}
	r.prune(r.now())
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}
	return true, ""
}

// Acquire checks the limits and, when allowed, records the request start
// in one step.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}
	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	r.requests = append(r.requests, now)
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idle(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && now.Sub(r.lastSeen) >= ttl
}

// rateLimiterSet holds one limiter per HTTP caller address. Idle limiters
// are dropped on access so the map stays bounded by active callers.
type rateLimiterSet struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
	idleTTL           time.Duration
	lastSweep         time.Time
}

func newRateLimiterSet(requestsPerMinute, maxConcurrent int) *rateLimiterSet {
	return &rateLimiterSet{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		idleTTL:           5 * time.Minute,
		lastSweep:         time.Now(),
	}
}

func (s *rateLimiterSet) get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		for k, l := range s.limiters {
			if l.idle(now, s.idleTTL) {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[key] = l
	}
	return l
}

func (s *rateLimiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *rateLimiterSet) newClientLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
}
