package lane

import (
	"context"
	"errors"
	"sync"
	"time"
)

type dedupEntry struct {
	done     chan struct{}
	result   taskResult
	finished time.Time
}

// dedupCache shares results of identical requests for ttl after they finish.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	go dc.cleanup()
	return dc
}

func (dc *dedupCache) Stop() {
	dc.cancel()
}

// do runs fn once per requestID. The bool reports a shared result.
func (dc *dedupCache) do(requestID string, fn func() (interface{}, error)) (interface{}, bool, error) {
	dc.mu.Lock()
	if e, ok := dc.entries[requestID]; ok && (e.finished.IsZero() || dc.now().Sub(e.finished) <= dc.ttl) {
		dc.mu.Unlock()
		<-e.done
		return e.result.value, true, e.result.err
	}
	e := &dedupEntry{done: make(chan struct{})}
	dc.entries[requestID] = e
	dc.mu.Unlock()

	value, err := fn()

	dc.mu.Lock()
	e.result = taskResult{value: value, err: err}
	e.finished = dc.now()
	// Results that say nothing about the request are not remembered.
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		delete(dc.entries, requestID)
	}
	dc.mu.Unlock()
	close(e.done)
	return value, false, err
}

func (dc *dedupCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.evict()
		}
	}
}

func (dc *dedupCache) evict() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	n := 0
	for id, e := range dc.entries {
		if !e.finished.IsZero() && now.Sub(e.finished) > dc.ttl {
			delete(dc.entries, id)
			n++
		}
	}
	return n
}

func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
