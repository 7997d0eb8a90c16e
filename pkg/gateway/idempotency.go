package gateway

import (
	"sync"
	"time"
)

const (
	defaultReplayTTL        = 5 * time.Minute
	defaultReplayMaxEntries = 4096
)

// replayCache remembers successful responses by idempotency key and
// coalesces concurrent requests with the same key onto one handler call, so
// a client retrying proposal.confirm while the first attempt is still
// running cannot start a second execution.
type replayCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	max      int
	now      func() time.Time
	entries  map[string]replayEntry
	inflight map[string]*replayCall
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

type replayCall struct {
	done chan struct{}
	resp RPCResponse
}

func newReplayCache(ttl time.Duration, max int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		max:      max,
		now:      time.Now,
		entries:  make(map[string]replayEntry),
		inflight: make(map[string]*replayCall),
	}
}

// do returns the remembered response for key, waits for an in-flight call
// with the same key, or runs fn. Only responses without an error are kept.
func (c *replayCache) do(key string, fn func() RPCResponse) RPCResponse {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Before(e.expires) {
			c.mu.Unlock()
			return e.resp.clone()
		}
		delete(c.entries, key)
	}
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.resp.clone()
	}
	call := &replayCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.resp = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	if call.resp.Error == nil {
		c.store(key, call.resp)
	}
	c.mu.Unlock()
	close(call.done)

	return call.resp
}

// store must be called with mu held.
func (c *replayCache) store(key string, resp RPCResponse) {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.expires.Before(oldestAt) {
				oldest, oldestAt = k, e.expires
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = replayEntry{resp: resp.clone(), expires: now.Add(c.ttl)}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func replayKey(method, tenantID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + "\x00" + tenantID + "\x00" + idempotencyKey
}
