package coordinator

import (
	"sync"
	"time"
)

// cachedResponse is a replayed HTTP response for a duplicate request
// carrying the same Idempotency-Key header. This is REST-boundary
// idempotency (duplicate HTTP retries), kept deliberately distinct from
// DBOS's request_id dedup mark: a client can retry the same HTTP call
// without ever minting a new request_id, and the two caches serve
// different failure modes (network retry vs. workflow replay).
type cachedResponse struct {
	status    int
	body      []byte
	expiresAt time.Time
}

// IdempotencyCache is an in-memory Idempotency-Key -> response cache,
// grounded on the teacher's idempotency.Store shape, simplified to the
// in-memory fallback path since REST-boundary idempotency does not need
// to survive a coordinator restart (the DBOS-level mark already covers
// correctness across restarts).
type IdempotencyCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cachedResponse
}

// NewIdempotencyCache returns a cache that retains entries for ttl.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdempotencyCache{ttl: ttl, entries: make(map[string]cachedResponse)}
}

// Get returns a previously recorded response for key, if still fresh.
func (c *IdempotencyCache) Get(key string) (status int, body []byte, ok bool) {
	if key == "" {
		return 0, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || time.Now().After(e.expiresAt) {
		return 0, nil, false
	}
	return e.status, e.body, true
}

// Put records a response for key.
func (c *IdempotencyCache) Put(key string, status int, body []byte) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedResponse{status: status, body: body, expiresAt: time.Now().Add(c.ttl)}
}
