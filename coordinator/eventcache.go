package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/imn-project/imn/dbos/store"
)

// EventCache is a short-lived read-through cache in front of dbos/store's
// event log, adapted from the teacher's timeline store: instead of holding
// its own append-only event list, it holds the result of the last GetEvents
// call and serves repeat reads from memory until ttl elapses or Invalidate
// is called. GET /events is read-heavy and the underlying log is append-only,
// so a short TTL avoids hammering the KV engine's LRange on every poll
// without ever serving badly stale data for long.
type EventCache struct {
	dbos store.API
	ttl  time.Duration

	mu        sync.Mutex
	limit     int
	fetchedAt time.Time
	entries   []*store.EventLogEntry
}

// NewEventCache returns a cache with the given TTL. ttl <= 0 disables
// caching (every call passes through to dbos).
func NewEventCache(dbos store.API, ttl time.Duration) *EventCache {
	return &EventCache{dbos: dbos, ttl: ttl}
}

// GetEvents returns up to limit entries, newest first, served from cache
// when fresh and requested under the same limit as the cached fetch.
func (c *EventCache) GetEvents(ctx context.Context, limit int) ([]*store.EventLogEntry, error) {
	if c.ttl <= 0 {
		return c.dbos.GetEvents(ctx, limit)
	}

	c.mu.Lock()
	if c.entries != nil && limit == c.limit && time.Since(c.fetchedAt) < c.ttl {
		entries := c.entries
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	entries, err := c.dbos.GetEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries = entries
	c.limit = limit
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return entries, nil
}

// Invalidate drops the cached page, forcing the next GetEvents to read
// through. The coordinator calls this after every LogEvent so a new entry
// is visible on the next /events poll rather than waiting out the TTL.
func (c *EventCache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
