// Package kv implements the thin capability layer described as the KV
// engine adapter: get/set with optional TTL, existence, delete, sorted
// sets, append-only lists, compare-and-set, and prefix scan. Every
// operation takes a context and returns one of the typed errors below.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no record.
var ErrNotFound = errors.New("kv: not found")

// ErrVersionConflict is returned by CompareAndSet when the stored version
// does not match the expected version.
var ErrVersionConflict = errors.New("kv: version conflict")

// ErrTransport is returned when the backing engine could not be reached.
var ErrTransport = errors.New("kv: transport error")

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Engine is the capability surface every DBOS store is built on. Memory,
// Bolt, and Redis each implement it so dbos/store never depends on a
// specific backend.
type Engine interface {
	// Get returns the raw value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. ttl == 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value at key only if it does not already exist.
	// Returns true if the value was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Exists reports whether key is present (and unexpired).
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ZAdd upserts member with score in the sorted set named key.
	ZAdd(ctx context.Context, key string, member string, score float64) error
	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	// ZRem removes member from the sorted set named key.
	ZRem(ctx context.Context, key string, member string) error

	// LPush prepends value to the list named key (newest-first iteration).
	LPush(ctx context.Context, key string, value []byte) error
	// LRange returns up to limit entries starting at offset 0, newest first.
	// limit <= 0 means no limit.
	LRange(ctx context.Context, key string, limit int) ([][]byte, error)

	// CompareAndSet writes value at key only if the record's current
	// version equals expectedVersion (0 meaning "key must not exist").
	// On success the record's stored version becomes newVersion.
	CompareAndSet(ctx context.Context, key string, expectedVersion, newVersion int64, value []byte) error
	// GetVersioned returns the value and its stored version.
	GetVersioned(ctx context.Context, key string) ([]byte, int64, error)

	// ScanPrefix returns all keys beginning with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the engine.
	Close() error
}
