package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltEngine pairs a MemoryEngine (the in-memory primary, answering every
// read) with a bbolt file (the on-disk durable mirror): every mutating
// call is written to bolt before it returns, and on Open the bolt file is
// replayed back into memory. This gives the "in-memory-primary /
// on-disk-durable" shape without a second read path.
type BoltEngine struct {
	mem *MemoryEngine
	db  *bolt.DB
}

// OpenBoltEngine opens (creating if needed) the bbolt file at path and
// replays its contents into a fresh MemoryEngine.
func OpenBoltEngine(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: failed to create bucket: %w", err)
	}

	mem := NewMemoryEngine()
	if err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		return b.ForEach(func(k, v []byte) error {
			version, value := splitVersioned(v)
			mem.records[string(k)] = &record{value: value, version: version}
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: failed to replay bolt db: %w", err)
	}

	return &BoltEngine{mem: mem, db: db}, nil
}

func joinVersioned(version int64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out, uint64(version))
	copy(out[8:], value)
	return out
}

func splitVersioned(data []byte) (int64, []byte) {
	if len(data) < 8 {
		return 0, nil
	}
	version := int64(binary.BigEndian.Uint64(data[:8]))
	value := make([]byte, len(data)-8)
	copy(value, data[8:])
	return version, value
}

func (b *BoltEngine) persist(key string) error {
	val, version, err := b.mem.GetVersioned(context.Background(), key)
	if err != nil {
		return nil // key was deleted; persistDelete handles that path
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), joinVersioned(version, val))
	})
}

func (b *BoltEngine) persistDelete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

func (b *BoltEngine) Get(ctx context.Context, key string) ([]byte, error) {
	return b.mem.Get(ctx, key)
}

func (b *BoltEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.mem.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return b.persist(key)
}

func (b *BoltEngine) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	set, err := b.mem.SetNX(ctx, key, value, ttl)
	if err != nil || !set {
		return set, err
	}
	return true, b.persist(key)
}

func (b *BoltEngine) Exists(ctx context.Context, key string) (bool, error) {
	return b.mem.Exists(ctx, key)
}

func (b *BoltEngine) Delete(ctx context.Context, key string) error {
	if err := b.mem.Delete(ctx, key); err != nil {
		return err
	}
	return b.persistDelete(key)
}

// ZAdd/ZRangeByScore/ZRem stay memory-only: the task queue and secondary
// indexes they back are rebuilt from primary records (task:<id>,
// result:<agent>:<request_id>, ...) by a full rescan on startup, so their
// durability rides on the records they index rather than needing their
// own bolt mirror.
func (b *BoltEngine) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return b.mem.ZAdd(ctx, key, member, score)
}

func (b *BoltEngine) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	return b.mem.ZRangeByScore(ctx, key, min, max)
}

func (b *BoltEngine) ZRem(ctx context.Context, key string, member string) error {
	return b.mem.ZRem(ctx, key, member)
}

func (b *BoltEngine) LPush(ctx context.Context, key string, value []byte) error {
	if err := b.mem.LPush(ctx, key, value); err != nil {
		return err
	}
	return b.persist(key)
}

func (b *BoltEngine) LRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	return b.mem.LRange(ctx, key, limit)
}

func (b *BoltEngine) CompareAndSet(ctx context.Context, key string, expectedVersion, newVersion int64, value []byte) error {
	if err := b.mem.CompareAndSet(ctx, key, expectedVersion, newVersion, value); err != nil {
		return err
	}
	return b.persist(key)
}

func (b *BoltEngine) GetVersioned(ctx context.Context, key string) ([]byte, int64, error) {
	return b.mem.GetVersioned(ctx, key)
}

func (b *BoltEngine) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return b.mem.ScanPrefix(ctx, prefix)
}

func (b *BoltEngine) Close() error {
	return b.db.Close()
}
