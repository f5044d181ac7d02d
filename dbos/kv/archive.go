package kv

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ArchiveWriter mirrors a key/value write somewhere durable outside the
// primary engine. It is best-effort: a failing archive write is logged,
// never surfaced to the caller of the primary write.
type ArchiveWriter interface {
	WriteThrough(ctx context.Context, key string, value []byte, version int64)
	Close()
}

// PGArchiveWriter is the optional Postgres archival sink described for
// ARCHIVE_DSN: every Set/CompareAndSet on an ArchivingEngine also upserts a
// row here. It is not a cold-storage tier — there is no retention policy or
// compaction, just a synchronous mirror of whatever is currently live in
// the primary kv.Engine.
type PGArchiveWriter struct {
	pool *pgxpool.Pool
}

// NewPGArchiveWriter connects to dsn and ensures the archive table exists.
func NewPGArchiveWriter(ctx context.Context, dsn string) (*PGArchiveWriter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS kv_archive (
			record_key   TEXT PRIMARY KEY,
			value        BYTEA NOT NULL,
			version      BIGINT NOT NULL,
			archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, err
	}

	return &PGArchiveWriter{pool: pool}, nil
}

// WriteThrough upserts key's current value and version into the archive
// table. Errors are logged, not returned, matching the "best-effort mirror"
// contract ArchivingEngine relies on.
func (w *PGArchiveWriter) WriteThrough(ctx context.Context, key string, value []byte, version int64) {
	const upsert = `
		INSERT INTO kv_archive (record_key, value, version, archived_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (record_key) DO UPDATE SET
			value = EXCLUDED.value,
			version = EXCLUDED.version,
			archived_at = now()
		WHERE kv_archive.version < EXCLUDED.version
	`
	if _, err := w.pool.Exec(ctx, upsert, key, value, version); err != nil {
		log.Printf("kv: archive write-through for %s: %v", key, err)
	}
}

// Close releases the connection pool.
func (w *PGArchiveWriter) Close() {
	w.pool.Close()
}

// ArchivingEngine wraps an Engine and mirrors Set and CompareAndSet to an
// ArchiveWriter after the primary write succeeds; SetNX, Delete, list and
// sorted-set writes go to the wrapped Engine only. Reads are always served
// from the wrapped Engine; the archive is never consulted on the read path.
type ArchivingEngine struct {
	Engine
	archive ArchiveWriter
}

// NewArchivingEngine wraps inner so every Set/CompareAndSet also mirrors to
// archive.
func NewArchivingEngine(inner Engine, archive ArchiveWriter) *ArchivingEngine {
	return &ArchivingEngine{Engine: inner, archive: archive}
}

func (e *ArchivingEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := e.Engine.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_, version, err := e.Engine.GetVersioned(ctx, key)
	if err != nil {
		version = 0
	}
	e.archive.WriteThrough(ctx, key, value, version)
	return nil
}

func (e *ArchivingEngine) CompareAndSet(ctx context.Context, key string, expectedVersion, newVersion int64, value []byte) error {
	if err := e.Engine.CompareAndSet(ctx, key, expectedVersion, newVersion, value); err != nil {
		return err
	}
	e.archive.WriteThrough(ctx, key, value, newVersion)
	return nil
}

// Close releases both the wrapped engine and the archive writer.
func (e *ArchivingEngine) Close() error {
	e.archive.Close()
	return e.Engine.Close()
}
