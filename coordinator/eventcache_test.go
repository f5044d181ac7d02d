package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/imn-project/imn/dbos/kv"
	"github.com/imn-project/imn/dbos/store"
)

func TestEventCacheServesFromCacheWithinTTL(t *testing.T) {
	st := store.New(kv.NewMemoryEngine())
	defer st.Close()
	ctx := context.Background()

	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "one"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	cache := NewEventCache(st, time.Minute)
	first, err := cache.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first))
	}

	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "two"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	second, err := cache.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected cached read to still report 1 event, got %d", len(second))
	}
}

func TestEventCacheInvalidateForcesReadThrough(t *testing.T) {
	st := store.New(kv.NewMemoryEngine())
	defer st.Close()
	ctx := context.Background()

	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "one"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	cache := NewEventCache(st, time.Minute)
	if _, err := cache.GetEvents(ctx, 10); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}

	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "two"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	cache.Invalidate()

	refreshed, err := cache.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(refreshed) != 2 {
		t.Fatalf("expected 2 events after invalidate, got %d", len(refreshed))
	}
}

func TestEventCacheDisabledWhenTTLZero(t *testing.T) {
	st := store.New(kv.NewMemoryEngine())
	defer st.Close()
	ctx := context.Background()

	cache := NewEventCache(st, 0)
	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "one"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	first, err := cache.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first))
	}

	if err := st.LogEvent(ctx, &store.EventLogEntry{Kind: "test", Message: "two"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	second, err := cache.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected disabled cache to read through immediately, got %d", len(second))
	}
}
