package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/imn-project/imn/dbos/kv"
)

func TestLeaderElectorAcquiresWhenLockFree(t *testing.T) {
	engine := kv.NewMemoryEngine()
	defer engine.Close()
	ctx := context.Background()

	l := NewLeaderElector(engine, "node-a", 5*time.Second)
	l.tick(ctx)

	if !l.IsLeader() {
		t.Fatal("expected node-a to acquire leadership on an empty lock")
	}
}

func TestLeaderElectorMutualExclusion(t *testing.T) {
	engine := kv.NewMemoryEngine()
	defer engine.Close()
	ctx := context.Background()

	a := NewLeaderElector(engine, "node-a", 5*time.Second)
	b := NewLeaderElector(engine, "node-b", 5*time.Second)

	a.tick(ctx)
	b.tick(ctx)

	if !a.IsLeader() {
		t.Fatal("expected node-a to hold the lease")
	}
	if b.IsLeader() {
		t.Fatal("node-b should not acquire the lease while node-a holds it")
	}
}

func TestLeaderElectorRenewKeepsLease(t *testing.T) {
	engine := kv.NewMemoryEngine()
	defer engine.Close()
	ctx := context.Background()

	a := NewLeaderElector(engine, "node-a", 5*time.Second)
	a.tick(ctx)
	if !a.IsLeader() {
		t.Fatal("expected node-a to acquire leadership")
	}

	a.tick(ctx)
	if !a.IsLeader() {
		t.Fatal("expected node-a to retain leadership after renew")
	}

	b := NewLeaderElector(engine, "node-b", 5*time.Second)
	b.tick(ctx)
	if b.IsLeader() {
		t.Fatal("node-b should not acquire the lease node-a just renewed")
	}
}

func TestLeaderElectorReleaseAllowsTakeover(t *testing.T) {
	engine := kv.NewMemoryEngine()
	defer engine.Close()
	ctx := context.Background()

	a := NewLeaderElector(engine, "node-a", 5*time.Second)
	a.tick(ctx)
	if !a.IsLeader() {
		t.Fatal("expected node-a to acquire leadership")
	}

	a.release()
	if a.IsLeader() {
		t.Fatal("node-a should no longer consider itself leader after release")
	}

	b := NewLeaderElector(engine, "node-b", 5*time.Second)
	b.tick(ctx)
	if !b.IsLeader() {
		t.Fatal("expected node-b to acquire the lease after node-a released it")
	}
}

func TestLeaderElectorReleaseNoopWhenNotLeader(t *testing.T) {
	engine := kv.NewMemoryEngine()
	defer engine.Close()

	l := NewLeaderElector(engine, "node-a", 5*time.Second)
	l.release()
	if l.IsLeader() {
		t.Fatal("release on a non-leader should not flip leadership state")
	}
}
