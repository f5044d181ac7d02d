package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/imn-project/imn/dbos/kv"
)

const leaderLockKey = "imn:lock:recovery-sweep-leader"

// LeaderElector gates the periodic recovery sweep to a single coordinator
// replica, adapted from the teacher's Redis-lease-plus-Postgres-epoch
// LeaderElector down to a single kv.Engine lease: IMN has no separate
// durable-epoch store, so there is no fencing token, only mutual exclusion
// on who calls RunRecoverySweep. RecoverOnStartup does not need this — it
// already shards by POD_INDEX/POD_COUNT, which is enough for a one-shot
// boot scan.
type LeaderElector struct {
	engine kv.Engine
	nodeID string
	ttl    time.Duration

	mu       sync.RWMutex
	isLeader bool
}

// NewLeaderElector returns an elector contending for leaderLockKey on
// engine, using a lease of ttl.
func NewLeaderElector(engine kv.Engine, nodeID string, ttl time.Duration) *LeaderElector {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderElector{engine: engine, nodeID: nodeID, ttl: ttl}
}

// IsLeader reports whether this node currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Run contends for leadership every ttl/3 until ctx is cancelled, releasing
// the lease on the way out if held.
func (l *LeaderElector) Run(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *LeaderElector) tick(ctx context.Context) {
	if l.IsLeader() {
		if !l.renew(ctx) {
			l.setLeader(false, "lease lost on renew")
		}
		return
	}
	if l.acquire(ctx) {
		l.setLeader(true, "lease acquired")
	}
}

func (l *LeaderElector) acquire(ctx context.Context) bool {
	ok, err := l.engine.SetNX(ctx, leaderLockKey, []byte(l.nodeID), l.ttl)
	if err != nil {
		log.Printf("coordinator: leader election acquire: %v", err)
		return false
	}
	return ok
}

func (l *LeaderElector) renew(ctx context.Context) bool {
	val, err := l.engine.Get(ctx, leaderLockKey)
	if err != nil || string(val) != l.nodeID {
		return false
	}
	if err := l.engine.Set(ctx, leaderLockKey, []byte(l.nodeID), l.ttl); err != nil {
		log.Printf("coordinator: leader election renew: %v", err)
		return false
	}
	return true
}

func (l *LeaderElector) release() {
	if !l.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if val, err := l.engine.Get(ctx, leaderLockKey); err == nil && string(val) == l.nodeID {
		_ = l.engine.Delete(ctx, leaderLockKey)
	}
	l.setLeader(false, "released on shutdown")
}

func (l *LeaderElector) setLeader(leader bool, reason string) {
	l.mu.Lock()
	changed := l.isLeader != leader
	l.isLeader = leader
	l.mu.Unlock()
	if changed {
		log.Printf("coordinator %s: leadership %v (%s)", l.nodeID, leader, reason)
	}
}
