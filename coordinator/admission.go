package coordinator

import (
	"sync"

	"golang.org/x/time/rate"
)

// Admission implements §5's backpressure policy: an upper bound on
// outstanding awaits per agent, above which new requests are rejected
// with a busy error. Adapted from the teacher's heartbeatLimiter/
// reconcileLimiter pair in api.go, generalized from a single global rate
// limiter to one outstanding-count gate per agent plus a shared burst
// limiter across all agents.
type Admission struct {
	maxPerAgent int
	global      *rate.Limiter

	mu         sync.Mutex
	outstanding map[string]int
}

// NewAdmission caps each agent at maxPerAgent outstanding awaits, and caps
// the system-wide admission rate at 500/s with a burst of 1000 — generous
// headroom so the per-agent cap is normally the binding constraint.
func NewAdmission(maxPerAgent int) *Admission {
	if maxPerAgent <= 0 {
		maxPerAgent = 32
	}
	return &Admission{
		maxPerAgent: maxPerAgent,
		global:      rate.NewLimiter(rate.Limit(500), 1000),
		outstanding: make(map[string]int),
	}
}

// TryAcquire reserves one outstanding slot for agentID. Callers that
// succeed must call Release exactly once.
func (a *Admission) TryAcquire(agentID string) bool {
	if !a.global.Allow() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outstanding[agentID] >= a.maxPerAgent {
		return false
	}
	a.outstanding[agentID]++
	return true
}

// Release frees one outstanding slot for agentID.
func (a *Admission) Release(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outstanding[agentID] > 0 {
		a.outstanding[agentID]--
	}
	if a.outstanding[agentID] == 0 {
		delete(a.outstanding, agentID)
	}
}

// Outstanding reports the current in-flight count for agentID, used by the
// dashboard health summary.
func (a *Admission) Outstanding(agentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding[agentID]
}
