package store

import (
	"context"
	"testing"
	"time"

	"github.com/imn-project/imn/dbos/kv"
)

func newTestStore() *Store {
	return New(kv.NewMemoryEngine())
}

func TestAgentLivenessDerivedAtRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	now := time.Now()
	a := &Agent{AgentID: "a1", Hostname: "h1", FirstSeen: now, LastSeen: now}
	if err := s.RegisterAgent(ctx, a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !got.Alive(now, 30*time.Second) {
		t.Fatalf("expected alive immediately after heartbeat")
	}
	if got.Alive(now.Add(time.Minute), 30*time.Second) {
		t.Fatalf("expected dead after the liveness window elapses")
	}
}

func TestModuleStateLegalTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	ms := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateCreated}
	if err := s.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("created: %v", err)
	}
	if ms.Version != 1 {
		t.Fatalf("expected version 1, got %d", ms.Version)
	}

	ms2 := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateStarted}
	if err := s.SetModuleState(ctx, ms2); err != nil {
		t.Fatalf("started: %v", err)
	}

	// created -> running is illegal; must go through started.
	bad := &ModuleState{RequestID: "r2", AgentID: "a1", Module: "ping", State: StateCreated}
	if err := s.SetModuleState(ctx, bad); err != nil {
		t.Fatalf("created for r2: %v", err)
	}
	badJump := &ModuleState{RequestID: "r2", AgentID: "a1", Module: "ping", State: StateRunning}
	if err := s.SetModuleState(ctx, badJump); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestModuleStateTerminalIsSink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for _, st := range []string{StateCreated, StateStarted, StateRunning, StateCompleted} {
		ms := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: st}
		if err := s.SetModuleState(ctx, ms); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	after := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateFailed}
	if err := s.SetModuleState(ctx, after); err != ErrInvalidTransition {
		t.Fatalf("expected terminal state to reject further transitions, got %v", err)
	}
}

func TestSetModuleStateWithVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	ms := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateCreated}
	if err := s.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("created: %v", err)
	}

	stale := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateStarted}
	if err := s.SetModuleStateWithVersion(ctx, stale, 99); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	ok := &ModuleState{RequestID: "r1", AgentID: "a1", Module: "ping", State: StateStarted}
	if err := s.SetModuleStateWithVersion(ctx, ok, ms.Version); err != nil {
		t.Fatalf("expected success with correct expected version, got %v", err)
	}
}

func TestStoreResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r := &MeasurementResult{
		ResultID:   "res1",
		AgentID:    "a1",
		RequestID:  "r1",
		Module:     "ping",
		Payload:    []byte("payload-v1"),
		ReceivedAt: time.Now(),
	}
	if err := s.StoreResult(ctx, r); err != nil {
		t.Fatalf("first store: %v", err)
	}

	// Replay with a different payload under the same request id must not
	// change the stored record: the idempotency mark makes it a no-op.
	dup := *r
	dup.Payload = []byte("payload-v2")
	if err := s.StoreResult(ctx, &dup); err != nil {
		t.Fatalf("replayed store: %v", err)
	}

	got, err := s.GetResult(ctx, "a1", "r1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if string(got.Payload) != "payload-v1" {
		t.Fatalf("expected idempotency mark to block the replay, got payload %q", got.Payload)
	}

	list, err := s.ListResults(ctx, "a1")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one indexed result, got %d", len(list))
	}
}

func TestTaskQueueClaimAckNack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	now := time.Now()
	task := &Task{TaskID: "t1", AgentID: "a1", Module: "ping", ScheduledAt: now.Add(-time.Second), CreatedAt: now}
	if err := s.ScheduleTask(ctx, task); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	claimed, err := s.ClaimDueTasks(ctx, now, 10*time.Second)
	if err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TaskID != "t1" {
		t.Fatalf("expected to claim t1, got %+v", claimed)
	}
	if claimed[0].Status != TaskInFlight {
		t.Fatalf("expected status in-flight, got %s", claimed[0].Status)
	}

	// Not due again immediately.
	if more, err := s.ClaimDueTasks(ctx, now, 10*time.Second); err != nil || len(more) != 0 {
		t.Fatalf("expected no re-claim while in flight, got %+v err=%v", more, err)
	}

	if err := s.AckTask(ctx, "t1"); err != nil {
		t.Fatalf("AckTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); err != kv.ErrNotFound {
		t.Fatalf("expected task deleted after ack, got %v", err)
	}
}

func TestTaskNackDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	now := time.Now()
	task := &Task{TaskID: "t1", AgentID: "a1", Module: "ping", ScheduledAt: now.Add(-time.Second), CreatedAt: now}
	if err := s.ScheduleTask(ctx, task); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	for i := 0; i <= DefaultMaxRetries; i++ {
		if _, err := s.ClaimDueTasks(ctx, now, time.Millisecond); err != nil {
			t.Fatalf("claim round %d: %v", i, err)
		}
		if err := s.NackTask(ctx, "t1", 0); err != nil {
			t.Fatalf("nack round %d: %v", i, err)
		}
		now = now.Add(time.Millisecond)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskFailed {
		t.Fatalf("expected task dead-lettered as failed, got %s", got.Status)
	}
}

func TestRequeueExpiredTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	now := time.Now()
	task := &Task{TaskID: "t1", AgentID: "a1", Module: "ping", ScheduledAt: now.Add(-time.Second), CreatedAt: now}
	if err := s.ScheduleTask(ctx, task); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if _, err := s.ClaimDueTasks(ctx, now, time.Millisecond); err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}

	later := now.Add(time.Second)
	n, err := s.RequeueExpiredTasks(ctx, later)
	if err != nil {
		t.Fatalf("RequeueExpiredTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued task, got %d", n)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskPending {
		t.Fatalf("expected requeued task pending again, got %s", got.Status)
	}
}

func TestEventLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for _, msg := range []string{"first", "second", "third"} {
		if err := s.LogEvent(ctx, &EventLogEntry{Kind: "test", Message: msg}); err != nil {
			t.Fatalf("LogEvent(%s): %v", msg, err)
		}
	}

	events, err := s.GetEvents(ctx, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Message != "third" {
		t.Fatalf("expected newest first, got %s", events[0].Message)
	}
}
