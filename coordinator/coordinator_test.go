package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/imn-project/imn/agent"
	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/kv"
	"github.com/imn-project/imn/dbos/store"
)

// newTestHarness wires a coordinator and a real agent runtime on a shared
// in-memory bus and store, so Submit exercises the full round trip rather
// than a mocked agent.
func newTestHarness(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	router := bus.NewLocalRouter()
	st := store.New(kv.NewMemoryEngine())

	agentCfg := &agent.Config{AgentID: "a1", Hostname: "h1", ModulesPath: t.TempDir(), HeartbeatInterval: time.Hour}
	rt := agent.NewRuntime(agentCfg, router, st)
	if err := rt.LoadAll(context.Background()); err != nil {
		t.Fatalf("agent LoadAll: %v", err)
	}

	cfg := &Config{
		MaxOutstandingPerAgent: 4,
		RequestTimeout:         time.Second,
		LivenessWindow:         10 * time.Second,
		RecoveryWindow:         time.Minute,
		IdempotencyTTL:         time.Minute,
	}
	coord := New(cfg, st, router)
	return coord, st
}

func TestSubmitEchoRoundTrip(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()

	result, err := coord.Submit(context.Background(), "a1", "echo_module", map[string]interface{}{"message": "hello"}, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result["message"] != "hello" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitIdempotentResubmission(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()
	ctx := context.Background()

	first, err := coord.Submit(ctx, "a1", "echo_module", map[string]interface{}{"message": "once"}, "fixed-id")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	second, err := coord.Submit(ctx, "a1", "echo_module", map[string]interface{}{"message": "once"}, "fixed-id")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first["message"] != second["message"] {
		t.Fatalf("expected idempotent replay, got %+v vs %+v", first, second)
	}

	ms, err := st.GetModuleState(ctx, "fixed-id")
	if err != nil {
		t.Fatalf("GetModuleState: %v", err)
	}
	if ms.State != store.StateCompleted {
		t.Fatalf("expected completed state, got %s", ms.State)
	}
}

func TestSubmitValidationError(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()

	_, err := coord.Submit(context.Background(), "a1", "echo_module", map[string]interface{}{}, "")
	if err == nil {
		t.Fatal("expected a validation error for a missing required field")
	}
}

func TestSubmitUnknownModule(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()

	_, err := coord.Submit(context.Background(), "a1", "not_a_real_module", map[string]interface{}{}, "")
	if err == nil {
		t.Fatal("expected an error for an unregistered module")
	}
}

func TestSubmitRejectedWhenAgentAtAdmissionCap(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()

	for i := 0; i < coord.cfg.MaxOutstandingPerAgent; i++ {
		if !coord.admit.TryAcquire("a1") {
			t.Fatalf("expected slot %d to be available", i)
		}
	}
	defer func() {
		for i := 0; i < coord.cfg.MaxOutstandingPerAgent; i++ {
			coord.admit.Release("a1")
		}
	}()

	_, err := coord.Submit(context.Background(), "a1", "echo_module", map[string]interface{}{"message": "x"}, "")
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestSubmitFaultyCrashSurfacesAsError(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()
	ctx := context.Background()

	_, err := coord.Submit(ctx, "a1", "faulty_module", map[string]interface{}{"message": "x", "crash": true}, "crash-1")
	if err == nil {
		t.Fatal("expected an error from the crashing module")
	}

	ms, err := st.GetModuleState(ctx, "crash-1")
	if err != nil {
		t.Fatalf("GetModuleState: %v", err)
	}
	if ms.State != store.StateError {
		t.Fatalf("expected error state, got %s", ms.State)
	}
}

func TestCancelTerminalWorkflowFails(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()
	ctx := context.Background()

	if _, err := coord.Submit(ctx, "a1", "echo_module", map[string]interface{}{"message": "x"}, "done-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := coord.Cancel(ctx, "done-1"); err != ErrCancelled {
		t.Fatalf("expected ErrCancelled for an already-terminal workflow, got %v", err)
	}
}

func TestCancelInFlightWorkflowMarksFailed(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()
	ctx := context.Background()

	ms := &store.ModuleState{RequestID: "stuck-1", AgentID: "a1", Module: "echo_module", State: store.StateCreated}
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed created state: %v", err)
	}
	ms.State = store.StateStarted
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed started state: %v", err)
	}

	if err := coord.Cancel(ctx, "stuck-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := st.GetModuleState(ctx, "stuck-1")
	if err != nil {
		t.Fatalf("GetModuleState: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("expected failed state after cancel, got %s", got.State)
	}
}

func TestRecoverOnStartupMarksStaleWorkflowsFailed(t *testing.T) {
	coord, st := newTestHarness(t)
	defer st.Close()
	ctx := context.Background()

	if err := st.RegisterAgent(ctx, &store.Agent{AgentID: "a1", LastSeen: time.Now()}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	ms := &store.ModuleState{RequestID: "stale-1", AgentID: "a1", Module: "echo_module", State: store.StateCreated, Timestamp: time.Now().Add(-time.Hour)}
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed created: %v", err)
	}
	ms.State = store.StateStarted
	ms.Timestamp = time.Now().Add(-time.Hour)
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed started: %v", err)
	}

	coord.cfg.RecoveryWindow = time.Second
	if err := coord.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	got, err := st.GetModuleState(ctx, "stale-1")
	if err != nil {
		t.Fatalf("GetModuleState: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("expected stale workflow recovered to failed, got %s", got.State)
	}
}
