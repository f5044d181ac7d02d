package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/imn-project/imn/agent"
	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/kv"
	"github.com/imn-project/imn/dbos/store"
)

func newTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	router := bus.NewLocalRouter()
	st := store.New(kv.NewMemoryEngine())

	rt := agent.NewRuntime(&agent.Config{AgentID: "a1", Hostname: "h1", ModulesPath: t.TempDir(), HeartbeatInterval: time.Hour}, router, st)
	if err := rt.LoadAll(context.Background()); err != nil {
		t.Fatalf("agent LoadAll: %v", err)
	}

	cfg := &Config{
		MaxOutstandingPerAgent: 4,
		RequestTimeout:         time.Second,
		LivenessWindow:         10 * time.Second,
		IdempotencyTTL:         time.Minute,
	}
	coord := New(cfg, st, router)
	return NewAPI(coord, st, cfg), st
}

func TestAPIHealthEndpoint(t *testing.T) {
	api, st := newTestAPI(t)
	defer st.Close()

	mux := http.NewServeMux()
	api.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var summary HealthSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAPISubmitAndFetchResult(t *testing.T) {
	api, st := newTestAPI(t)
	defer st.Close()

	mux := http.NewServeMux()
	api.Routes(mux)

	body := `{"message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/agent/a1/echo_module", strings.NewReader(body))
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/agents/a1/results/req-1", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching result, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestAPISubmitAsyncReturnsRequestID(t *testing.T) {
	api, st := newTestAPI(t)
	defer st.Close()

	mux := http.NewServeMux()
	api.Routes(mux)

	body := `{"message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/agent/a1/echo_module/async", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["request_id"] == "" {
		t.Fatal("expected a request_id in the async response")
	}
}

func TestAPICancelWorkflow(t *testing.T) {
	api, st := newTestAPI(t)
	defer st.Close()
	ctx := context.Background()

	ms := &store.ModuleState{RequestID: "wf-1", AgentID: "a1", Module: "echo_module", State: store.StateCreated}
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed created: %v", err)
	}
	ms.State = store.StateStarted
	if err := st.SetModuleState(ctx, ms); err != nil {
		t.Fatalf("seed started: %v", err)
	}

	mux := http.NewServeMux()
	api.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-1/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIUnknownAgentReturnsNotFound(t *testing.T) {
	api, st := newTestAPI(t)
	defer st.Close()

	mux := http.NewServeMux()
	api.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/agents/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
