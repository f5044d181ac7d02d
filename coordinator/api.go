package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imn-project/imn/dbos/store"
	"github.com/imn-project/imn/modules"
)

// API is the REST boundary (C7) over a Coordinator. It never touches DBOS or
// the bus directly except through the Coordinator and the store.API handed
// to it at construction — the same split the teacher keeps between its API
// type and the store.Store/Dispatcher/Reconciler it wraps.
type API struct {
	coord *Coordinator
	dbos  store.API
	cfg   *Config

	idempotency *IdempotencyCache
}

// NewAPI wires an API over coord. GET /events is served from coord.events
// rather than a cache of its own, so the Invalidate() the coordinator fires
// after each LogEvent is actually visible to readers.
func NewAPI(coord *Coordinator, dbos store.API, cfg *Config) *API {
	return &API{
		coord:       coord,
		dbos:        dbos,
		cfg:         cfg,
		idempotency: NewIdempotencyCache(cfg.IdempotencyTTL),
	}
}

// responseRecorder buffers a handler's response so it can be replayed for a
// later request carrying the same Idempotency-Key.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a duplicate Idempotency-Key
// header instead of re-running next, for POST handlers that dispatch work.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		if status, body, ok := a.idempotency.Get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		a.idempotency.Put(key, rec.statusCode, rec.body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// Routes registers every §4.7 endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", a.handleHealth)
	mux.HandleFunc("/agents", a.handleListAgents)
	mux.HandleFunc("/agents/alive", a.handleListAliveAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/agent/", a.withIdempotency(a.handleAgentSubmit))
	mux.HandleFunc("/workflows", a.handleListWorkflows)
	mux.HandleFunc("/workflows/", a.handleWorkflowByID)
	mux.HandleFunc("/modules/states/", a.handleModuleStateByID)
	mux.HandleFunc("/events", a.handleEvents)
}

// GET / — health summary, also served on a schedule to the dashboard hub.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	summary, err := a.healthSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// healthSummary computes the cluster-wide snapshot pushed to dashboard
// clients and returned by GET /.
func (a *API) healthSummary(ctx context.Context) (*HealthSummary, error) {
	agents, err := a.dbos.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	alive := 0
	for _, ag := range agents {
		if ag.Alive(now, a.cfg.LivenessWindow) {
			alive++
		}
	}
	agentsAlive.Set(float64(alive))

	// Workflow count: module states are indexed per (agent, module), so
	// sum every known agent's index for every registered module.
	var workflows int64
	for _, ag := range agents {
		for _, module := range modules.Names() {
			states, err := a.dbos.ListModuleStates(ctx, ag.AgentID, module)
			if err != nil {
				continue
			}
			workflows += int64(len(states))
		}
	}
	return &HealthSummary{
		AgentsTotal:    len(agents),
		AgentsAlive:    alive,
		WorkflowsTotal: workflows,
		Timestamp:      now.Unix(),
	}, nil
}

// GET /agents
func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := a.dbos.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// GET /agents/alive
func (a *API) handleListAliveAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := a.dbos.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	alive := make([]*store.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag.Alive(now, a.cfg.LivenessWindow) {
			alive = append(alive, ag)
		}
	}
	writeJSON(w, http.StatusOK, alive)
}

// handleAgentSubmit multiplexes the /agent/{id}/... subtree:
//
//	POST   /agent/{id}/{module}
//	POST   /agent/{id}/{module}/async
//
// (the /agents/{id} and /agents/{id}/results routes are served by
// handleAgentByID), matching the teacher's single strings.Split-based dispatch instead of a
// routing library.
func (a *API) handleAgentSubmit(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	// parts = ["agent", "{id}", "{module}"(, "async")]
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		writeError(w, http.StatusBadRequest, "expected /agent/{id}/{module}")
		return
	}
	agentID, module := parts[1], parts[2]
	async := len(parts) == 4 && parts[3] == "async"

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	requestID := r.Header.Get("X-Request-ID")

	if async {
		id, err := a.coord.SubmitAsync(r.Context(), agentID, module, payload, requestID)
		if err != nil {
			a.writeSubmitError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
		return
	}

	result, err := a.coord.Submit(r.Context(), agentID, module, payload, requestID)
	if err != nil {
		a.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /agents/{id}, /agents/{id}/results, /agents/{id}/results/{rid} (+DELETE)
func (a *API) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "missing agent id")
		return
	}
	agentID := parts[1]

	switch {
	case len(parts) == 2:
		a.getAgent(w, r, agentID)
	case len(parts) == 3 && parts[2] == "results":
		a.listResults(w, r, agentID)
	case len(parts) == 4 && parts[2] == "results":
		a.resultByID(w, r, agentID, parts[3])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) getAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ag, err := a.dbos.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (a *API) listResults(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	results, err := a.dbos.ListResults(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *API) resultByID(w http.ResponseWriter, r *http.Request, agentID, requestID string) {
	switch r.Method {
	case http.MethodGet:
		res, err := a.dbos.GetResult(r.Context(), agentID, requestID)
		if err != nil {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodDelete:
		if err := a.dbos.DeleteResult(r.Context(), agentID, requestID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET /workflows?agent_id=&module=&status= — the module-state index is kept
// per (agent_id, module_name), matching the recovery sweep's own per-module
// scan, so both query parameters are required here rather than offering a
// cluster-wide listing the store has no index for.
func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := r.URL.Query().Get("status")
	agentID := r.URL.Query().Get("agent_id")
	module := r.URL.Query().Get("module")
	if agentID == "" || module == "" {
		writeError(w, http.StatusBadRequest, "agent_id and module query parameters are required")
		return
	}
	states, err := a.dbos.ListModuleStates(r.Context(), agentID, module)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status != "" {
		filtered := states[:0]
		for _, s := range states {
			if s.State == status {
				filtered = append(filtered, s)
			}
		}
		states = filtered
	}
	writeJSON(w, http.StatusOK, states)
}

// GET /workflows/{id}, POST /workflows/{id}/cancel
func (a *API) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	requestID := parts[1]

	if len(parts) == 3 && parts[2] == "cancel" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.coord.Cancel(r.Context(), requestID); err != nil {
			if err == ErrCancelled {
				writeError(w, http.StatusConflict, "workflow already terminal")
				return
			}
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ms, err := a.dbos.GetModuleState(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

// GET /modules/states/{rid} — identical payload to /workflows/{id}, kept as
// its own route since §4.7 lists it as a distinct path.
func (a *API) handleModuleStateByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[2] == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	ms, err := a.dbos.GetModuleState(r.Context(), parts[2])
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

// GET /events?limit=N
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := a.coord.events.GetEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
