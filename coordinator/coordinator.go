// Package coordinator implements the control-plane coordinator (C6) and
// its REST boundary (C7): workflow lifecycle, admission control, the
// heartbeat consumer, failure recovery on restart, and a dashboard push
// channel.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/store"
	"github.com/imn-project/imn/modules"
)

func marshalJSON(v interface{}) ([]byte, error)       { return json.Marshal(v) }
func unmarshalJSON(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Errors surfaced to REST handlers, matching §7's abstract error kinds.
var (
	ErrValidation  = errors.New("coordinator: validation failed")
	ErrBusy        = errors.New("coordinator: agent has too many outstanding requests")
	ErrTimeout     = errors.New("coordinator: workflow timed out")
	ErrNotFound    = store.ErrNotFound
	ErrCancelled   = errors.New("coordinator: workflow was cancelled")
)

// pendingAwait is the rendezvous slot a dispatched workflow waits on: one
// channel per outstanding request_id, fulfilled exactly once by whichever
// of "success", "error", or the timeout fires first (Design Notes §9
// rendezvous pattern: a keyed map from request_id to a one-shot signal).
type pendingAwait struct {
	resultCh chan awaitOutcome
}

type awaitOutcome struct {
	payload map[string]interface{}
	errMsg  string
	isError bool
}

// Coordinator owns the rendezvous table, the bus subscriptions driving it,
// and the admission gate.
type Coordinator struct {
	cfg    *Config
	dbos   store.API
	bus    bus.Router
	admit  *Admission
	events *EventCache

	mu      sync.Mutex
	pending map[string]*pendingAwait

	agentSubs map[string]bus.Subscription
}

// New wires a Coordinator. dbos may be an embedded *store.Store or an
// rpcserver.Client, depending on DBOS_ADDRESS.
func New(cfg *Config, dbos store.API, router bus.Router) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		dbos:      dbos,
		bus:       router,
		admit:     NewAdmission(cfg.MaxOutstandingPerAgent),
		events:    NewEventCache(dbos, 2*time.Second),
		pending:   make(map[string]*pendingAwait),
		agentSubs: make(map[string]bus.Subscription),
	}
}

// ensureAwaiting subscribes to agentID's out/error subjects once, lazily,
// the first time the coordinator needs to await a reply from it.
func (c *Coordinator) ensureAwaiting(agentID, module string) error {
	key := agentID + "|" + module
	c.mu.Lock()
	if _, ok := c.agentSubs[key+".out"]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	outSub, err := c.bus.Subscribe(bus.ModuleOut(agentID, module), func(ctx context.Context, subject string, payload []byte, headers bus.Headers) {
		c.deliver(payload, false)
	})
	if err != nil {
		return err
	}
	errSub, err := c.bus.Subscribe(bus.ModuleError(agentID, module), func(ctx context.Context, subject string, payload []byte, headers bus.Headers) {
		c.deliver(payload, true)
	})
	if err != nil {
		_ = outSub.Unsubscribe()
		return err
	}

	c.mu.Lock()
	c.agentSubs[key+".out"] = outSub
	c.agentSubs[key+".error"] = errSub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) deliver(payload []byte, isError bool) {
	msg, requestID, ok := decodeCorrelated(payload)
	if !ok {
		return
	}

	c.mu.Lock()
	p, exists := c.pending[requestID]
	c.mu.Unlock()
	if !exists {
		return // no one waiting (already timed out, cancelled, or a stray message)
	}

	outcome := awaitOutcome{payload: msg, isError: isError}
	if isError {
		if e, ok := msg["error"].(string); ok {
			outcome.errMsg = e
		}
	}
	select {
	case p.resultCh <- outcome:
	default:
	}
}

// Submit runs the full synchronous workflow lifecycle from §4.6: validate,
// mint, persist start, dispatch, await, persist completion.
func (c *Coordinator) Submit(ctx context.Context, agentID, module string, payload map[string]interface{}, requestID string) (map[string]interface{}, error) {
	spec, err := modules.Lookup(module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	validated, err := spec.Schema.Validate(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	if existing, err := c.dbos.GetModuleState(ctx, requestID); err == nil {
		if store.Terminal(existing.State) {
			return c.outcomeFromTerminalState(ctx, existing)
		}
		return c.awaitExisting(ctx, agentID, module, requestID)
	}

	if !c.admit.TryAcquire(agentID) {
		workflowsTotal.WithLabelValues(module, "busy").Inc()
		return nil, ErrBusy
	}
	outstandingPerAgent.WithLabelValues(agentID).Set(float64(c.admit.Outstanding(agentID)))
	defer c.admit.Release(agentID)

	ms := &store.ModuleState{RequestID: requestID, AgentID: agentID, Module: module, State: store.StateCreated}
	if err := c.dbos.SetModuleState(ctx, ms); err != nil {
		return nil, err
	}
	ms.State = store.StateStarted
	if err := c.dbos.SetModuleState(ctx, ms); err != nil {
		return nil, err
	}

	if err := c.ensureAwaiting(agentID, module); err != nil {
		return nil, err
	}

	p := &pendingAwait{resultCh: make(chan awaitOutcome, 1)}
	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	dispatchedAt := time.Now()
	validated["id"] = requestID
	if err := c.publish(ctx, agentID, module, validated); err != nil {
		_ = c.dbos.SetModuleState(ctx, &store.ModuleState{RequestID: requestID, AgentID: agentID, Module: module, State: store.StateFailed, Error: err.Error()})
		workflowsTotal.WithLabelValues(module, "failed").Inc()
		workflowDuration.WithLabelValues(module).Observe(time.Since(dispatchedAt).Seconds())
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-p.resultCh:
		return c.finish(ctx, requestID, agentID, module, outcome, dispatchedAt)
	case <-timer.C:
		_ = c.dbos.SetModuleState(ctx, &store.ModuleState{RequestID: requestID, AgentID: agentID, Module: module, State: store.StateFailed, Error: "timeout"})
		workflowsTotal.WithLabelValues(module, "timeout").Inc()
		workflowDuration.WithLabelValues(module).Observe(time.Since(dispatchedAt).Seconds())
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) publish(ctx context.Context, agentID, module string, payload map[string]interface{}) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, bus.ModuleIn(agentID, module), data, nil)
}

func (c *Coordinator) finish(ctx context.Context, requestID, agentID, module string, outcome awaitOutcome, dispatchedAt time.Time) (map[string]interface{}, error) {
	defer func() {
		workflowDuration.WithLabelValues(module).Observe(time.Since(dispatchedAt).Seconds())
	}()

	if outcome.isError {
		err := c.dbos.SetModuleState(ctx, &store.ModuleState{RequestID: requestID, AgentID: agentID, Module: module, State: store.StateError, Error: outcome.errMsg})
		if err != nil {
			log.Printf("coordinator: persist error state for %s: %v", requestID, err)
		}
		workflowsTotal.WithLabelValues(module, "error").Inc()
		c.logWorkflowEvent(ctx, "workflow_error", requestID, agentID, module, outcome.errMsg)
		return nil, fmt.Errorf("coordinator: handler error: %s", outcome.errMsg)
	}

	data, err := marshalJSON(outcome.payload)
	if err != nil {
		return nil, err
	}
	result := &store.MeasurementResult{
		ResultID:   uuid.NewString(),
		AgentID:    agentID,
		RequestID:  requestID,
		Module:     module,
		Payload:    data,
		ReceivedAt: time.Now(),
	}
	if err := c.dbos.StoreResult(ctx, result); err != nil {
		return nil, err
	}
	if err := c.dbos.SetModuleState(ctx, &store.ModuleState{RequestID: requestID, AgentID: agentID, Module: module, State: store.StateCompleted}); err != nil {
		log.Printf("coordinator: persist completed state for %s: %v", requestID, err)
	}
	workflowsTotal.WithLabelValues(module, "completed").Inc()
	c.logWorkflowEvent(ctx, "workflow_completed", requestID, agentID, module, "")
	return outcome.payload, nil
}

// logWorkflowEvent appends a best-effort audit record to the event log
// backing GET /events. A logging failure never fails the workflow itself.
func (c *Coordinator) logWorkflowEvent(ctx context.Context, kind, requestID, agentID, module, errMsg string) {
	entry := &store.EventLogEntry{
		Kind:    kind,
		Message: fmt.Sprintf("%s/%s", agentID, module),
		Metadata: map[string]string{
			"request_id": requestID,
			"agent_id":   agentID,
			"module":     module,
		},
	}
	if errMsg != "" {
		entry.Metadata["error"] = errMsg
	}
	if err := c.dbos.LogEvent(ctx, entry); err != nil {
		log.Printf("coordinator: log event for %s: %v", requestID, err)
		return
	}
	c.events.Invalidate()
}

// awaitExisting re-joins an in-flight workflow's rendezvous slot rather
// than re-dispatching it, matching §4.6 step 2's idempotent-acceptance
// requirement.
func (c *Coordinator) awaitExisting(ctx context.Context, agentID, module, requestID string) (map[string]interface{}, error) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		// No local rendezvous slot (e.g. a different coordinator pod owns
		// it); poll DBOS for the outcome instead of dispatching again.
		return c.pollUntilTerminal(ctx, requestID)
	}

	select {
	case outcome := <-p.resultCh:
		p.resultCh <- outcome // let the original awaiter also observe it
		if outcome.isError {
			return nil, fmt.Errorf("coordinator: handler error: %s", outcome.errMsg)
		}
		return outcome.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) pollUntilTerminal(ctx context.Context, requestID string) (map[string]interface{}, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			ms, err := c.dbos.GetModuleState(ctx, requestID)
			if err != nil {
				continue
			}
			if store.Terminal(ms.State) {
				return c.outcomeFromTerminalState(ctx, ms)
			}
		}
	}
}

func (c *Coordinator) outcomeFromTerminalState(ctx context.Context, ms *store.ModuleState) (map[string]interface{}, error) {
	if ms.State != store.StateCompleted {
		return nil, fmt.Errorf("coordinator: workflow %s ended in state %s: %s", ms.RequestID, ms.State, ms.Error)
	}
	result, err := c.dbos.GetResult(ctx, ms.AgentID, ms.RequestID)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := unmarshalJSON(result.Payload, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SubmitAsync dispatches a workflow without awaiting, returning the
// request_id immediately for §4.6 step 7's async API.
func (c *Coordinator) SubmitAsync(ctx context.Context, agentID, module string, payload map[string]interface{}, requestID string) (string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout+5*time.Second)
		defer cancel()
		if _, err := c.Submit(bgCtx, agentID, module, payload, requestID); err != nil {
			log.Printf("coordinator: async workflow %s failed: %v", requestID, err)
		}
	}()
	return requestID, nil
}

// Cancel forces {started|running} -> failed with a cancelled marker, per
// §4.6's cancellation semantics. It does not stop the agent from working;
// it only makes the coordinator discard any subsequent reply for this id.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	ms, err := c.dbos.GetModuleState(ctx, requestID)
	if err != nil {
		return err
	}
	if store.Terminal(ms.State) {
		return ErrCancelled
	}
	ms.State = store.StateFailed
	ms.Details = map[string]string{"cancelled": "true"}
	if err := c.dbos.SetModuleState(ctx, ms); err != nil {
		return err
	}
	c.logWorkflowEvent(ctx, "workflow_cancelled", requestID, ms.AgentID, ms.Module, "")

	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
	return nil
}

func decodeCorrelated(payload []byte) (map[string]interface{}, string, bool) {
	var msg map[string]interface{}
	if err := unmarshalJSON(payload, &msg); err != nil {
		return nil, "", false
	}
	id, _ := msg["id"].(string)
	if id == "" {
		return nil, "", false
	}
	return msg, id, true
}
