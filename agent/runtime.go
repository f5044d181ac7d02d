package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/store"
	"github.com/imn-project/imn/modules"
)

// defaultHandlerTimeout bounds how long a module's Handle may run before
// the worker loop gives up and reports a timeout as handler-crash.
const defaultHandlerTimeout = 30 * time.Second

// loadedModule pairs a ModuleSpec with its live subscriptions so reload.go
// can drain and resubscribe it.
type loadedModule struct {
	spec *modules.ModuleSpec
	subs []bus.Subscription
}

// Runtime hosts the agent's loaded modules, heartbeat emitter, and
// optional hot-reload watcher. One worker goroutine per module
// subscription, matching §4.5's per-module worker loop.
type Runtime struct {
	cfg    *Config
	router bus.Router
	dbos   store.API // nil if the agent has no direct DBOS write path

	mu       sync.Mutex
	loaded   map[string]*loadedModule
	firstSeen time.Time
	heartbeats int64
}

// NewRuntime wires router (and, if non-nil, a DBOS client for the
// agent-side "running" and terminal state writes — Open Question (a)) into
// a Runtime.
func NewRuntime(cfg *Config, router bus.Router, dbos store.API) *Runtime {
	return &Runtime{
		cfg:       cfg,
		router:    router,
		dbos:      dbos,
		loaded:    make(map[string]*loadedModule),
		firstSeen: time.Now(),
	}
}

// LoadAll registers every built-in module under modules.Names(), matching
// the fixed compile-time registry (Design Notes §9 option (a)): "scan the
// modules path" becomes "subscribe every known module's subjects", since
// there is no on-disk module file to scan for a statically linked binary.
func (r *Runtime) LoadAll(ctx context.Context) error {
	for _, name := range modules.Names() {
		if err := r.Load(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Load subscribes one module's subjects and runs its Setup hook.
func (r *Runtime) Load(ctx context.Context, name string) error {
	spec, err := modules.Lookup(name)
	if err != nil {
		return err
	}
	if spec.Setup != nil {
		if err := spec.Setup(ctx); err != nil {
			return fmt.Errorf("agent: setup %s: %w", name, err)
		}
	}

	lm := &loadedModule{spec: spec}

	moduleSub, err := r.router.Subscribe(bus.ModuleIn(r.cfg.AgentID, name), r.handlerFor(spec))
	if err != nil {
		return fmt.Errorf("agent: subscribe %s: %w", name, err)
	}
	lm.subs = append(lm.subs, moduleSub)

	r.mu.Lock()
	r.loaded[name] = lm
	r.mu.Unlock()

	log.Printf("agent %s loaded module %s", r.cfg.AgentID, name)
	return nil
}

// handlerFor builds the bus.Handler implementing §4.5's per-message steps
// (a)-(e), with crash isolation around step (c).
func (r *Runtime) handlerFor(spec *modules.ModuleSpec) bus.Handler {
	return func(ctx context.Context, subject string, payload []byte, headers bus.Headers) {
		var msg map[string]interface{}
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("agent: %s: malformed message on %s: %v", spec.Name, subject, err)
			return
		}
		requestID, _ := msg["id"].(string)

		validated, err := spec.Schema.Validate(msg)
		if err != nil {
			r.publishError(ctx, spec.Name, requestID, err, headers)
			// started -> error is not a legal transition, so pass through
			// running first.
			r.setModuleState(ctx, requestID, spec.Name, store.StateRunning, "")
			r.setModuleState(ctx, requestID, spec.Name, store.StateError, err.Error())
			return
		}

		if requestID != "" {
			// "running" is the one transition the coordinator's own
			// workflow steps never make on its own — it only persists
			// created/started before dispatch — so the agent is the sole
			// writer of it.
			r.publishState(ctx, requestID, spec.Name, store.StateRunning, "")
			r.setModuleState(ctx, requestID, spec.Name, store.StateRunning, "")
		}

		result, handlerErr, crashed := r.invoke(ctx, spec, validated, headers)
		switch {
		case crashed != nil:
			r.publishError(ctx, spec.Name, requestID, crashed, headers)
			r.publishState(ctx, requestID, spec.Name, store.StateFailed, crashed.Error())
			r.setModuleState(ctx, requestID, spec.Name, store.StateFailed, crashed.Error())
		case handlerErr != nil:
			r.publishError(ctx, spec.Name, requestID, handlerErr, headers)
			r.publishState(ctx, requestID, spec.Name, store.StateError, handlerErr.Error())
			r.setModuleState(ctx, requestID, spec.Name, store.StateError, handlerErr.Error())
		default:
			if result == nil {
				result = map[string]interface{}{}
			}
			result["id"] = requestID
			r.publish(ctx, bus.ModuleOut(r.cfg.AgentID, spec.Name), result, headers)
			r.publishState(ctx, requestID, spec.Name, store.StateCompleted, "")
			r.setModuleState(ctx, requestID, spec.Name, store.StateCompleted, "")
		}
	}
}

// invoke runs spec.Handle under a bounded-duration guard and recovers a
// panic as a crash rather than letting it take down the agent (§4.5
// "module crash isolation"). A panic carrying a modules.SimulatedCrash is
// the one exception — it's reported back as handlerErr (state -> error)
// instead of crashed (state -> failed), since it's a deliberately induced
// test scenario rather than an unexpected bug.
func (r *Runtime) invoke(ctx context.Context, spec *modules.ModuleSpec, input map[string]interface{}, headers bus.Headers) (result map[string]interface{}, handlerErr, crashed error) {
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, defaultHandlerTimeout)
	defer cancel()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				if sc, ok := p.(modules.SimulatedCrash); ok {
					handlerErr = sc
				} else {
					crashed = fmt.Errorf("%s: panic: %v", spec.Name, p)
				}
			}
			close(done)
		}()
		result, handlerErr = spec.Handle(ctx, input, headers)
	}()

	select {
	case <-done:
		return result, handlerErr, crashed
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%s: handler timed out", spec.Name)
	}
}

func (r *Runtime) publish(ctx context.Context, subject string, payload map[string]interface{}, headers bus.Headers) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("agent: encode payload for %s: %v", subject, err)
		return
	}
	if err := r.router.Publish(ctx, subject, data, headers); err != nil {
		log.Printf("agent: publish to %s: %v", subject, err)
	}
}

func (r *Runtime) publishError(ctx context.Context, module, requestID string, cause error, headers bus.Headers) {
	payload := map[string]interface{}{"id": requestID, "error": cause.Error()}
	r.publish(ctx, bus.ModuleError(r.cfg.AgentID, module), payload, headers)
}

func (r *Runtime) publishState(ctx context.Context, requestID, module, state, errMsg string) {
	payload := map[string]interface{}{
		"agent_id":    r.cfg.AgentID,
		"module_name": module,
		"state":       state,
		"request_id":  requestID,
		"timestamp":   float64(time.Now().Unix()),
	}
	if errMsg != "" {
		payload["error_message"] = errMsg
	}
	r.publish(ctx, bus.SubjectModuleState, payload, nil)
}

// setModuleState additionally writes the transition to DBOS when a direct
// client is wired, per Open Question (a): both the broadcast and the DBOS
// write happen rather than relying solely on the coordinator's heartbeat/
// state consumer to relay it. The coordinator also writes the terminal
// state it observes via the out/error message in its own await path; the
// two writes race, but SetModuleState's transition check makes the loser a
// no-op, so whichever of the two persists first wins and the other is
// logged and ignored.
func (r *Runtime) setModuleState(ctx context.Context, requestID, module, state, errMsg string) {
	if r.dbos == nil || requestID == "" {
		return
	}
	ms := &store.ModuleState{
		AgentID:   r.cfg.AgentID,
		Module:    module,
		RequestID: requestID,
		State:     state,
		Error:     errMsg,
	}
	if err := r.dbos.SetModuleState(ctx, ms); err != nil {
		log.Printf("agent: SetModuleState(%s, %s): %v", requestID, state, err)
	}
}
