package rpcserver

import (
	"errors"

	"github.com/imn-project/imn/dbos/store"
)

// Error kinds carried on the wire in Envelope.ErrKind, matching §4.3's
// "not-found / invalid-transition / version-conflict / transport" table.
const (
	ErrKindNotFound          = "not-found"
	ErrKindInvalidTransition = "invalid-transition"
	ErrKindVersionConflict   = "version-conflict"
	ErrKindTransport         = "transport"
	ErrKindInternal          = "internal"
)

// classify maps a store error to its wire error kind.
func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrKindInvalidTransition
	case errors.Is(err, store.ErrVersionConflict):
		return ErrKindVersionConflict
	case errors.Is(err, store.ErrTransport):
		return ErrKindTransport
	default:
		return ErrKindInternal
	}
}

// toError maps a wire error kind back into a typed sentinel the caller can
// compare against with errors.Is.
func toError(kind, msg string) error {
	switch kind {
	case ErrKindNotFound:
		return store.ErrNotFound
	case ErrKindInvalidTransition:
		return store.ErrInvalidTransition
	case ErrKindVersionConflict:
		return store.ErrVersionConflict
	case ErrKindTransport:
		return store.ErrTransport
	default:
		return errors.New("rpcserver: " + msg)
	}
}

// Method names, one per §4.3 row.
const (
	MethodRegisterAgent             = "RegisterAgent"
	MethodGetAgent                  = "GetAgent"
	MethodListAgents                = "ListAgents"
	MethodSetModuleState            = "SetModuleState"
	MethodSetModuleStateWithVersion = "SetModuleStateWithVersion"
	MethodGetModuleState            = "GetModuleState"
	MethodListModuleStates          = "ListModuleStates"
	MethodStoreResult               = "StoreResult"
	MethodGetResult                 = "GetResult"
	MethodListResults               = "ListResults"
	MethodDeleteResult              = "DeleteResult"
	MethodScheduleTask              = "ScheduleTask"
	MethodGetTask                   = "GetTask"
	MethodListDueTasks              = "ListDueTasks"
	MethodAckTask                   = "AckTask"
	MethodNackTask                  = "NackTask"
	MethodLogEvent                  = "LogEvent"
	MethodGetEvents                 = "GetEvents"
)

type getAgentParams struct {
	AgentID string `msgpack:"agent_id"`
}

type listAgentsResult struct {
	Agents []*store.Agent `msgpack:"agents"`
}

type setModuleStateWithVersionParams struct {
	State    *store.ModuleState `msgpack:"state"`
	Expected int64               `msgpack:"expected_version"`
}

type getModuleStateParams struct {
	RequestID string `msgpack:"request_id"`
}

type listModuleStatesParams struct {
	AgentID string `msgpack:"agent_id"`
	Module  string `msgpack:"module_name"`
}

type listModuleStatesResult struct {
	States []*store.ModuleState `msgpack:"states"`
}

type getResultParams struct {
	AgentID   string `msgpack:"agent_id"`
	RequestID string `msgpack:"request_id"`
}

type listResultsParams struct {
	AgentID string `msgpack:"agent_id"`
}

type listResultsResult struct {
	Results []*store.MeasurementResult `msgpack:"results"`
}

type deleteResultParams struct {
	AgentID   string `msgpack:"agent_id"`
	RequestID string `msgpack:"request_id"`
}

type getTaskParams struct {
	TaskID string `msgpack:"task_id"`
}

type listDueTasksParams struct {
	NowUnix    int64 `msgpack:"now_unix"`
	VisibilitySeconds int64 `msgpack:"visibility_seconds"`
}

type listDueTasksResult struct {
	Tasks []*store.Task `msgpack:"tasks"`
}

type ackTaskParams struct {
	TaskID string `msgpack:"task_id"`
}

type nackTaskParams struct {
	TaskID          string `msgpack:"task_id"`
	RetryDelaySeconds int64 `msgpack:"retry_delay_seconds"`
}

type logEventParams struct {
	Event *store.EventLogEntry `msgpack:"event"`
}

type getEventsParams struct {
	Limit int `msgpack:"limit"`
}

type getEventsResult struct {
	Events []*store.EventLogEntry `msgpack:"events"`
}

type okResult struct {
	OK bool `msgpack:"ok"`
}

func errUnknownMethod(method string) error {
	return errors.New("rpcserver: unknown method " + method)
}
