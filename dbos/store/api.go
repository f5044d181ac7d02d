package store

import (
	"context"
	"time"
)

// API is the DBOS service surface from §4.3. *Store implements it directly
// for embedded (single-binary) mode; dbos/rpcserver.Client implements it
// for the split-process mode selected by DBOS_ADDRESS.
type API interface {
	RegisterAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	SetModuleState(ctx context.Context, ms *ModuleState) error
	SetModuleStateWithVersion(ctx context.Context, ms *ModuleState, expected int64) error
	GetModuleState(ctx context.Context, requestID string) (*ModuleState, error)
	ListModuleStates(ctx context.Context, agentID, module string) ([]*ModuleState, error)

	StoreResult(ctx context.Context, r *MeasurementResult) error
	GetResult(ctx context.Context, agentID, requestID string) (*MeasurementResult, error)
	ListResults(ctx context.Context, agentID string) ([]*MeasurementResult, error)
	DeleteResult(ctx context.Context, agentID, requestID string) error

	ScheduleTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ClaimDueTasks(ctx context.Context, now time.Time, visibility time.Duration) ([]*Task, error)
	AckTask(ctx context.Context, taskID string) error
	NackTask(ctx context.Context, taskID string, retryDelay time.Duration) error

	LogEvent(ctx context.Context, e *EventLogEntry) error
	GetEvents(ctx context.Context, limit int) ([]*EventLogEntry, error)

	Close() error
}

var _ API = (*Store)(nil)
