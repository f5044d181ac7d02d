package store

import "fmt"

// Key helpers, one place per resource, matching the flat key grammar of
// spec §4.2 (control_plane/store/keys.go uses the same per-resource
// helper shape, there for tenant-scoped keys; we drop the tenant segment
// since spec's data model has no multi-tenancy).
func agentKey(agentID string) string {
	return "agent:" + agentID
}

func moduleStateKey(requestID string) string {
	return "module_state:" + requestID
}

func moduleStateIndexKey(agentID, module string) string {
	return fmt.Sprintf("module_states:%s:%s", agentID, module)
}

func resultKey(agentID, requestID string) string {
	return fmt.Sprintf("result:%s:%s", agentID, requestID)
}

func resultIndexKey(agentID string) string {
	return "results:" + agentID
}

func idempotencyKey(requestID string) string {
	return "processed:" + requestID
}

func taskKey(taskID string) string {
	return "task:" + taskID
}

const (
	tasksPendingKey  = "tasks:pending"
	tasksInFlightKey = "tasks:inflight"
	tasksDeadKey     = "tasks:dead"
	eventsLogKey     = "events:log"
)
