// Package bus implements the pub/sub subject router (C4): a fixed subject
// grammar over a pluggable transport, with publish, subscribe, and
// unsubscribe, guaranteeing single-threaded delivery per subscription.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish/Subscribe after the router has been
// closed.
var ErrClosed = errors.New("bus: router closed")

// Headers carries trace context alongside a message payload.
type Headers map[string]string

// Handler is invoked once per message on a subscription, single-threaded:
// the router never calls Handler again for the same subscription until the
// previous call returns.
type Handler func(ctx context.Context, subject string, payload []byte, headers Headers)

// Subscription can be cancelled by the subscriber.
type Subscription interface {
	Unsubscribe() error
}

// Router is the capability surface every bus transport implements. Both
// the NATS-backed router and the in-memory LocalRouter satisfy it, so
// agent/coordinator code never depends on a specific transport.
type Router interface {
	Publish(ctx context.Context, subject string, payload []byte, headers Headers) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// Fixed subject grammar, §4.4.
const (
	SubjectHeartbeatModule = "agent.heartbeat_module"
	SubjectModuleState     = "agent.module.state"
)

// AgentIn is the command subject for one agent.
func AgentIn(agentID string) string { return "agent." + agentID + ".in" }

// AgentOut is the success-result subject for one agent.
func AgentOut(agentID string) string { return "agent." + agentID + ".out" }

// AgentError is the error-result subject for one agent.
func AgentError(agentID string) string { return "agent." + agentID + ".error" }

// ModuleIn is the per-module input subject variant.
func ModuleIn(agentID, module string) string { return "agent." + agentID + "." + module + ".in" }

// ModuleOut is the per-module output subject variant.
func ModuleOut(agentID, module string) string { return "agent." + agentID + "." + module + ".out" }

// ModuleError is the per-module error subject variant.
func ModuleError(agentID, module string) string { return "agent." + agentID + "." + module + ".error" }

// LegacyHeartbeat is the legacy per-agent heartbeat subject, still accepted
// on consume per Open Question (d) but never published by this codebase.
func LegacyHeartbeat(agentID string) string { return "heartbeat." + agentID }
