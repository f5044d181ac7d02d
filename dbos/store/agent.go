package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterAgent overwrites the agent record unconditionally — last-writer-
// wins on heartbeat, matching spec §4.2's Agent store.
func (s *Store) RegisterAgent(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshal agent: %w", err)
	}
	return s.engine.Set(ctx, agentKey(a.AgentID), data, 0)
}

// GetAgent returns the agent record or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	data, err := s.engine.Get(ctx, agentKey(agentID))
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: unmarshal agent: %w", err)
	}
	return &a, nil
}

// ListAgents scans the agent:* prefix.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	keys, err := s.engine.ScanPrefix(ctx, "agent:")
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(keys))
	for _, k := range keys {
		data, err := s.engine.Get(ctx, k)
		if err != nil {
			continue // vanished between scan and get; skip rather than fail the whole list
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}
