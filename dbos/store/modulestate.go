package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imn-project/imn/dbos/kv"
)

const maxOptimisticRetries = 5

func (s *Store) readModuleState(ctx context.Context, requestID string) (*ModuleState, int64, error) {
	data, version, err := s.engine.GetVersioned(ctx, moduleStateKey(requestID))
	if err != nil {
		return nil, 0, err
	}
	var ms ModuleState
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, 0, fmt.Errorf("store: unmarshal module state: %w", err)
	}
	return &ms, version, nil
}

// SetModuleState implements §4.2's module-state write: validate the
// transition against the current record (if any), bump the version, and
// write the primary record by CAS, then upsert the secondary timestamp
// index; the two writes are separate engine calls, in that order.
// Concurrent writers race on the underlying CAS; on a lost race we re-read
// and re-validate rather than surfacing a spurious conflict, since the
// caller did not pin an expected version.
func (s *Store) SetModuleState(ctx context.Context, ms *ModuleState) error {
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		current, curVersion, err := s.readModuleState(ctx, ms.RequestID)
		fromState := ""
		if err == nil {
			fromState = current.State
		} else if err != kv.ErrNotFound {
			return err
		}

		if !LegalTransition(fromState, ms.State) {
			return ErrInvalidTransition
		}

		next := *ms
		next.Version = curVersion + 1
		if ms.Timestamp.IsZero() {
			next.Timestamp = time.Now()
		}

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("store: marshal module state: %w", err)
		}

		err = s.engine.CompareAndSet(ctx, moduleStateKey(ms.RequestID), curVersion, next.Version, data)
		if err == kv.ErrVersionConflict {
			continue // lost the race; re-read and re-validate
		}
		if err != nil {
			return err
		}

		*ms = next
		return s.engine.ZAdd(ctx, moduleStateIndexKey(ms.AgentID, ms.Module), ms.RequestID, float64(next.Timestamp.Unix()))
	}
	return fmt.Errorf("store: gave up after %d optimistic retries", maxOptimisticRetries)
}

// SetModuleStateWithVersion additionally requires the stored version to
// equal expected; on mismatch it fails with ErrVersionConflict and no
// writes occur. Used by coordinators doing optimistic concurrency across
// replicas (spec §4.2).
func (s *Store) SetModuleStateWithVersion(ctx context.Context, ms *ModuleState, expected int64) error {
	current, curVersion, err := s.readModuleState(ctx, ms.RequestID)
	fromState := ""
	if err == nil {
		fromState = current.State
	} else if err != kv.ErrNotFound {
		return err
	}

	if curVersion != expected {
		return ErrVersionConflict
	}
	if !LegalTransition(fromState, ms.State) {
		return ErrInvalidTransition
	}

	next := *ms
	next.Version = curVersion + 1
	if ms.Timestamp.IsZero() {
		next.Timestamp = time.Now()
	}

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("store: marshal module state: %w", err)
	}

	if err := s.engine.CompareAndSet(ctx, moduleStateKey(ms.RequestID), curVersion, next.Version, data); err != nil {
		if err == kv.ErrVersionConflict {
			return ErrVersionConflict
		}
		return err
	}

	*ms = next
	return s.engine.ZAdd(ctx, moduleStateIndexKey(ms.AgentID, ms.Module), ms.RequestID, float64(next.Timestamp.Unix()))
}

// GetModuleState returns the current state for a request id.
func (s *Store) GetModuleState(ctx context.Context, requestID string) (*ModuleState, error) {
	ms, _, err := s.readModuleState(ctx, requestID)
	return ms, err
}

// ListModuleStates returns the states recorded for (agentID, module),
// oldest first, via the secondary timestamp index.
func (s *Store) ListModuleStates(ctx context.Context, agentID, module string) ([]*ModuleState, error) {
	members, err := s.engine.ZRangeByScore(ctx, moduleStateIndexKey(agentID, module), 0, float64(1<<62))
	if err != nil {
		return nil, err
	}
	out := make([]*ModuleState, 0, len(members))
	for _, m := range members {
		ms, err := s.GetModuleState(ctx, m.Member)
		if err != nil {
			continue
		}
		out = append(out, ms)
	}
	return out, nil
}
