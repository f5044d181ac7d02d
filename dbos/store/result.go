package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imn-project/imn/dbos/kv"
)

const idempotencyTTL = 24 * time.Hour

// StoreResult implements §4.2's crash-safe write order: check the
// idempotency mark first (content-insensitive no-op on replay), write the
// primary record, add the secondary index, set the mark. Steps 2-4 are
// tolerant of a crash between them because step 1's guard makes replaying
// step 2 with the same value a no-op (P2/P5).
func (s *Store) StoreResult(ctx context.Context, r *MeasurementResult) error {
	mark := idempotencyKey(r.RequestID)
	if exists, err := s.engine.Exists(ctx, mark); err != nil {
		return err
	} else if exists {
		return nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}

	key := resultKey(r.AgentID, r.RequestID)
	if existing, err := s.engine.Get(ctx, key); err == nil {
		if !bytes.Equal(existing, data) {
			// Identical request_id but different payload: last-write observed,
			// but this should only happen on a genuine duplicate publish, never
			// on a differing result (I1/I3 guarantee one workflow per request_id).
			_ = s.engine.Set(ctx, key, data, 0)
		}
	} else if err == kv.ErrNotFound {
		if err := s.engine.Set(ctx, key, data, 0); err != nil {
			return err
		}
	} else {
		return err
	}

	if err := s.engine.ZAdd(ctx, resultIndexKey(r.AgentID), r.RequestID, float64(r.ReceivedAt.Unix())); err != nil {
		return err
	}

	return s.engine.Set(ctx, mark, []byte("1"), idempotencyTTL)
}

// GetResult is a direct lookup by (agentID, requestID).
func (s *Store) GetResult(ctx context.Context, agentID, requestID string) (*MeasurementResult, error) {
	data, err := s.engine.Get(ctx, resultKey(agentID, requestID))
	if err != nil {
		return nil, err
	}
	var r MeasurementResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &r, nil
}

// ListResults iterates the secondary set for agentID, oldest first.
func (s *Store) ListResults(ctx context.Context, agentID string) ([]*MeasurementResult, error) {
	members, err := s.engine.ZRangeByScore(ctx, resultIndexKey(agentID), 0, float64(1<<62))
	if err != nil {
		return nil, err
	}
	out := make([]*MeasurementResult, 0, len(members))
	for _, m := range members {
		r, err := s.GetResult(ctx, agentID, m.Member)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteResult removes a result and clears its idempotency mark, backing
// the REST `DELETE /agents/{id}/results/{rid}` endpoint (§4.7).
func (s *Store) DeleteResult(ctx context.Context, agentID, requestID string) error {
	if err := s.engine.Delete(ctx, resultKey(agentID, requestID)); err != nil {
		return err
	}
	if err := s.engine.ZRem(ctx, resultIndexKey(agentID), requestID); err != nil {
		return err
	}
	return s.engine.Delete(ctx, idempotencyKey(requestID))
}
