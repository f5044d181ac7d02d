package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LogEvent appends an audit entry to the newest-first event log via
// LPush, matching spec §4.2's append-only event log.
func (s *Store) LogEvent(ctx context.Context, e *EventLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	return s.engine.LPush(ctx, eventsLogKey, data)
}

// GetEvents returns up to limit entries, newest first. limit <= 0 means no
// limit.
func (s *Store) GetEvents(ctx context.Context, limit int) ([]*EventLogEntry, error) {
	raw, err := s.engine.LRange(ctx, eventsLogKey, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*EventLogEntry, 0, len(raw))
	for _, data := range raw {
		var e EventLogEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}
