package store

import (
	"errors"

	"github.com/imn-project/imn/dbos/kv"
)

// Re-exported error kinds so callers only need to import dbos/store.
var (
	ErrNotFound          = kv.ErrNotFound
	ErrVersionConflict   = kv.ErrVersionConflict
	ErrTransport         = kv.ErrTransport
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

// Store is the DBOS state store (C2): agents, module-states, results,
// tasks, and the event log, all layered on one kv.Engine. Matches the
// method surface that dbos/rpcserver exposes over the wire in §4.3.
type Store struct {
	engine kv.Engine
}

// New wraps engine as a DBOS state store.
func New(engine kv.Engine) *Store {
	return &Store{engine: engine}
}

func (s *Store) Close() error {
	return s.engine.Close()
}
