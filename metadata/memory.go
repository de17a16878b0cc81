package metadata

import (
	"github.com/pkg/errors"
)

// MemoryStore keeps metadata in memory only, nothing survives a restart.
type MemoryStore struct {
	*index
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &MemoryStore{index: newIndex()}
}

// Record adds an execution and its output artifacts.
func (m *MemoryStore) Record(e *Execution, outputs map[string][]*Artifact) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return errors.Wrap(ErrClosed, "no record after close")
	}
	m.apply(m.prepare(e, outputs))
	return nil
}

// Close closes the store forbidding further records.
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return errors.New("no close of previously closed store")
	}
	m.closed = true
	return nil
}
