package persistence

import (
	"context"
	"sync"

	"github.com/quadgate/stateforge/pkg/fsmrt"
)

// Memory is the no-op/in-memory persistence variant: valid for ephemeral
// machines, but rehydration after process restart is impossible by
// construction since nothing survives past the process's own lifetime.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory returns an empty Memory provider.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) Save(ctx context.Context, id string, entity fsmrt.Entity) error {
	rec := &Record{
		State:   entity.CurrentState(),
		Changed: entity.LastStateChange(),
		Done:    entity.Complete(),
	}
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(ctx context.Context, id string) (fsmrt.Entity, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}
