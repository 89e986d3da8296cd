package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It backs tests and dry runs where nothing
// should outlive the process.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

func (m *Memory) EnsureSchema(ctx context.Context) error { return nil }

func (m *Memory) Get(ctx context.Context, instanceID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[instanceID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LastUpdated = Now()
	m.recs[rec.InstanceID] = rec
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, instanceID string, prev *Record, next int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[instanceID]
	switch {
	case prev == nil && ok:
		return ErrConflict
	case prev != nil && (!ok || cur.IdleCount != prev.IdleCount):
		return ErrConflict
	}
	m.recs[instanceID] = Record{InstanceID: instanceID, IdleCount: next, LastUpdated: Now()}
	return nil
}

func (m *Memory) Close() error { return nil }
