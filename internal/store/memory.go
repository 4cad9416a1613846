package store

import (
	"context"
	"sync"
	"time"

	"github.com/yardkeep/yardkeep/internal/model"
)

// Memory keeps records in a map guarded by an RWMutex. It backs tests and
// ephemeral runs; it implements the same Store contract as the durable
// backends, including the conditional identification transition.
type Memory struct {
	mu     sync.RWMutex
	plants map[string]*model.PlantRecord
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{plants: make(map[string]*model.PlantRecord)}
}

// GetAll returns clones of every record so callers cannot mutate state.
func (m *Memory) GetAll(ctx context.Context) ([]*model.PlantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.PlantRecord, 0, len(m.plants))
	for _, record := range m.plants {
		out = append(out, record.Clone())
	}
	return out, nil
}

// Get returns a clone of one record.
func (m *Memory) Get(ctx context.Context, id string) (*model.PlantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.plants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Put inserts or replaces a record.
func (m *Memory) Put(ctx context.Context, record *model.PlantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.UpdatedAt = time.Now().UTC()
	m.plants[record.ID] = record.Clone()
	return nil
}

// Delete removes a record; absent ids succeed silently.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plants, id)
	return nil
}

// Clear drops every record.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plants = make(map[string]*model.PlantRecord)
	return nil
}

// BeginIdentification is the same compare-and-set the SQL backends perform,
// done under the write lock so concurrent triggers serialize.
func (m *Memory) BeginIdentification(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.plants[id]
	if !ok {
		return false, ErrNotFound
	}
	now := time.Now().UTC()
	if record.IDStatus == model.StatusIdentifying && record.UpdatedAt.After(now.Add(-staleAfter)) {
		return false, nil
	}
	record.IDStatus = model.StatusIdentifying
	record.UpdatedAt = now
	return true, nil
}

// Close satisfies Store; there is nothing to release.
func (m *Memory) Close() error {
	return nil
}
