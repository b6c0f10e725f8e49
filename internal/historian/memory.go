package historian

import (
	"context"
	"sync"
)

// MemoryStore keeps samples in process. It implements Writer and Reader.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string][]Sample)}
}

func (m *MemoryStore) Write(ctx context.Context, sample Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sample.TimestampUTC = sample.TimestampUTC.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sample.Name] = append(m.samples[sample.Name], sample)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	raw := append([]Sample(nil), m.samples[q.Name]...)
	m.mu.RUnlock()
	return Aggregate(q, raw)
}

func (m *MemoryStore) Len(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples[name])
}
