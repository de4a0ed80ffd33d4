package registry

import (
	"context"
	"sync"
	"time"
)

type MemStore struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewMemStore creates an empty in-process registry store.
func NewMemStore() *MemStore { return &MemStore{services: map[string]Service{}} }

func (m *MemStore) Upsert(ctx context.Context, s Service) error {
	m.mu.Lock()
	m.services[s.Name] = s
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Get(ctx context.Context, name string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemStore) List(ctx context.Context) ([]Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	return out, nil
}

// Touch sets LastSeen on an existing entry and returns a copy. It returns nil when name is absent.
func (m *MemStore) Touch(ctx context.Context, name string, at time.Time) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return nil, nil
	}
	s.LastSeen = at
	m.services[name] = s
	return &s, nil
}

func (m *MemStore) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		return false, nil
	}
	delete(m.services, name)
	return true, nil
}
