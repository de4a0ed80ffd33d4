package ruleset

import (
	"context"
	"sync"
)

type MemStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemStore creates an empty in-process rule store.
func NewMemStore() *MemStore { return &MemStore{rules: map[string]*Rule{}} }

func (m *MemStore) CreateRule(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.rules[r.ID] = &c
	return nil
}

func (m *MemStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *MemStore) ListRules(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return false, nil
	}
	delete(m.rules, id)
	return true, nil
}
