package audit

import (
	"context"
	"sync"
)

// MemStore keeps the chain in process memory.
type MemStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemStore creates an empty in-process chain. Records handed in or out are copies.
func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) AppendChained(ctx context.Context, build func(prevHash string) (*Record, error)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := GenesisHash
	if n := len(s.records); n > 0 {
		prev = s.records[n-1].RecordHash
	}
	r, err := build(prev)
	if err != nil {
		return nil, err
	}
	s.records = append(s.records, r.clone())
	return r.clone(), nil
}

func (s *MemStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		if f.Tenant != "" {
			if t, _ := r.Metadata["tenant_id"].(string); t != f.Tenant {
				continue
			}
		}
		out = append(out, r.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) All(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	return out, nil
}

// clone copies r including its metadata so callers never share maps with the stored chain.
func (r *Record) clone() *Record {
	c := *r
	c.Metadata = copyMap(r.Metadata)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
