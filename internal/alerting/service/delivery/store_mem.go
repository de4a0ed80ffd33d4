package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the in-process Store; one mutex makes every CAS atomic.
type MemStore struct {
	mu         sync.Mutex
	events     map[string]*AlertEvent
	deliveries map[string]*Delivery
}

// NewMemStore creates an empty in-process store, used by tests and single-replica runs.
func NewMemStore() *MemStore {
	return &MemStore{events: map[string]*AlertEvent{}, deliveries: map[string]*Delivery{}}
}

func (m *MemStore) CreateEvent(ctx context.Context, ev *AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ev
	m.events[ev.ID] = &c
	return nil
}

func (m *MemStore) Create(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d.clone()
	return nil
}

// CreateIfAbsent stores d unless a non-terminal delivery already holds its dedup key.
func (m *MemStore) CreateIfAbsent(ctx context.Context, d *Delivery, since time.Time) (bool, *Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.DedupKey != "" {
		for _, x := range m.deliveries {
			if x.DedupKey == d.DedupKey && !x.Status.Terminal() && !x.CreatedAt.Before(since) {
				return false, x.clone(), nil
			}
		}
	}
	m.deliveries[d.ID] = d.clone()
	return true, nil, nil
}

func (m *MemStore) Get(ctx context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemStore) List(ctx context.Context, f ListFilter) ([]*Delivery, int, error) {
	m.mu.Lock()
	matched := make([]*Delivery, 0)
	for _, d := range m.deliveries {
		if matches(d, f) {
			matched = append(matched, d.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset >= total {
		return []*Delivery{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func matches(d *Delivery, f ListFilter) bool {
	if f.TenantID != "" && d.TenantID != f.TenantID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, d.Status) {
		return false
	}
	if len(f.Labels) > 0 {
		found := false
		for _, l := range f.Labels {
			if d.TriageLabel == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStatus(ss []Status, s Status) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func isDue(d *Delivery, now time.Time) bool {
	if d.Status != StatusQueued && d.Status != StatusPending {
		return false
	}
	if d.LeaseOwner != "" {
		return d.LeaseUntil == nil || d.LeaseUntil.Before(now)
	}
	return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
}

func (m *MemStore) Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Delivery, 0)
	for _, d := range m.deliveries {
		if isDue(d, now) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim takes the lease on id if it is free or expired.
func (m *MemStore) Claim(ctx context.Context, id, owner string, now, until time.Time) (*Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || !isDue(d, now) {
		return nil, false, nil
	}
	reclaimed := d.LeaseOwner != ""
	d.LeaseOwner = owner
	u := until
	d.LeaseUntil = &u
	return d.clone(), reclaimed, nil
}

func (m *MemStore) Complete(ctx context.Context, d *Delivery, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok || cur.LeaseOwner != owner {
		return false, nil
	}
	c := d.clone()
	c.LeaseOwner = ""
	c.LeaseUntil = nil
	m.deliveries[d.ID] = c
	return true, nil
}
