package autoheal

import "sync"

// History is a fixed-capacity circular buffer of attempts. When full, the oldest is overwritten.
type History struct {
	mu   sync.RWMutex
	buf  []Attempt
	next int
	size int
}

// NewHistory creates a ring of the last capacity attempts.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 50
	}
	return &History{buf: make([]Attempt, capacity)}
}

func (h *History) Append(a Attempt) {
	h.mu.Lock()
	h.buf[h.next] = a
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.mu.Unlock()
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *History) Cap() int { return len(h.buf) }

// Recent returns up to limit attempts, newest first. limit <= 0 means all.
func (h *History) Recent(limit int) []Attempt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > h.size {
		limit = h.size
	}
	out := make([]Attempt, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// Stats aggregates the retained attempts.
func (h *History) Stats() Stats {
	st := Stats{Services: map[string]int{}}
	for _, a := range h.Recent(0) {
		st.TotalAttempts++
		if a.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		st.Services[a.Service]++
	}
	if st.TotalAttempts > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.TotalAttempts) * 100
	}
	best := 0
	for name, n := range st.Services {
		if n > best || (n == best && name < st.MostHealed) {
			best, st.MostHealed = n, name
		}
	}
	return st
}
