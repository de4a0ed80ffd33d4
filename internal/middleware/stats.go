package middleware

import (
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "controlplane_http_requests_total",
	Help: "HTTP requests by route and status.",
}, []string{"route", "status"})

// RequestStats counts requests for GET /audit/stats.
type RequestStats struct {
	mu       sync.Mutex
	total    int
	denied   map[int]int
	byPath   map[string]int
	byStatus map[string]int
}

type StatsSnapshot struct {
	TotalRequests int            `json:"total_requests"`
	Denied401     int            `json:"denied_401_unauthorized"`
	Denied403     int            `json:"denied_403_forbidden"`
	ByPath        map[string]int `json:"by_path"`
	ByStatus      map[string]int `json:"by_status"`
}

func NewRequestStats() *RequestStats {
	return &RequestStats{denied: map[int]int{}, byPath: map[string]int{}, byStatus: map[string]int{}}
}

// Middleware records each request after the handler chain has run.
func (s *RequestStats) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		code := strconv.Itoa(status)
		requestsTotal.WithLabelValues(route, code).Inc()

		s.mu.Lock()
		s.total++
		s.byPath[route]++
		s.byStatus[code]++
		if status == 401 || status == 403 {
			s.denied[status]++
		}
		s.mu.Unlock()
	}
}

func (s *RequestStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		TotalRequests: s.total,
		Denied401:     s.denied[401],
		Denied403:     s.denied[403],
		ByPath:        make(map[string]int, len(s.byPath)),
		ByStatus:      make(map[string]int, len(s.byStatus)),
	}
	for k, v := range s.byPath {
		out.ByPath[k] = v
	}
	for k, v := range s.byStatus {
		out.ByStatus[k] = v
	}
	return out
}
