package autoheal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ObservationWindow is the quiet period after a successful remediation.
type ObservationWindow struct {
	Service   string        `json:"service"`
	Action    Action        `json:"action"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

func (w *ObservationWindow) Elapsed(now time.Time) bool { return !now.Before(w.EndTime) }

// Observations tracks at most one window per service. Check returns nil when none is open;
// an elapsed window is still returned until Complete removes it.
type Observations interface {
	Start(ctx context.Context, service string, action Action, duration time.Duration) error
	Check(ctx context.Context, service string) (*ObservationWindow, error)
	Complete(ctx context.Context, service string) error
	Cancel(ctx context.Context, service string) error
}

var errNoWindow = errors.New("no observation window")

type MemObservations struct {
	mu      sync.Mutex
	windows map[string]ObservationWindow
	now     func() time.Time
}

func NewMemObservations() *MemObservations {
	return &MemObservations{windows: map[string]ObservationWindow{}, now: time.Now}
}

func (m *MemObservations) Start(ctx context.Context, service string, action Action, duration time.Duration) error {
	now := m.now()
	m.mu.Lock()
	m.windows[service] = ObservationWindow{Service: service, Action: action, Duration: duration, StartTime: now, EndTime: now.Add(duration)}
	m.mu.Unlock()
	return nil
}

func (m *MemObservations) Check(ctx context.Context, service string) (*ObservationWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[service]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *MemObservations) Complete(ctx context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[service]; !ok {
		return fmt.Errorf("%w for service %s", errNoWindow, service)
	}
	delete(m.windows, service)
	return nil
}

func (m *MemObservations) Cancel(ctx context.Context, service string) error {
	m.mu.Lock()
	delete(m.windows, service)
	m.mu.Unlock()
	return nil
}

// RedisObservations keeps windows under controlplane:observation:<service> so they survive restarts.
type RedisObservations struct {
	redis *redis.Client
	// windows outlive EndTime by this much so the loop can still see and complete them
	grace time.Duration
}

// NewRedisObservations stores each window as a redis key that expires with the window.
func NewRedisObservations(rdb *redis.Client) *RedisObservations {
	return &RedisObservations{redis: rdb, grace: 5 * time.Minute}
}

func observationKey(service string) string { return "controlplane:observation:" + service }

func (r *RedisObservations) Start(ctx context.Context, service string, action Action, duration time.Duration) error {
	if r.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	now := time.Now()
	w := ObservationWindow{Service: service, Action: action, Duration: duration, StartTime: now, EndTime: now.Add(duration)}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal observation window: %w", err)
	}
	if err := r.redis.Set(ctx, observationKey(service), data, duration+r.grace).Err(); err != nil {
		return fmt.Errorf("failed to store observation window: %w", err)
	}
	log.Info().Str("service", service).Str("action", string(action)).Dur("duration", duration).
		Time("end_time", w.EndTime).Msg("started observation window")
	return nil
}

func (r *RedisObservations) Check(ctx context.Context, service string) (*ObservationWindow, error) {
	if r.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := r.redis.Get(ctx, observationKey(service)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get observation window: %w", err)
	}
	var w ObservationWindow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation window: %w", err)
	}
	return &w, nil
}

func (r *RedisObservations) Complete(ctx context.Context, service string) error {
	if r.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	n, err := r.redis.Del(ctx, observationKey(service)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove observation window: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w for service %s", errNoWindow, service)
	}
	log.Info().Str("service", service).Msg("completed observation window")
	return nil
}

func (r *RedisObservations) Cancel(ctx context.Context, service string) error {
	if r.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.redis.Del(ctx, observationKey(service)).Err(); err != nil {
		return fmt.Errorf("failed to cancel observation window: %w", err)
	}
	log.Warn().Str("service", service).Msg("cancelled observation window after failed probe")
	return nil
}
