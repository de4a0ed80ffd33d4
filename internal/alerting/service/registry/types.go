package registry

import (
	"context"
	"time"
)

// Service is a self-reported service descriptor keyed by Name.
type Service struct {
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	HealthURL     string    `json:"health_url"`
	Version       string    `json:"version,omitempty"`
	Tags          []string  `json:"tags"`
	RolesRequired []string  `json:"roles_required"`
	LastSeen      time.Time `json:"last_seen"`
}

// Store is last-writer-wins per name.
type Store interface {
	Upsert(ctx context.Context, s Service) error
	Get(ctx context.Context, name string) (*Service, error)
	List(ctx context.Context) ([]Service, error)
	// Touch sets LastSeen on the stored descriptor and returns it, or nil when name is absent.
	// The rest of the descriptor is left as stored.
	Touch(ctx context.Context, name string, at time.Time) (*Service, error)
	// Delete reports whether the name existed.
	Delete(ctx context.Context, name string) (bool, error)
}
