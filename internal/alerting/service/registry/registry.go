package registry

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

type Registry struct {
	store      Store
	healthPath string
	now        func() time.Time
}

// New creates a registry. healthPath (default /ping) is appended to each service URL to form its health_url.
func New(store Store, healthPath string) *Registry {
	if healthPath == "" {
		healthPath = "/ping"
	}
	return &Registry{store: store, healthPath: healthPath, now: time.Now}
}

// Register upserts s by name, filling health_url and refreshing last_seen.
func (r *Registry) Register(ctx context.Context, s Service) (*Service, error) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return nil, model.ValidationError("service name is required")
	}
	if err := validateURL(s.URL); err != nil {
		return nil, model.ValidationError("invalid url %q: %v", s.URL, err)
	}
	if s.HealthURL == "" {
		s.HealthURL = strings.TrimRight(s.URL, "/") + r.healthPath
	} else if err := validateURL(s.HealthURL); err != nil {
		return nil, model.ValidationError("invalid health_url %q: %v", s.HealthURL, err)
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if s.RolesRequired == nil {
		s.RolesRequired = []string{}
	}
	s.LastSeen = r.now().UTC()
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, model.Internal(err, "register service %s", s.Name)
	}
	log.Info().Str("service", s.Name).Str("url", s.URL).Str("version", s.Version).Msg("service registered")
	return &s, nil
}

// List returns every registered service ordered by name.
func (r *Registry) List(ctx context.Context) ([]Service, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, model.Internal(err, "list services")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// Get returns the current descriptor for name, or NotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Service, error) {
	s, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, model.Internal(err, "get service %s", name)
	}
	if s == nil {
		return nil, model.NotFound("service %s not found", name)
	}
	return s, nil
}

// Touch refreshes last_seen on the current descriptor without rewriting anything else.
// It fails with NotFound when name was removed in the meantime.
func (r *Registry) Touch(ctx context.Context, name string) (*Service, error) {
	s, err := r.store.Touch(ctx, name, r.now().UTC())
	if err != nil {
		return nil, model.Internal(err, "touch service %s", name)
	}
	if s == nil {
		return nil, model.NotFound("service %s not found", name)
	}
	return s, nil
}

// Remove deletes name, failing with NotFound when it is absent.
func (r *Registry) Remove(ctx context.Context, name string) error {
	ok, err := r.store.Delete(ctx, name)
	if err != nil {
		return model.Internal(err, "remove service %s", name)
	}
	if !ok {
		return model.NotFound("service %s not found", name)
	}
	log.Info().Str("service", name).Msg("service removed")
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errScheme
	}
	if u.Host == "" {
		return errHost
	}
	return nil
}

type urlError string

func (e urlError) Error() string { return string(e) }

const (
	errScheme urlError = "scheme must be http or https"
	errHost   urlError = "host is required"
)
