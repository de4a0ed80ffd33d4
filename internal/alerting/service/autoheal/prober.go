package autoheal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/controlplane/internal/alerting/service/registry"
)

// Prober checks health URLs with a bounded per-probe timeout.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober; timeout bounds each health request.
func NewProber(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{client: client, timeout: timeout}
}

// Probe never returns an error: transport failures, timeouts and non-2xx responses are unhealthy results.
func (p *Prober) Probe(ctx context.Context, s registry.Service) ProbeResult {
	res := ProbeResult{Service: s.Name, URL: s.HealthURL, Status: ProbeUnhealthy}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.HealthURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.HTTPStatus = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Status = ProbeHealthy
	} else {
		res.Error = fmt.Sprintf("health check returned %d", resp.StatusCode)
	}
	return res
}

// ProbeAll probes every service with at most concurrency probes in flight.
// A panicking probe is reported as unhealthy and never stops the others.
func (p *Prober) ProbeAll(ctx context.Context, services []registry.Service, concurrency int) []ProbeResult {
	out := make([]ProbeResult, len(services))
	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, s := range services {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("service", s.Name).Msg("health probe panicked")
					out[i] = ProbeResult{Service: s.Name, URL: s.HealthURL, Status: ProbeUnhealthy, Error: fmt.Sprintf("probe panic: %v", r)}
				}
			}()
			out[i] = p.Probe(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
