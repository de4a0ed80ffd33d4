package anomaly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// Querier is the subset of the Prometheus HTTP API used by PromSource.
type Querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (promModel.Value, v1.Warnings, error)
}

// PromSource turns PromQL instant queries into detector samples.
type PromSource struct {
	api      Querier
	queries  map[string]string // metric name -> PromQL
	timeout  time.Duration
	detector *Detector
}

// NewPromSource polls address with one instant query per metric name in queries.
func NewPromSource(address string, queries map[string]string, timeout time.Duration, det *Detector) (*PromSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return newPromSource(v1.NewAPI(client), queries, timeout, det), nil
}

func newPromSource(q Querier, queries map[string]string, timeout time.Duration, det *Detector) *PromSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PromSource{api: q, queries: queries, timeout: timeout, detector: det}
}

// PollOnce runs every query once. A failing query is logged and skipped.
func (p *PromSource) PollOnce(ctx context.Context) int {
	names := make([]string, 0, len(p.queries))
	for n := range p.queries {
		names = append(names, n)
	}
	sort.Strings(names)

	ingested := 0
	for _, name := range names {
		samples, err := p.query(ctx, name, p.queries[name])
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("prometheus query failed")
			continue
		}
		if err := p.detector.Ingest(samples...); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("ingest prometheus samples")
			continue
		}
		ingested += len(samples)
	}
	return ingested
}

func (p *PromSource) query(ctx context.Context, name, q string) ([]Sample, error) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, warnings, err := p.api.Query(qctx, q, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Str("metric", name).Msg("prometheus warnings")
	}
	switch v := result.(type) {
	case promModel.Vector:
		out := make([]Sample, 0, len(v))
		for _, s := range v {
			out = append(out, Sample{
				Metric:   seriesName(name, s.Metric, len(v)),
				Value:    float64(s.Value),
				At:       s.Timestamp.Time(),
				Tenant:   string(s.Metric["tenant"]),
				Endpoint: string(s.Metric["endpoint"]),
			})
		}
		return out, nil
	case *promModel.Scalar:
		return []Sample{{Metric: name, Value: float64(v.Value), At: v.Timestamp.Time()}}, nil
	default:
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
}

// seriesName keeps multi-series results apart by tenant or endpoint label.
func seriesName(name string, m promModel.Metric, n int) string {
	if n <= 1 {
		return name
	}
	if t := m["tenant"]; t != "" {
		return name + "{tenant=" + string(t) + "}"
	}
	if e := m["endpoint"]; e != "" {
		return name + "{endpoint=" + string(e) + "}"
	}
	return name + m.String()
}

// Run polls on every tick until ctx is done.
func (p *PromSource) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := p.PollOnce(ctx)
			log.Debug().Int("samples", n).Msg("prometheus poll finished")
		}
	}
}
