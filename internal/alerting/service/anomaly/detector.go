package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

var (
	incidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_anomaly_incidents_total",
		Help: "Anomaly incidents emitted, by type and severity.",
	}, []string{"type", "severity"})
	signalsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_anomaly_signals_dropped_total",
		Help: "Incidents not handed to the rule engine because the signal buffer was full.",
	})
	samplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_anomaly_samples_total",
		Help: "Metric samples ingested.",
	})
)

type series struct {
	spec    MetricSpec
	samples *ring[Sample]
	active  Severity // severity of the last emitted incident still in effect, "" when normal
}

// Detector compares a trailing baseline window to a trailing current window per metric.
// Detection never waits on consumers: incidents are offered to Signals() without blocking.
type Detector struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	series    map[string]*series
	incidents *ring[Anomaly]

	signals chan Anomaly
}

// NewDetector creates a detector with cfg.Metrics already tracked. Zero fields take DefaultConfig values.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = def.BaselineWindow
	}
	if cfg.CurrentWindow <= 0 || cfg.CurrentWindow >= cfg.BaselineWindow {
		cfg.CurrentWindow = cfg.BaselineWindow / 12
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = def.WindowCapacity
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.WarningPercent <= 0 {
		cfg.WarningPercent = def.WarningPercent
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = def.CriticalPercent
	}
	if cfg.IncidentCapacity <= 0 {
		cfg.IncidentCapacity = def.IncidentCapacity
	}
	if cfg.IncidentTTL <= 0 {
		cfg.IncidentTTL = def.IncidentTTL
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	if cfg.MaxMetrics <= 0 {
		cfg.MaxMetrics = def.MaxMetrics
	}
	d := &Detector{
		cfg:       cfg,
		now:       time.Now,
		series:    map[string]*series{},
		incidents: newRing[Anomaly](cfg.IncidentCapacity),
		signals:   make(chan Anomaly, cfg.SignalBuffer),
	}
	for _, spec := range cfg.Metrics {
		d.track(spec)
	}
	return d
}

func (d *Detector) track(spec MetricSpec) *series {
	if spec.Kind == "" {
		spec.Kind = KindGauge
	}
	s := &series{spec: spec, samples: newRing[Sample](d.cfg.WindowCapacity)}
	d.series[spec.Name] = s
	return s
}

// Signals delivers emitted incidents to the rule engine consumer.
func (d *Detector) Signals() <-chan Anomaly { return d.signals }

// Ingest appends samples to their metric windows. The batch is all or nothing: a bad sample
// anywhere in it leaves every window untouched.
func (d *Detector) Ingest(samples ...Sample) error {
	now := d.now()
	batch := make([]Sample, 0, len(samples))
	for _, smp := range samples {
		smp.Metric = strings.TrimSpace(smp.Metric)
		if smp.Metric == "" {
			return model.ValidationError("sample metric name is required")
		}
		if math.IsNaN(smp.Value) || math.IsInf(smp.Value, 0) {
			return model.ValidationError("sample value for %s must be finite", smp.Metric)
		}
		if smp.At.IsZero() {
			smp.At = now
		}
		batch = append(batch, smp)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := make(map[string]struct{})
	for _, smp := range batch {
		if _, ok := d.series[smp.Metric]; !ok {
			fresh[smp.Metric] = struct{}{}
		}
	}
	if len(d.series)+len(fresh) > d.cfg.MaxMetrics {
		return model.ValidationError("metric limit %d reached", d.cfg.MaxMetrics)
	}
	for _, smp := range batch {
		s, ok := d.series[smp.Metric]
		if !ok {
			s = d.track(MetricSpec{Name: smp.Metric})
		}
		s.samples.Push(smp)
		samplesTotal.Inc()
	}
	return nil
}

type windowStats struct {
	mean     float64
	count    int
	tenant   string
	endpoint string
}

func (s *series) windows(now time.Time, baseline, current time.Duration) (base, cur windowStats) {
	var bSum, cSum float64
	s.samples.Each(func(smp Sample) bool {
		age := now.Sub(smp.At)
		switch {
		case age < 0 || age > baseline:
		case age <= current:
			cSum += smp.Value
			cur.count++
			if smp.Tenant != "" {
				cur.tenant = smp.Tenant
			}
			if smp.Endpoint != "" {
				cur.endpoint = smp.Endpoint
			}
		default:
			bSum += smp.Value
			base.count++
		}
		return true
	})
	if base.count > 0 {
		base.mean = bSum / float64(base.count)
	}
	if cur.count > 0 {
		cur.mean = cSum / float64(cur.count)
	}
	return base, cur
}

// Classify maps a delta and an optional ceiling breach to a severity.
func (d *Detector) Classify(delta float64, ceilingCrossed bool) Severity {
	abs := math.Abs(delta)
	switch {
	case ceilingCrossed || abs >= d.cfg.CriticalPercent:
		return SeverityCritical
	case abs >= d.cfg.WarningPercent:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Evaluate runs one detection pass and returns the newly emitted incidents.
func (d *Detector) Evaluate() []Anomaly {
	now := d.now()
	d.mu.Lock()
	var emitted []Anomaly
	for name, s := range d.series {
		base, cur := s.windows(now, d.cfg.BaselineWindow, d.cfg.CurrentWindow)
		if base.count < d.cfg.MinSamples || cur.count < d.cfg.MinSamples {
			continue
		}
		ceiling := s.spec.Ceiling > 0 && cur.mean >= s.spec.Ceiling
		var delta float64
		if base.mean != 0 {
			delta = (cur.mean - base.mean) / math.Abs(base.mean) * 100
		} else if !ceiling {
			s.active = ""
			continue
		}
		sev := d.Classify(delta, ceiling)
		if sev == SeverityInfo {
			s.active = ""
			continue
		}
		if s.active == sev {
			continue
		}
		s.active = sev
		a := d.incident(name, s, base, cur, delta, sev, ceiling, now)
		d.incidents.Push(a)
		emitted = append(emitted, a)
	}
	d.mu.Unlock()

	for _, a := range emitted {
		incidentsTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		log.Warn().Str("metric", a.MetricName).Str("type", string(a.Type)).Str("severity", string(a.Severity)).
			Float64("baseline", a.BaselineValue).Float64("current", a.CurrentValue).Float64("delta_percent", a.DeltaPercent).
			Msg("anomaly detected")
		select {
		case d.signals <- a:
		default:
			signalsDropped.Inc()
			log.Warn().Str("anomaly_id", a.ID).Msg("signal buffer full, anomaly not forwarded")
		}
	}
	return emitted
}

func (d *Detector) incident(name string, s *series, base, cur windowStats, delta float64, sev Severity, ceiling bool, now time.Time) Anomaly {
	typ := TypeSpike
	switch s.spec.Kind {
	case KindErrorRate:
		typ = TypeErrorRate
	case KindTenantIsolation:
		typ = TypeTenantIsolation
	default:
		if delta < 0 {
			typ = TypeDrop
		}
	}
	tenant, endpoint := s.spec.Tenant, s.spec.Endpoint
	if cur.tenant != "" {
		tenant = cur.tenant
	}
	if cur.endpoint != "" {
		endpoint = cur.endpoint
	}
	msg := fmt.Sprintf("%s %s: current %.4g vs baseline %.4g (%+.1f%%)", name, typ, cur.mean, base.mean, delta)
	if ceiling {
		msg += fmt.Sprintf(", ceiling %.4g crossed", s.spec.Ceiling)
	}
	return Anomaly{
		ID:               uuid.NewString(),
		Type:             typ,
		Severity:         sev,
		MetricName:       name,
		BaselineValue:    round2(base.mean),
		CurrentValue:     round2(cur.mean),
		DeltaPercent:     round2(delta),
		AffectedTenant:   tenant,
		AffectedEndpoint: endpoint,
		Message:          msg,
		DetectedAt:       now.UTC(),
	}
}

// Current returns retained incidents at or above minSeverity, newest first, with a summary.
func (d *Detector) Current(minSeverity Severity) ([]Anomaly, Summary) {
	cutoff := d.now().Add(-d.cfg.IncidentTTL)
	d.mu.Lock()
	out := make([]Anomaly, 0, d.incidents.Len())
	d.incidents.Each(func(a Anomaly) bool {
		if a.DetectedAt.After(cutoff) && a.Severity.Ordinal() >= minSeverity.Ordinal() {
			out = append(out, a)
		}
		return true
	})
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	sum := Summary{TotalIncidents: len(out)}
	for _, a := range out {
		switch a.Severity {
		case SeverityCritical:
			sum.CriticalIncidents++
		case SeverityWarning:
			sum.WarningIncidents++
		}
	}
	return out, sum
}

// Run evaluates on every tick until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Int("metrics", d.metricCount()).Msg("anomaly detector started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("anomaly detector stopped")
			return
		case <-ticker.C:
			d.Evaluate()
		}
	}
}

func (d *Detector) metricCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.series)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
