package autoheal

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_autoheal_attempts_total",
		Help: "Remediation attempts by action and outcome.",
	}, []string{"action", "success"})
	unhealthyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_autoheal_unhealthy_services",
		Help: "Services that failed their health probe on the last tick.",
	})
	tickFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_autoheal_tick_faults_total",
		Help: "Ticks aborted by an error or panic.",
	})
)

type Deps struct {
	Services     ServiceSource
	Client       *http.Client
	Observations Observations
	Signals      Signaler
	Auditor      Auditor
	Feedback     FeedbackSink
	Snapshot     func() learner.Snapshot
}

// Loop is the periodic probe-and-remediate process. It is the only writer of the healing history.
type Loop struct {
	cfg      Config
	services ServiceSource
	prober   *Prober
	client   *http.Client
	obs      Observations
	signals  Signaler
	auditor  Auditor
	feedback FeedbackSink
	snapshot func() learner.Snapshot
	now      func() time.Time

	history *History

	mu       sync.RWMutex
	failures map[string]int // consecutive failed probes per service
	watching []string
	last     Report
}

// New creates a loop. It does nothing until Run is called.
func New(cfg Config, deps Deps) *Loop {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}
	if deps.Observations == nil {
		deps.Observations = NewMemObservations()
	}
	if deps.Snapshot == nil {
		deps.Snapshot = func() learner.Snapshot { return learner.Snapshot{} }
	}
	return &Loop{
		cfg:      cfg,
		services: deps.Services,
		prober:   NewProber(deps.Client, cfg.ProbeTimeout),
		client:   deps.Client,
		obs:      deps.Observations,
		signals:  deps.Signals,
		auditor:  deps.Auditor,
		feedback: deps.Feedback,
		snapshot: deps.Snapshot,
		now:      time.Now,
		history:  NewHistory(cfg.HistoryCap),
		failures: map[string]int{},
		watching: []string{},
		last:     Report{Attempts: []Attempt{}},
	}
}

// Run ticks immediately and then every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	log.Info().Dur("interval", l.cfg.Interval).Int("history_cap", l.history.Cap()).Msg("autoheal loop started")
	t := time.NewTicker(l.cfg.Interval)
	defer t.Stop()
	l.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("autoheal loop stopped")
			return
		case <-t.C:
			l.safeTick(ctx)
		}
	}
}

// safeTick logs and swallows any fault so the loop keeps running.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			tickFaults.Inc()
			log.Error().Interface("panic", r).Msg("autoheal tick panicked")
		}
	}()
	if _, err := l.Tick(ctx); err != nil {
		tickFaults.Inc()
		log.Error().Err(err).Msg("autoheal tick failed")
	}
}

// Tick probes every registered service once and remediates those over the failure threshold.
func (l *Loop) Tick(ctx context.Context) (Report, error) {
	snap := l.snapshot()
	ctx = learner.WithSnapshot(ctx, snap)

	services, err := l.services.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot registry: %w", err)
	}
	results := l.prober.ProbeAll(ctx, services, l.cfg.Concurrency)

	need := ruleset.Required(l.cfg.FailureThreshold, snap.Threshold(AlertType))
	eligible := snap.AutoActionEligible(AlertType)

	report := Report{LastRun: l.now().UTC(), Attempts: []Attempt{}}
	names := make([]string, 0, len(services))
	unhealthy := 0
	for i, s := range services {
		names = append(names, s.Name)
		p := results[i]
		l.checkObservation(ctx, s.Name, p)

		if p.Healthy() {
			l.setFailures(s.Name, 0)
			continue
		}
		unhealthy++
		n := l.incFailures(s.Name)
		if n < need || ctx.Err() != nil {
			log.Debug().Str("service", s.Name).Int("failures", n).Int("required", need).Msg("service unhealthy, below remediation threshold")
			continue
		}

		action := l.cfg.ActionFor(s.Name)
		if !eligible && action != ActionAlertOnly {
			log.Info().Str("service", s.Name).Str("action", string(action)).Msg("auto action not eligible, downgrading to alert_only")
			action = ActionAlertOnly
		}
		cur, ok := l.current(ctx, s.Name)
		if !ok {
			l.setFailures(s.Name, 0)
			continue
		}
		res := l.remediate(ctx, action, *cur, p)
		if res.Skipped {
			log.Info().Str("service", s.Name).Str("action", string(action)).Msg(res.Message)
			l.setFailures(s.Name, 0)
			continue
		}
		a := Attempt{Service: s.Name, Action: action, Success: res.Success, Msg: res.Message, Timestamp: l.now().UTC()}
		l.record(ctx, a)
		l.setFailures(s.Name, 0)
		report.Attempts = append(report.Attempts, a)
	}
	unhealthyGauge.Set(float64(unhealthy))

	sort.Strings(names)
	l.mu.Lock()
	l.watching = names
	l.last = report
	for name := range l.failures {
		if !containsName(names, name) {
			delete(l.failures, name)
		}
	}
	l.mu.Unlock()
	return report, nil
}

// current re-reads name so remediation acts on the live descriptor. It reports false when the
// service was removed after the snapshot or cannot be read.
func (l *Loop) current(ctx context.Context, name string) (*registry.Service, bool) {
	cur, err := l.services.Get(ctx, name)
	if model.IsKind(err, model.KindNotFound) {
		log.Info().Str("service", name).Msg("service removed during tick, skipping remediation")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("service", name).Msg("re-read service before remediation")
		return nil, false
	}
	return cur, true
}

func containsName(sorted []string, name string) bool {
	i := sort.SearchStrings(sorted, name)
	return i < len(sorted) && sorted[i] == name
}

func (l *Loop) setFailures(service string, n int) {
	l.mu.Lock()
	l.failures[service] = n
	l.mu.Unlock()
}

func (l *Loop) incFailures(service string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[service]++
	return l.failures[service]
}

// checkObservation closes a service's observation window: a failed probe cancels it, an elapsed
// window with a healthy probe completes it. Either way the learner hears about it.
func (l *Loop) checkObservation(ctx context.Context, service string, p ProbeResult) {
	w, err := l.obs.Check(ctx, service)
	if err != nil {
		log.Error().Err(err).Str("service", service).Msg("failed to check observation window")
		return
	}
	if w == nil {
		return
	}
	if !p.Healthy() {
		if err := l.obs.Cancel(ctx, service); err != nil {
			log.Error().Err(err).Str("service", service).Msg("failed to cancel observation window")
		}
		l.observe(ctx, false, "observation")
		return
	}
	if w.Elapsed(l.now()) {
		if err := l.obs.Complete(ctx, service); err != nil {
			log.Error().Err(err).Str("service", service).Msg("failed to complete observation window")
			return
		}
		l.observe(ctx, true, "observation")
	}
}

func (l *Loop) record(ctx context.Context, a Attempt) {
	l.history.Append(a)
	attemptsTotal.WithLabelValues(string(a.Action), fmt.Sprint(a.Success)).Inc()
	ev := log.Info()
	if !a.Success {
		ev = log.Warn()
	}
	ev.Str("service", a.Service).Str("action", string(a.Action)).Bool("success", a.Success).Str("msg", a.Msg).Msg("healing attempt recorded")

	if l.auditor != nil {
		if _, err := l.auditor.Append(ctx, audit.Entry{
			Actor:    "autoheal",
			Action:   "autoheal.remediate",
			TargetID: a.Service,
			Metadata: map[string]any{"action": string(a.Action), "success": a.Success, "msg": a.Msg},
		}); err != nil {
			log.Error().Err(err).Str("service", a.Service).Msg("audit healing attempt")
		}
	}

	// alert_only never acts on the service, so it says nothing about auto-action quality
	if a.Action == ActionAlertOnly {
		return
	}
	if !a.Success {
		l.observe(ctx, false, "autoheal")
		return
	}
	if l.cfg.ObservationTime <= 0 {
		l.observe(ctx, true, "autoheal")
		return
	}
	if err := l.obs.Start(ctx, a.Service, a.Action, l.cfg.ObservationTime); err != nil {
		log.Error().Err(err).Str("service", a.Service).Msg("failed to start observation window")
	}
}

func (l *Loop) observe(ctx context.Context, positive bool, source string) {
	if l.feedback != nil {
		l.feedback.Observe(ctx, AlertType, positive, source)
	}
}

func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	last := l.last
	last.Attempts = append([]Attempt{}, l.last.Attempts...)
	return Status{
		Watching:        append([]string{}, l.watching...),
		IntervalSeconds: l.cfg.Interval.Seconds(),
		LastReport:      last,
	}
}

// History returns newest-first attempts. limit is clamped to the buffer capacity and the
// effective limit is returned alongside the retained total.
func (l *Loop) History(limit int) ([]Attempt, int, int) {
	if limit <= 0 || limit > l.history.Cap() {
		limit = l.history.Cap()
	}
	return l.history.Recent(limit), l.history.Len(), limit
}

func (l *Loop) Stats() Stats { return l.history.Stats() }

// Health probes every registered service now without remediating.
func (l *Loop) Health(ctx context.Context) (HealthReport, error) {
	services, err := l.services.List(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	rep := HealthReport{Status: "healthy", Services: make(map[string]ProbeResult, len(services))}
	for _, p := range l.prober.ProbeAll(ctx, services, l.cfg.Concurrency) {
		rep.Services[p.Service] = p
		if !p.Healthy() {
			rep.Status = "degraded"
		}
	}
	return rep, nil
}
