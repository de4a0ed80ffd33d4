package learner

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

const retention = 7 * 24 * time.Hour

var (
	thresholdGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controlplane_learner_threshold",
		Help: "Current learned threshold multiplier per alert type.",
	}, []string{"alert_type"})
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_learner_feedback_total",
		Help: "Feedback received, by alert type and polarity.",
	}, []string{"alert_type", "positive"})
)

type typeState struct {
	threshold  float64
	positive   int
	negative   int
	samples    []Feedback // oldest first, within retention
	eligible   bool
	adjustedAt time.Time
}

// Learner owns every AdaptiveThresholdState. Other components only see Snapshots.
type Learner struct {
	cfg     Config
	auditor Auditor
	now     func() time.Time

	mu    sync.RWMutex
	types map[string]*typeState
}

// New creates a learner. Every alert type starts at cfg.DefaultThreshold; auditor may be nil.
func New(cfg Config, auditor Auditor) *Learner {
	if cfg.MaxThreshold < cfg.MinThreshold {
		cfg.MinThreshold, cfg.MaxThreshold = cfg.MaxThreshold, cfg.MinThreshold
	}
	cfg.DefaultThreshold = clamp(cfg.DefaultThreshold, cfg.MinThreshold, cfg.MaxThreshold)
	return &Learner{cfg: cfg, auditor: auditor, now: time.Now, types: map[string]*typeState{}}
}

type adjustment struct {
	alertType string
	from, to  float64
	reason    string
	rates     SuccessRates
}

// Record stores one piece of feedback and applies the adjustment policy.
func (l *Learner) Record(ctx context.Context, fb Feedback) (State, error) {
	fb.AlertType = strings.TrimSpace(fb.AlertType)
	if fb.AlertType == "" {
		return State{}, model.ValidationError("alert_type is required")
	}
	now := l.now()
	if fb.At.IsZero() {
		fb.At = now
	}
	if fb.Source == "" {
		fb.Source = "operator"
	}

	l.mu.Lock()
	ts := l.stateLocked(fb.AlertType)
	if fb.Positive {
		ts.positive++
	} else {
		ts.negative++
	}
	ts.samples = append(ts.samples, fb)
	l.pruneLocked(ts, now)
	adj := l.evaluateLocked(fb.AlertType, ts, now)
	st := l.viewLocked(fb.AlertType, ts, now)
	l.mu.Unlock()

	feedbackTotal.WithLabelValues(fb.AlertType, boolLabel(fb.Positive)).Inc()
	if adj != nil {
		thresholdGauge.WithLabelValues(adj.alertType).Set(adj.to)
		log.Info().Str("alert_type", adj.alertType).Float64("from", adj.from).Float64("to", adj.to).
			Str("reason", adj.reason).Msg("adaptive threshold adjusted")
		if l.auditor != nil {
			_, err := l.auditor.Append(ctx, audit.Entry{
				Actor:    "learner",
				Action:   "learner.threshold_adjusted",
				TargetID: adj.alertType,
				Metadata: map[string]any{
					"alert_type":    adj.alertType,
					"from":          adj.from,
					"to":            adj.to,
					"reason":        adj.reason,
					"success_24h":   adj.rates.Day,
					"success_7d":    adj.rates.Week,
					"auto_eligible": st.AutoActionEligible,
				},
			})
			if err != nil {
				log.Error().Err(err).Str("alert_type", adj.alertType).Msg("audit threshold adjustment")
			}
		}
	}
	return st, nil
}

func (l *Learner) stateLocked(alertType string) *typeState {
	ts, ok := l.types[alertType]
	if !ok {
		ts = &typeState{threshold: l.cfg.DefaultThreshold, eligible: true}
		l.types[alertType] = ts
	}
	return ts
}

func (l *Learner) pruneLocked(ts *typeState, now time.Time) {
	cut := 0
	for cut < len(ts.samples) && now.Sub(ts.samples[cut].At) > retention {
		cut++
	}
	if over := len(ts.samples) - cut - l.cfg.MaxFeedback; l.cfg.MaxFeedback > 0 && over > 0 {
		cut += over
	}
	if cut > 0 {
		ts.samples = append(ts.samples[:0], ts.samples[cut:]...)
	}
}

func (l *Learner) evaluateLocked(alertType string, ts *typeState, now time.Time) *adjustment {
	rates, dayCount, weekCount := rates(ts.samples, now)
	defer func() {
		ts.eligible = !(ts.threshold >= l.cfg.MaxThreshold && dayCount >= l.cfg.MinSamples && rates.Day < l.cfg.FloorPercent)
	}()
	if dayCount < l.cfg.MinSamples {
		return nil
	}
	if !ts.adjustedAt.IsZero() && now.Sub(ts.adjustedAt) < l.cfg.Cooldown {
		return nil
	}
	from := ts.threshold
	var reason string
	switch {
	case rates.Day < l.cfg.FloorPercent:
		ts.threshold = clamp(ts.threshold+l.cfg.Step, l.cfg.MinThreshold, l.cfg.MaxThreshold)
		reason = "success_24h_below_floor"
	case weekCount >= l.cfg.MinSamples && rates.Week >= l.cfg.CeilingPercent && rates.Day >= l.cfg.CeilingPercent:
		ts.threshold = clamp(ts.threshold-l.cfg.Step, l.cfg.MinThreshold, l.cfg.MaxThreshold)
		reason = "success_7d_above_ceiling"
	default:
		return nil
	}
	if ts.threshold == from {
		return nil
	}
	ts.adjustedAt = now
	return &adjustment{alertType: alertType, from: from, to: ts.threshold, reason: reason, rates: rates}
}

func (l *Learner) viewLocked(alertType string, ts *typeState, now time.Time) State {
	r, _, _ := rates(ts.samples, now)
	st := State{
		AlertType:          alertType,
		CurrentThreshold:   ts.threshold,
		PositiveFeedback:   ts.positive,
		NegativeFeedback:   ts.negative,
		SuccessRates:       r,
		AutoActionEligible: ts.eligible,
		RetainedFeedback:   len(ts.samples),
	}
	if !ts.adjustedAt.IsZero() {
		at := ts.adjustedAt
		st.LastAdjustedAt = &at
	}
	return st
}

// States lists every tracked alert type ordered by name.
func (l *Learner) States() []State {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]State, 0, len(l.types))
	for name, ts := range l.types {
		out = append(out, l.viewLocked(name, ts, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertType < out[j].AlertType })
	return out
}

// Snapshot copies the current thresholds into an immutable value.
func (l *Learner) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{def: l.cfg.DefaultThreshold, thresholds: make(map[string]float64, len(l.types)), ineligible: map[string]bool{}}
	for name, ts := range l.types {
		s.thresholds[name] = ts.threshold
		if !ts.eligible {
			s.ineligible[name] = true
		}
	}
	return s
}

// Observe satisfies the outcome observer interfaces of the delivery and autoheal engines.
func (l *Learner) Observe(ctx context.Context, alertType string, positive bool, source string) {
	if _, err := l.Record(ctx, Feedback{AlertType: alertType, Positive: positive, Source: source}); err != nil {
		log.Warn().Err(err).Str("alert_type", alertType).Msg("drop learner outcome")
	}
}

func rates(samples []Feedback, now time.Time) (SuccessRates, int, int) {
	var hPos, hAll, dPos, dAll, wPos, wAll int
	for _, s := range samples {
		age := now.Sub(s.At)
		p := 0
		if s.Positive {
			p = 1
		}
		if age <= retention {
			wAll++
			wPos += p
		}
		if age <= 24*time.Hour {
			dAll++
			dPos += p
		}
		if age <= time.Hour {
			hAll++
			hPos += p
		}
	}
	return SuccessRates{Hour: percent(hPos, hAll), Day: percent(dPos, dAll), Week: percent(wPos, wAll)}, dAll, wAll
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*10000) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
