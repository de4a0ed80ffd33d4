package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
)

// Manager owns the template catalog and the live rules, and evaluates signals against them.
type Manager struct {
	store    Store
	enqueuer Enqueuer
	auditor  Auditor
	aliasMap map[string]string
	now      func() time.Time

	mu        sync.RWMutex
	templates map[string]Template
	rules     map[string]*Rule
	windows   map[string][]time.Time // rule id -> qualifying event times inside the window
}

// NewManager creates a manager. Call LoadRules before handling signals so stored rules are cached.
func NewManager(store Store, enqueuer Enqueuer, auditor Auditor, templates []Template, aliasMap map[string]string) *Manager {
	if aliasMap == nil {
		aliasMap = map[string]string{}
	}
	m := &Manager{
		store:     store,
		enqueuer:  enqueuer,
		auditor:   auditor,
		aliasMap:  aliasMap,
		now:       time.Now,
		templates: make(map[string]Template, len(templates)),
		rules:     map[string]*Rule{},
		windows:   map[string][]time.Time{},
	}
	for _, t := range templates {
		m.templates[t.ID] = t
	}
	return m
}

// LoadRules primes the in-memory rule set from the store.
func (m *Manager) LoadRules(ctx context.Context) error {
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	m.mu.Lock()
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	m.mu.Unlock()
	log.Info().Int("rules", len(rules)).Int("templates", len(m.templates)).Msg("alert rules loaded")
	return nil
}

// Templates returns the builtin catalog ordered by id.
func (m *Manager) Templates() []Template {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rules lists live rules, optionally for one tenant.
func (m *Manager) Rules(tenantID string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if tenantID == "" || r.TenantID == tenantID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LookupRule implements delivery.RuleCatalog. A rule missing from the cache is read from the store,
// so a rule created by another replica is still found.
func (m *Manager) LookupRule(ctx context.Context, ruleID string) (delivery.RuleInfo, bool) {
	m.mu.RLock()
	r, ok := m.rules[ruleID]
	m.mu.RUnlock()
	if !ok {
		stored, err := m.store.GetRule(ctx, ruleID)
		if err != nil {
			log.Error().Err(err).Str("rule_id", ruleID).Msg("look up rule")
			return delivery.RuleInfo{}, false
		}
		if stored == nil {
			return delivery.RuleInfo{}, false
		}
		m.mu.Lock()
		m.rules[stored.ID] = stored
		m.mu.Unlock()
		r = stored
	}
	return delivery.RuleInfo{Name: r.Name, TenantID: r.TenantID, EventType: r.EventType}, true
}

// MaterializeRequest binds a template to a tenant; empty overrides keep the template's values.
type MaterializeRequest struct {
	TemplateID    string `json:"template_id"`
	TenantID      string `json:"tenant_id"`
	TargetWebhook string `json:"target_webhook,omitempty"`
	TargetChannel string `json:"target_channel,omitempty"`
}

// Materialize copies a template into a tenant-bound live rule. The template is left untouched.
func (m *Manager) Materialize(ctx context.Context, req MaterializeRequest, actor string) (*Rule, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return nil, model.ValidationError("tenant_id is required")
	}
	m.mu.RLock()
	tpl, ok := m.templates[req.TemplateID]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ValidationError("unknown template %q", req.TemplateID)
	}

	r := &Rule{Template: tpl, TemplateID: tpl.ID, CreatedAt: m.now().UTC()}
	r.ID = uuid.NewString()
	r.TenantID = req.TenantID
	r.Labels = NormalizeLabels(tpl.Labels, m.aliasMap)
	if req.TargetWebhook != "" || req.TargetChannel != "" {
		r.TargetWebhook, r.TargetChannel = req.TargetWebhook, req.TargetChannel
	}
	if len(r.Targets()) == 0 {
		return nil, model.ValidationError("template %q has no target; supply target_webhook or target_channel", tpl.ID)
	}
	for _, t := range r.Targets() {
		if _, err := m.enqueuer.ResolveTarget(t); err != nil {
			return nil, err
		}
	}
	if err := m.store.CreateRule(ctx, r); err != nil {
		return nil, model.Internal(err, "store rule")
	}
	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()

	if m.auditor != nil {
		if _, err := m.auditor.Append(ctx, audit.Entry{
			Actor:    actor,
			Action:   "rule.materialize",
			TargetID: r.ID,
			Metadata: map[string]any{"template_id": tpl.ID, "tenant_id": r.TenantID},
		}); err != nil {
			log.Error().Err(err).Str("rule_id", r.ID).Msg("audit rule materialize")
		}
	}
	log.Info().Str("rule_id", r.ID).Str("template_id", tpl.ID).Str("tenant_id", r.TenantID).Msg("rule materialized")
	c := *r
	return &c, nil
}

// DeleteRule removes the rule from the store and the cache. Existing deliveries keep their copy of the rule name.
func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	ok, err := m.store.DeleteRule(ctx, id)
	if err != nil {
		return model.Internal(err, "delete rule %s", id)
	}
	m.mu.Lock()
	_, cached := m.rules[id]
	delete(m.rules, id)
	delete(m.windows, id)
	m.mu.Unlock()
	if !ok && !cached {
		return model.NotFound("rule %s not found", id)
	}
	return nil
}

// toEvent flattens any Signal into the DomainEvent shape rules match on.
func toEvent(sig Signal) (DomainEvent, error) {
	switch s := sig.(type) {
	case DomainEvent:
		return s, nil
	case AnomalySignal:
		payload, err := json.Marshal(s.Anomaly)
		if err != nil {
			return DomainEvent{}, fmt.Errorf("marshal anomaly: %w", err)
		}
		labels := LabelMap{"severity": string(s.Severity)}
		if s.AffectedEndpoint != "" {
			labels["endpoint"] = s.AffectedEndpoint
		}
		return DomainEvent{
			TenantID:    s.AffectedTenant,
			EventType:   "anomaly." + string(s.Type),
			Source:      s.MetricName,
			Labels:      labels,
			Fingerprint: "anomaly|" + string(s.Type) + "|" + s.MetricName + "|" + string(s.Severity),
			Payload:     payload,
			At:          s.DetectedAt,
		}, nil
	default:
		return DomainEvent{}, fmt.Errorf("unsupported signal type %T", sig)
	}
}

func (r *Rule) matches(ev DomainEvent) bool {
	if r.EventType != ev.EventType {
		return false
	}
	if r.Source != "" && r.Source != ev.Source {
		return false
	}
	// events without a tenant are platform-wide and reach every tenant's rule
	if ev.TenantID != "" && r.TenantID != ev.TenantID {
		return false
	}
	for k, v := range r.Labels {
		if ev.Labels[k] != v {
			return false
		}
	}
	return true
}

// Required returns the number of events a rule needs, scaled by the learned multiplier.
func Required(threshold int, multiplier float64) int {
	n := int(math.Ceil(float64(threshold) * multiplier))
	if n < 1 {
		n = 1
	}
	return n
}

// Handle evaluates one signal. Learned thresholds are read from the snapshot carried by ctx.
func (m *Manager) Handle(ctx context.Context, sig Signal) ([]Firing, error) {
	ev, err := toEvent(sig)
	if err != nil {
		return nil, model.ValidationError("%v", err)
	}
	if ev.EventType == "" {
		return nil, model.ValidationError("event_type is required")
	}
	ev.Labels = NormalizeLabels(ev.Labels, m.aliasMap)
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	snap := learner.SnapshotFrom(ctx)
	fp := Fingerprint(ev)

	type pending struct {
		rule     Rule
		required int
	}
	var due []pending
	m.mu.Lock()
	for id, r := range m.rules {
		if !r.matches(ev) {
			continue
		}
		window := time.Duration(r.WindowSeconds) * time.Second
		kept := m.windows[id][:0]
		for _, t := range m.windows[id] {
			if ev.At.Sub(t) < window {
				kept = append(kept, t)
			}
		}
		kept = append(kept, ev.At)
		need := Required(r.Threshold, snap.Threshold(r.EventType))
		if len(kept) >= need {
			delete(m.windows, id)
			due = append(due, pending{rule: *r, required: need})
			continue
		}
		m.windows[id] = kept
	}
	m.mu.Unlock()

	// a rule that cannot be delivered is reported on its Firing; it never fails the signal
	firings := make([]Firing, 0, len(due))
	for _, p := range due {
		f, err := m.fire(ctx, p.rule, ev, fp, p.required)
		if err != nil {
			log.Error().Err(err).Str("rule_id", p.rule.ID).Str("tenant_id", p.rule.TenantID).Msg("fire rule")
			f = Firing{
				RuleID:      p.rule.ID,
				TenantID:    p.rule.TenantID,
				EventType:   p.rule.EventType,
				Required:    p.required,
				Fingerprint: fp,
				DeliveryIDs: []string{},
				Error:       errorMessage(err),
			}
		}
		firings = append(firings, f)
	}
	return firings, nil
}

func errorMessage(err error) string {
	var me *model.Error
	if errors.As(err, &me) {
		return me.Message
	}
	return err.Error()
}

func (m *Manager) fire(ctx context.Context, r Rule, ev DomainEvent, fp string, required int) (Firing, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(map[string]any{
		"rule":        r.Name,
		"severity":    r.Severity,
		"event_type":  ev.EventType,
		"source":      ev.Source,
		"labels":      ev.Labels,
		"occurred_at": ev.At.UTC(),
		"required":    required,
		"event":       payload,
	})
	if err != nil {
		return Firing{}, fmt.Errorf("marshal firing payload: %w", err)
	}
	res, err := m.enqueuer.Enqueue(ctx, delivery.EnqueueRequest{
		TenantID:    r.TenantID,
		RuleID:      r.ID,
		RuleName:    r.Name,
		EventType:   r.EventType,
		Fingerprint: fp,
		Payload:     body,
		Targets:     r.Targets(),
	})
	if err != nil {
		return Firing{}, err
	}
	f := Firing{RuleID: r.ID, TenantID: r.TenantID, EventType: r.EventType, Required: required, Fingerprint: fp, DeliveryIDs: []string{}}
	for _, d := range res.Created {
		f.DeliveryIDs = append(f.DeliveryIDs, d.ID)
	}
	for _, d := range res.Suppressed {
		f.SuppressedBy = append(f.SuppressedBy, d.ID)
	}
	log.Info().Str("rule_id", r.ID).Str("tenant_id", r.TenantID).Int("required", required).
		Int("deliveries", len(f.DeliveryIDs)).Int("suppressed", len(f.SuppressedBy)).Msg("rule fired")
	return f, nil
}

// Consume feeds detector incidents into Handle until ctx is done or the channel closes.
// snapshot is called per signal so every evaluation sees the latest learned thresholds.
func (m *Manager) Consume(ctx context.Context, signals <-chan anomaly.Anomaly, snapshot func() learner.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-signals:
			if !ok {
				return
			}
			sctx := learner.WithSnapshot(ctx, snapshot())
			if _, err := m.Handle(sctx, AnomalySignal{Anomaly: a}); err != nil {
				log.Warn().Err(err).Str("anomaly_id", a.ID).Msg("evaluate anomaly signal")
			}
		}
	}
}
