package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

// Engine is the only component that transitions Delivery.status.
type Engine struct {
	cfg      Config
	store    Store
	sender   Sender
	rules    RuleCatalog
	auditor  Auditor
	observer OutcomeObserver
	owner    string
	now      func() time.Time
	rnd      func() float64
}

type Deps struct {
	Store    Store
	Sender   Sender
	Rules    RuleCatalog
	Auditor  Auditor
	Observer OutcomeObserver
}

// NewEngine creates an engine over deps.Store. Zero Config fields fall back to DefaultConfig.
func NewEngine(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if deps.Sender == nil {
		deps.Sender = NewHTTPSender(nil, cfg.RatePerTarget, cfg.BearerToken)
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		sender:   deps.Sender,
		rules:    deps.Rules,
		auditor:  deps.Auditor,
		observer: deps.Observer,
		owner:    "worker-" + uuid.NewString()[:8],
		now:      time.Now,
	}
}

// SetRules wires the rule catalog after construction; the rule engine itself depends on Engine.
func (e *Engine) SetRules(r RuleCatalog) { e.rules = r }

// EnqueueRequest is one fired rule fanned out to its targets.
type EnqueueRequest struct {
	TenantID    string
	RuleID      string
	RuleName    string
	EventType   string
	Fingerprint string
	Payload     json.RawMessage
	Targets     []string
}

type EnqueueResult struct {
	EventID    string      `json:"event_id"`
	Created    []*Delivery `json:"created"`
	Suppressed []*Delivery `json:"suppressed"`
}

// DedupKey hashes (tenant, rule, target, fingerprint).
func DedupKey(tenant, rule, target, fingerprint string) string {
	sum := sha256.Sum256([]byte(tenant + "|" + rule + "|" + target + "|" + fingerprint))
	return hex.EncodeToString(sum[:])
}

// ResolveTarget accepts an absolute http(s) URL or a configured channel name.
func (e *Engine) ResolveTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", model.ValidationError("target is required")
	}
	if name, ok := strings.CutPrefix(target, "channel:"); ok {
		target = name
	}
	if u, ok := e.cfg.Channels[target]; ok {
		target = u
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", model.ValidationError("malformed target %q: expected an http(s) url or a configured channel", target)
	}
	return target, nil
}

// Enqueue records the alert event and creates one Delivery per target, suppressing duplicates.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.TenantID == "" || req.RuleID == "" {
		return nil, model.ValidationError("tenant_id and rule_id are required")
	}
	if len(req.Targets) == 0 {
		return nil, model.ValidationError("at least one target is required")
	}
	resolved := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		r, err := e.ResolveTarget(t)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, r)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}
	now := e.now().UTC()
	ev := &AlertEvent{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		RuleID:      req.RuleID,
		EventType:   req.EventType,
		Fingerprint: req.Fingerprint,
		Payload:     req.Payload,
		CreatedAt:   now,
	}
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return nil, model.Internal(err, "record alert event")
	}

	res := &EnqueueResult{EventID: ev.ID, Created: []*Delivery{}, Suppressed: []*Delivery{}}
	since := now.Add(-e.cfg.DedupWindow)
	for _, target := range resolved {
		d := &Delivery{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			RuleID:      req.RuleID,
			RuleName:    req.RuleName,
			EventID:     ev.ID,
			EventType:   req.EventType,
			Target:      target,
			Payload:     req.Payload,
			DedupKey:    DedupKey(req.TenantID, req.RuleID, target, req.Fingerprint),
			Status:      StatusQueued,
			MaxAttempts: e.cfg.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		created, existing, err := e.store.CreateIfAbsent(ctx, d, since)
		if err != nil {
			return nil, model.Internal(err, "create delivery")
		}
		if !created {
			suppressedTotal.Inc()
			log.Debug().Str("existing_id", existing.ID).Str("rule_id", req.RuleID).Str("target", target).Msg("delivery suppressed by dedup window")
			res.Suppressed = append(res.Suppressed, existing)
			continue
		}
		createdTotal.Inc()
		log.Info().Str("delivery_id", d.ID).Str("tenant_id", d.TenantID).Str("rule_id", d.RuleID).Str("target", target).Msg("delivery queued")
		res.Created = append(res.Created, d)
	}
	return res, nil
}

// CreateRequest is the body of a direct delivery creation.
type CreateRequest struct {
	TenantID    string          `json:"tenant_id"`
	RuleID      string          `json:"rule_id"`
	Target      string          `json:"target"`
	EventType   string          `json:"event_type"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
}

// Create validates the rule and target then enqueues a single delivery. The rule must belong to
// req.TenantID; event_type defaults to the rule's. A suppressed duplicate returns the live delivery
// with created=false.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Delivery, bool, error) {
	if req.TenantID == "" {
		return nil, false, model.ValidationError("tenant_id is required")
	}
	var (
		rule RuleInfo
		ok   bool
	)
	if e.rules != nil {
		rule, ok = e.rules.LookupRule(ctx, req.RuleID)
	}
	if !ok {
		return nil, false, model.ValidationError("unknown rule %q", req.RuleID)
	}
	if rule.TenantID != req.TenantID {
		return nil, false, model.ValidationError("rule %q does not belong to tenant %q", req.RuleID, req.TenantID)
	}
	switch {
	case req.EventType == "":
		req.EventType = rule.EventType
	case req.EventType != rule.EventType:
		return nil, false, model.ValidationError("event_type %q does not match rule event_type %q", req.EventType, rule.EventType)
	}
	res, err := e.Enqueue(ctx, EnqueueRequest{
		TenantID:    req.TenantID,
		RuleID:      req.RuleID,
		RuleName:    rule.Name,
		EventType:   req.EventType,
		Fingerprint: req.Fingerprint,
		Payload:     req.Payload,
		Targets:     []string{req.Target},
	})
	if err != nil {
		return nil, false, err
	}
	if len(res.Created) == 1 {
		return res.Created[0], true, nil
	}
	return res.Suppressed[0], false, nil
}

// Get returns a NotFound error for an unknown id.
func (e *Engine) Get(ctx context.Context, id string) (*Delivery, error) {
	d, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, model.NotFound("delivery %s not found", id)
	}
	if err != nil {
		return nil, model.Internal(err, "get delivery %s", id)
	}
	return d, nil
}

// Live lists the non-terminal queue.
func (e *Engine) Live(ctx context.Context, tenantID string, limit int) ([]*Delivery, int, error) {
	return e.List(ctx, ListFilter{TenantID: tenantID, Statuses: []Status{StatusQueued, StatusPending}, Limit: limit})
}

// List returns one page matching f together with the total number of matches.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]*Delivery, int, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, 0, model.ValidationError("unknown status %q", s)
		}
	}
	if f.Offset < 0 || f.Limit < 0 {
		return nil, 0, model.ValidationError("limit and offset must be non-negative")
	}
	items, total, err := e.store.List(ctx, f)
	if err != nil {
		return nil, 0, model.Internal(err, "list deliveries")
	}
	return items, total, nil
}

// ReplayCandidates lists terminal deliveries whose triage label recommends replay.
func (e *Engine) ReplayCandidates(ctx context.Context, tenantID string, limit int) ([]*Delivery, int, error) {
	return e.List(ctx, ListFilter{
		TenantID: tenantID,
		Statuses: []Status{StatusFailed, StatusDeadLetter},
		Labels:   []TriageLabel{TriageTransient, TriageRateLimited},
		Limit:    limit,
	})
}

// Actor identifies who requested an audited action.
type Actor struct {
	ID       string
	SourceIP string
}

// Replay copies a failed or dead-lettered delivery into a fresh queued one and audits the link.
func (e *Engine) Replay(ctx context.Context, id string, actor Actor) (*Delivery, error) {
	orig, err := e.Get(ctx, id)
	if err != nil {
		replaysTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !orig.Status.Replayable() {
		replaysTotal.WithLabelValues("rejected").Inc()
		return nil, model.ValidationError("delivery %s is %s; only failed or dead_letter deliveries can be replayed", id, orig.Status)
	}
	now := e.now().UTC()
	d := &Delivery{
		ID:          uuid.NewString(),
		TenantID:    orig.TenantID,
		RuleID:      orig.RuleID,
		RuleName:    orig.RuleName,
		EventID:     orig.EventID,
		EventType:   orig.EventType,
		Target:      orig.Target,
		Payload:     orig.Payload,
		DedupKey:    orig.DedupKey,
		Status:      StatusQueued,
		MaxAttempts: orig.MaxAttempts,
		ReplayOf:    orig.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, d); err != nil {
		return nil, model.Internal(err, "create replay of %s", id)
	}
	createdTotal.Inc()
	replaysTotal.WithLabelValues("ok").Inc()
	e.audit(ctx, audit.Entry{
		Actor:    actor.ID,
		Action:   "delivery.replay",
		TargetID: orig.ID,
		SourceIP: actor.SourceIP,
		Metadata: map[string]any{
			"original_id":  orig.ID,
			"new_id":       d.ID,
			"tenant_id":    orig.TenantID,
			"triage_label": string(orig.TriageLabel),
		},
	})
	log.Info().Str("original_id", orig.ID).Str("new_id", d.ID).Str("actor", actor.ID).Msg("delivery replayed")
	return d, nil
}

type ReplayResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	NewID string `json:"new_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BulkReplay replays each id independently; one failure never aborts the rest.
func (e *Engine) BulkReplay(ctx context.Context, ids []string, actor Actor) []ReplayResult {
	out := make([]ReplayResult, 0, len(ids))
	for _, id := range ids {
		d, err := e.Replay(ctx, id, actor)
		if err != nil {
			out = append(out, ReplayResult{ID: id, OK: false, Error: errorMessage(err)})
			continue
		}
		out = append(out, ReplayResult{ID: id, OK: true, NewID: d.ID})
	}
	return out
}

func errorMessage(err error) string {
	var me *model.Error
	if errors.As(err, &me) {
		return me.Message
	}
	return err.Error()
}

// apply moves d through the state machine for one finished attempt.
func (e *Engine) apply(d *Delivery, r Result, now time.Time) {
	d.Attempts++
	d.UpdatedAt = now
	d.LastStatus = r.StatusCode
	if r.OK() {
		d.Status = StatusDelivered
		d.NextRetryAt = nil
		d.LastError = ""
		d.TriageLabel = ""
		d.TriageReason = ""
		return
	}
	d.LastError = r.message()
	d.TriageLabel, d.TriageReason = Triage(r)
	switch {
	case d.Attempts >= d.MaxAttempts:
		d.Attempts = d.MaxAttempts
		d.Status = StatusDeadLetter
		d.NextRetryAt = nil
	case d.TriageLabel == TriagePermanent || d.TriageLabel == TriageAuthFailure:
		d.Status = StatusFailed
		d.NextRetryAt = nil
	default:
		wait := Backoff(d.Attempts, e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.Jitter, e.rnd)
		if r.RetryAfter > wait {
			wait = r.RetryAfter
		}
		next := now.Add(wait)
		d.Status = StatusPending
		d.NextRetryAt = &next
	}
}

func (e *Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Str("target_id", entry.TargetID).Msg("audit append failed")
	}
}

// afterTerminal reports terminal outcomes to the audit ledger and the learner.
func (e *Engine) afterTerminal(ctx context.Context, d *Delivery) {
	switch d.Status {
	case StatusDelivered:
		if e.observer != nil {
			e.observer.Observe(ctx, d.EventType, true, "delivery")
		}
	case StatusFailed, StatusDeadLetter:
		meta := map[string]any{
			"tenant_id":    d.TenantID,
			"rule_id":      d.RuleID,
			"attempts":     d.Attempts,
			"last_error":   d.LastError,
			"triage_label": string(d.TriageLabel),
		}
		if d.Status == StatusDeadLetter {
			exhausted := model.Exhausted("delivery %s gave up after %d attempts; replay required", d.ID, d.Attempts)
			meta["error_kind"] = string(model.KindExhausted)
			log.Warn().Err(exhausted).Str("tenant_id", d.TenantID).Str("triage_label", string(d.TriageLabel)).Msg("delivery dead-lettered")
		}
		e.audit(ctx, audit.Entry{
			Actor:    "delivery-engine",
			Action:   "delivery." + string(d.Status),
			TargetID: d.ID,
			Metadata: meta,
		})
		if e.observer != nil {
			e.observer.Observe(ctx, d.EventType, false, "delivery")
		}
	}
}
