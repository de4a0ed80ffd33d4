package ruleset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
)

// LabelMap is a normalized set of label key-value pairs (see normalize.go).
type LabelMap map[string]string

// Template is a tenant-agnostic rule definition from the catalog.
type Template struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	EventType     string   `yaml:"event_type" json:"event_type"`
	Source        string   `yaml:"source,omitempty" json:"source,omitempty"`
	Severity      string   `yaml:"severity" json:"severity"`
	WindowSeconds int      `yaml:"window_seconds" json:"window_seconds"`
	Threshold     int      `yaml:"threshold" json:"threshold"` // events required inside the window
	TargetWebhook string   `yaml:"target_webhook,omitempty" json:"target_webhook,omitempty"`
	TargetChannel string   `yaml:"target_channel,omitempty" json:"target_channel,omitempty"`
	TenantID      string   `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	Labels        LabelMap `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Targets returns the delivery targets of the template, webhook first.
func (t Template) Targets() []string {
	var out []string
	if t.TargetWebhook != "" {
		out = append(out, t.TargetWebhook)
	}
	if t.TargetChannel != "" {
		out = append(out, "channel:"+t.TargetChannel)
	}
	return out
}

// Rule is a template materialized for one tenant.
type Rule struct {
	Template
	TemplateID string    `json:"template_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists live rules.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	// GetRule returns nil, nil when the rule does not exist.
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
}

// Signal is the closed set of inputs the engine evaluates: DomainEvent or AnomalySignal.
type Signal interface {
	isSignal()
}

// DomainEvent is a raw operational or business event.
type DomainEvent struct {
	TenantID    string          `json:"tenant_id"`
	EventType   string          `json:"event_type"`
	Source      string          `json:"source,omitempty"`
	Labels      LabelMap        `json:"labels,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at,omitempty"`
}

// AnomalySignal wraps a detector incident.
type AnomalySignal struct {
	anomaly.Anomaly
}

func (DomainEvent) isSignal()   {}
func (AnomalySignal) isSignal() {}

// Enqueuer hands fired rules to the delivery engine. ResolveTarget lets Materialize reject
// targets the engine could never deliver to.
type Enqueuer interface {
	Enqueue(ctx context.Context, req delivery.EnqueueRequest) (*delivery.EnqueueResult, error)
	ResolveTarget(target string) (string, error)
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (*audit.Record, error)
}

// Firing describes one rule that reached its threshold.
type Firing struct {
	RuleID       string   `json:"rule_id"`
	TenantID     string   `json:"tenant_id"`
	EventType    string   `json:"event_type"`
	Required     int      `json:"required"`
	Fingerprint  string   `json:"fingerprint"`
	DeliveryIDs  []string `json:"delivery_ids"`
	SuppressedBy []string `json:"suppressed_by,omitempty"`
	Error        string   `json:"error,omitempty"` // set when no delivery could be enqueued
}
