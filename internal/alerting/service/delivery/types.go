package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDeadLetter
}

// Replayable reports whether Replay accepts a delivery in this status.
func (s Status) Replayable() bool {
	return s == StatusFailed || s == StatusDeadLetter
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusPending, StatusDelivered, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

type TriageLabel string

const (
	TriageTransient   TriageLabel = "transient_endpoint_down"
	TriageRateLimited TriageLabel = "rate_limited"
	TriagePermanent   TriageLabel = "permanent_4xx"
	TriageAuthFailure TriageLabel = "auth_failure"
	TriageUnknown     TriageLabel = "unknown"
)

// SafeToReplay reports whether the label recommends replay. It never triggers one.
func (l TriageLabel) SafeToReplay() bool {
	return l == TriageTransient || l == TriageRateLimited
}

// AlertEvent is the immutable record of one rule firing.
type AlertEvent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	RuleID      string          `json:"rule_id"`
	EventType   string          `json:"event_type"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Delivery is one addressed notification and its retry state.
type Delivery struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	RuleID       string          `json:"rule_id"`
	RuleName     string          `json:"rule_name"`
	EventID      string          `json:"event_id,omitempty"`
	EventType    string          `json:"event_type"`
	Target       string          `json:"target"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DedupKey     string          `json:"-"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	LastStatus   int             `json:"last_http_status,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	TriageLabel  TriageLabel     `json:"triage_label,omitempty"`
	TriageReason string          `json:"triage_reason,omitempty"`
	ReplayOf     string          `json:"replay_of,omitempty"`
	LeaseOwner   string          `json:"-"`
	LeaseUntil   *time.Time      `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (d *Delivery) clone() *Delivery {
	c := *d
	if d.Payload != nil {
		c.Payload = append(json.RawMessage(nil), d.Payload...)
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.LeaseUntil != nil {
		t := *d.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}

// ListFilter selects deliveries; empty fields match everything.
type ListFilter struct {
	TenantID string
	Statuses []Status
	Labels   []TriageLabel
	Limit    int
	Offset   int
}

var ErrNotFound = errors.New("delivery not found")

// Store persists deliveries. Claim and Complete are compare-and-swap on the lease.
type Store interface {
	CreateEvent(ctx context.Context, ev *AlertEvent) error
	Create(ctx context.Context, d *Delivery) error
	// CreateIfAbsent inserts d unless a non-terminal delivery with the same DedupKey
	// was created at or after since; then it returns that delivery instead.
	CreateIfAbsent(ctx context.Context, d *Delivery, since time.Time) (bool, *Delivery, error)
	Get(ctx context.Context, id string) (*Delivery, error)
	List(ctx context.Context, f ListFilter) ([]*Delivery, int, error)
	// Due returns non-terminal deliveries ready for an attempt: unleased and due, or holding an expired lease.
	Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	// Claim leases id to owner if it is still due. reclaimed is true when an expired lease was taken over.
	Claim(ctx context.Context, id, owner string, now, until time.Time) (d *Delivery, reclaimed bool, err error)
	// Complete writes d and clears the lease if owner still holds it.
	Complete(ctx context.Context, d *Delivery, owner string) (bool, error)
}

// RuleInfo is the part of a live rule the engine validates against.
type RuleInfo struct {
	Name      string
	TenantID  string
	EventType string
}

// RuleCatalog resolves rule ids for creation validation.
type RuleCatalog interface {
	LookupRule(ctx context.Context, ruleID string) (RuleInfo, bool)
}

// OutcomeObserver receives terminal outcomes keyed by event type.
type OutcomeObserver interface {
	Observe(ctx context.Context, alertType string, positive bool, source string)
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (*audit.Record, error)
}

// Config tunes the state machine and the scheduler.
type Config struct {
	MaxAttempts    int
	DedupWindow    time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	Batch          int
	Workers        int
	RatePerTarget  float64
	Channels       map[string]string
	BearerToken    string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		DedupWindow:    300 * time.Second,
		BackoffBase:    5 * time.Second,
		BackoffMax:     10 * time.Minute,
		Jitter:         0.2,
		AttemptTimeout: 5 * time.Second,
		PollInterval:   time.Second,
		Batch:          100,
		Workers:        8,
	}
}

func (c Config) leaseTTL() time.Duration {
	return 2*c.AttemptTimeout + 10*time.Second
}
