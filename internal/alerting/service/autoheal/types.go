package autoheal

import (
	"context"
	"time"

	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
)

// AlertType is the learner key for unhealthy-service auto actions.
const AlertType = "service_unhealthy"

type Action string

const (
	ActionRestartHint Action = "restart_hint"
	ActionReregister  Action = "reregister"
	ActionAlertOnly   Action = "alert_only"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRestartHint, ActionReregister, ActionAlertOnly:
		return true
	}
	return false
}

// Attempt is one HealingAttempt. Attempts are only ever appended.
type Attempt struct {
	Service   string    `json:"service"`
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Msg       string    `json:"msg"`
	Timestamp time.Time `json:"timestamp"`
}

type ProbeStatus string

const (
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeUnhealthy ProbeStatus = "unhealthy"
)

// ProbeResult is the outcome of one health check.
type ProbeResult struct {
	Service    string      `json:"-"`
	Status     ProbeStatus `json:"status"`
	HTTPStatus int         `json:"http_status,omitempty"`
	URL        string      `json:"url"`
	Error      string      `json:"error,omitempty"`
}

func (p ProbeResult) Healthy() bool { return p.Status == ProbeHealthy }

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status   string                 `json:"status"`
	Services map[string]ProbeResult `json:"services"`
}

type Stats struct {
	TotalAttempts int            `json:"total_attempts"`
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	SuccessRate   float64        `json:"success_rate"`
	Services      map[string]int `json:"services"`
	MostHealed    string         `json:"most_healed,omitempty"`
}

type Report struct {
	LastRun  time.Time `json:"last_run"`
	Attempts []Attempt `json:"attempts"`
}

type Status struct {
	Watching        []string `json:"watching"`
	IntervalSeconds float64  `json:"interval_seconds"`
	LastReport      Report   `json:"last_report"`
}

// ServiceSource is the registry view the loop needs.
type ServiceSource interface {
	List(ctx context.Context) ([]registry.Service, error)
	Get(ctx context.Context, name string) (*registry.Service, error)
	Touch(ctx context.Context, name string) (*registry.Service, error)
}

// Signaler receives the alert raised by alert_only remediations.
type Signaler interface {
	Handle(ctx context.Context, sig ruleset.Signal) ([]ruleset.Firing, error)
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (*audit.Record, error)
}

// FeedbackSink receives healing outcomes.
type FeedbackSink interface {
	Observe(ctx context.Context, alertType string, positive bool, source string)
}

type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	HistoryCap       int
	Concurrency      int
	FailureThreshold int // consecutive failed probes before remediating, scaled by the learned multiplier
	ObservationTime  time.Duration
	RestartHookURL   string
	DefaultAction    Action
	Policies         map[string]Action
	AlertTenant      string
}

func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     3 * time.Second,
		HistoryCap:       50,
		Concurrency:      8,
		FailureThreshold: 1,
		ObservationTime:  10 * time.Minute,
		DefaultAction:    ActionReregister,
		Policies:         map[string]Action{},
		AlertTenant:      "platform",
	}
}

// ActionFor returns the per-service policy, falling back to the default.
func (c Config) ActionFor(service string) Action {
	if a, ok := c.Policies[service]; ok && a.Valid() {
		return a
	}
	if c.DefaultAction.Valid() {
		return c.DefaultAction
	}
	return ActionAlertOnly
}
