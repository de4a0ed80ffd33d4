package anomaly

import (
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Ordinal orders severities info < warning < critical. Unknown values sort below info.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// ParseSeverity accepts the empty string as info.
func ParseSeverity(s string) (Severity, bool) {
	if s == "" {
		return SeverityInfo, true
	}
	v := Severity(s)
	return v, v.Ordinal() >= 0
}

type Type string

const (
	TypeSpike           Type = "spike"
	TypeDrop            Type = "drop"
	TypeErrorRate       Type = "error_rate"
	TypeTenantIsolation Type = "tenant_isolation"
)

// MetricKind decides which Type a deviating metric reports.
type MetricKind string

const (
	KindGauge           MetricKind = "gauge"
	KindErrorRate       MetricKind = "error_rate"
	KindTenantIsolation MetricKind = "tenant_isolation"
)

type Anomaly struct {
	ID               string    `json:"id"`
	Type             Type      `json:"type"`
	Severity         Severity  `json:"severity"`
	MetricName       string    `json:"metric_name"`
	BaselineValue    float64   `json:"baseline_value"`
	CurrentValue     float64   `json:"current_value"`
	DeltaPercent     float64   `json:"delta_percent"`
	AffectedTenant   string    `json:"affected_tenant,omitempty"`
	AffectedEndpoint string    `json:"affected_endpoint,omitempty"`
	Message          string    `json:"message"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Sample is one observation of a metric.
type Sample struct {
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	At       time.Time `json:"at"`
	Tenant   string    `json:"tenant,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
}

// MetricSpec configures a tracked metric. Untracked metrics are added as gauges on first sample.
type MetricSpec struct {
	Name     string
	Kind     MetricKind
	Ceiling  float64
	Tenant   string
	Endpoint string
}

type Config struct {
	BaselineWindow   time.Duration
	CurrentWindow    time.Duration
	WindowCapacity   int
	MinSamples       int
	WarningPercent   float64
	CriticalPercent  float64
	IncidentCapacity int
	IncidentTTL      time.Duration
	SignalBuffer     int
	MaxMetrics       int
	Metrics          []MetricSpec
}

func DefaultConfig() Config {
	return Config{
		BaselineWindow:   time.Hour,
		CurrentWindow:    5 * time.Minute,
		WindowCapacity:   720,
		MinSamples:       3,
		WarningPercent:   100,
		CriticalPercent:  300,
		IncidentCapacity: 500,
		IncidentTTL:      time.Hour,
		SignalBuffer:     1024,
		MaxMetrics:       10000,
	}
}

type Summary struct {
	TotalIncidents    int `json:"total_incidents"`
	CriticalIncidents int `json:"critical_incidents"`
	WarningIncidents  int `json:"warning_incidents"`
}
