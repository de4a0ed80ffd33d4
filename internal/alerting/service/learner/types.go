package learner

import (
	"context"
	"time"

	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

// Config bounds the threshold multiplier and the adjustment policy. Rates are percentages.
type Config struct {
	DefaultThreshold float64
	MinThreshold     float64
	MaxThreshold     float64
	Step             float64
	FloorPercent     float64
	CeilingPercent   float64
	MinSamples       int
	Cooldown         time.Duration
	MaxFeedback      int
}

func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 1.0,
		MinThreshold:     0.5,
		MaxThreshold:     4.0,
		Step:             0.25,
		FloorPercent:     80,
		CeilingPercent:   95,
		MinSamples:       5,
		Cooldown:         time.Hour,
		MaxFeedback:      10000,
	}
}

// Feedback is one outcome or operator judgement for an alert type.
type Feedback struct {
	AlertType string    `json:"alert_type"`
	Positive  bool      `json:"positive"`
	Source    string    `json:"source"` // operator | delivery | autoheal
	At        time.Time `json:"at"`
}

type SuccessRates struct {
	Hour float64 `json:"1h"`
	Day  float64 `json:"24h"`
	Week float64 `json:"7d"`
}

// State is the read model of one alert type.
type State struct {
	AlertType          string       `json:"alert_type"`
	CurrentThreshold   float64      `json:"current_threshold"`
	PositiveFeedback   int          `json:"positive_feedback"`
	NegativeFeedback   int          `json:"negative_feedback"`
	SuccessRates       SuccessRates `json:"success_rates"`
	AutoActionEligible bool         `json:"auto_action_eligible"`
	RetainedFeedback   int          `json:"retained_feedback"`
	LastAdjustedAt     *time.Time   `json:"last_adjusted_at,omitempty"`
}

// Auditor is the slice of the audit ledger the learner writes to.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (*audit.Record, error)
}
