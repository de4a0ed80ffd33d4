package learner

import "context"

// Snapshot is an immutable view of learned thresholds handed to evaluators.
type Snapshot struct {
	def        float64
	thresholds map[string]float64
	ineligible map[string]bool
}

// Threshold returns the multiplier for alertType, or the default when none was learned.
func (s Snapshot) Threshold(alertType string) float64 {
	if v, ok := s.thresholds[alertType]; ok {
		return v
	}
	if s.def <= 0 {
		return 1.0
	}
	return s.def
}

// AutoActionEligible reports whether automatic remediation is allowed for alertType.
func (s Snapshot) AutoActionEligible(alertType string) bool {
	return !s.ineligible[alertType]
}

type snapshotKey struct{}

func WithSnapshot(ctx context.Context, s Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, s)
}

// SnapshotFrom returns the snapshot carried by ctx, or a default one.
func SnapshotFrom(ctx context.Context) Snapshot {
	if s, ok := ctx.Value(snapshotKey{}).(Snapshot); ok {
		return s
	}
	return Snapshot{def: 1.0}
}
