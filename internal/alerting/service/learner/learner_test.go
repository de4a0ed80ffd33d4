package learner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)} }

func newTestLearner(t *testing.T) (*Learner, *audit.Ledger, *fakeClock) {
	t.Helper()
	ledger := audit.NewLedger(audit.NewMemStore())
	l := New(DefaultConfig(), ledger)
	clk := newClock()
	l.now = clk.now
	return l, ledger, clk
}

func feed(t *testing.T, l *Learner, alertType string, positives, negatives int) State {
	t.Helper()
	var st State
	var err error
	for i := 0; i < positives; i++ {
		st, err = l.Record(context.Background(), Feedback{AlertType: alertType, Positive: true})
		require.NoError(t, err)
	}
	for i := 0; i < negatives; i++ {
		st, err = l.Record(context.Background(), Feedback{AlertType: alertType, Positive: false})
		require.NoError(t, err)
	}
	return st
}

func TestLearner_RaisesThresholdBelowFloor(t *testing.T) {
	l, ledger, _ := newTestLearner(t)

	st := feed(t, l, "service_unhealthy", 2, 3)
	assert.Equal(t, 1.25, st.CurrentThreshold)
	assert.Equal(t, 2, st.PositiveFeedback)
	assert.Equal(t, 3, st.NegativeFeedback)
	assert.Equal(t, 40.0, st.SuccessRates.Day)

	recs, err := ledger.List(context.Background(), audit.Filter{Action: "learner.threshold_adjusted"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "service_unhealthy", recs[0].TargetID)
	assert.Equal(t, 1.25, l.Snapshot().Threshold("service_unhealthy"))
}

func TestLearner_CooldownLimitsAdjustments(t *testing.T) {
	l, ledger, clk := newTestLearner(t)

	feed(t, l, "x", 0, 5)
	st := feed(t, l, "x", 0, 5)
	assert.Equal(t, 1.25, st.CurrentThreshold, "second adjustment must wait for cooldown")

	clk.advance(61 * time.Minute)
	st = feed(t, l, "x", 0, 1)
	assert.Equal(t, 1.5, st.CurrentThreshold)

	recs, err := ledger.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLearner_LowersThresholdWhenSustained(t *testing.T) {
	l, _, _ := newTestLearner(t)

	st := feed(t, l, "disk_full", 20, 0)
	assert.Equal(t, 0.75, st.CurrentThreshold)
	assert.Equal(t, 100.0, st.SuccessRates.Week)
	assert.True(t, st.AutoActionEligible)
}

func TestLearner_ClampAndEligibility(t *testing.T) {
	l, _, clk := newTestLearner(t)

	var st State
	for i := 0; i < 20; i++ {
		st = feed(t, l, "flappy", 0, 5)
		clk.advance(2 * time.Hour)
	}
	assert.Equal(t, 4.0, st.CurrentThreshold)
	assert.False(t, st.AutoActionEligible)
	assert.False(t, l.Snapshot().AutoActionEligible("flappy"))
	assert.True(t, l.Snapshot().AutoActionEligible("unknown"))

	l2, _, clk2 := newTestLearner(t)
	for i := 0; i < 20; i++ {
		st = feed(t, l2, "calm", 10, 0)
		clk2.advance(2 * time.Hour)
	}
	assert.Equal(t, 0.5, st.CurrentThreshold)
}

func TestLearner_RetentionWindows(t *testing.T) {
	l, _, clk := newTestLearner(t)

	feed(t, l, "lag", 0, 1)
	clk.advance(2 * time.Hour)
	st := feed(t, l, "lag", 1, 0)
	assert.Equal(t, 100.0, st.SuccessRates.Hour)
	assert.Equal(t, 50.0, st.SuccessRates.Day)

	clk.advance(8 * 24 * time.Hour)
	st = feed(t, l, "lag", 1, 0)
	assert.Equal(t, 1, st.RetainedFeedback)
	assert.Equal(t, 2, st.PositiveFeedback)
	assert.Equal(t, 1, st.NegativeFeedback)
}

func TestLearner_Validation(t *testing.T) {
	l, _, _ := newTestLearner(t)
	_, err := l.Record(context.Background(), Feedback{AlertType: "  "})
	require.Error(t, err)
}

func TestSnapshot_Context(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 1.0, SnapshotFrom(ctx).Threshold("any"))

	l, _, _ := newTestLearner(t)
	feed(t, l, "a", 0, 5)
	snap := l.Snapshot()
	ctx = WithSnapshot(ctx, snap)
	feed(t, l, "b", 0, 5)

	got := SnapshotFrom(ctx)
	assert.Equal(t, 1.25, got.Threshold("a"))
	assert.Equal(t, 1.0, got.Threshold("b"), "snapshot must not observe later changes")
}
