package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
)

type funcSender func(ctx context.Context, d *Delivery) Result

func (f funcSender) Send(ctx context.Context, d *Delivery) Result { return f(ctx, d) }

type staticRules map[string]RuleInfo

func (r staticRules) LookupRule(ctx context.Context, id string) (RuleInfo, bool) {
	info, ok := r[id]
	return info, ok
}

type outcome struct {
	alertType string
	positive  bool
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []outcome
}

func (o *recordingObserver) Observe(ctx context.Context, alertType string, positive bool, source string) {
	o.mu.Lock()
	o.seen = append(o.seen, outcome{alertType, positive})
	o.mu.Unlock()
}

type harness struct {
	engine   *Engine
	store    *MemStore
	ledger   *audit.Ledger
	observer *recordingObserver
	clock    time.Time
	sends    int
}

func newHarness(t *testing.T, send func(n int, d *Delivery) Result) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemStore(),
		ledger:   audit.NewLedger(audit.NewMemStore()),
		observer: &recordingObserver{},
		clock:    time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	sender := funcSender(func(ctx context.Context, d *Delivery) Result {
		mu.Lock()
		h.sends++
		n := h.sends
		mu.Unlock()
		return send(n, d)
	})
	cfg := DefaultConfig()
	cfg.Channels = map[string]string{"ops": "https://hooks.example.com/ops"}
	h.engine = NewEngine(cfg, Deps{
		Store:    h.store,
		Sender:   sender,
		Rules: staticRules{
			"rule-1": {Name: "cpu-high", TenantID: "t1", EventType: "cpu_high"},
			"rule-2": {Name: "disk-full", TenantID: "t2", EventType: "disk_full"},
		},
		Auditor:  h.ledger,
		Observer: h.observer,
	})
	h.engine.now = func() time.Time { return h.clock }
	h.engine.rnd = func() float64 { return 0.5 }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) enqueue(t *testing.T, fingerprint string) *EnqueueResult {
	t.Helper()
	res, err := h.engine.Enqueue(context.Background(), EnqueueRequest{
		TenantID:    "t1",
		RuleID:      "rule-1",
		RuleName:    "cpu-high",
		EventType:   "cpu_high",
		Fingerprint: fingerprint,
		Payload:     json.RawMessage(`{"value":97}`),
		Targets:     []string{"http://hook.example.com/a"},
	})
	require.NoError(t, err)
	return res
}

func (h *harness) auditActions(t *testing.T) []string {
	t.Helper()
	recs, err := h.ledger.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Action)
	}
	return out
}

func assertInvariant(t *testing.T, d *Delivery, lastFailed bool) {
	t.Helper()
	assert.LessOrEqual(t, d.Attempts, d.MaxAttempts)
	dead := d.Attempts == d.MaxAttempts && lastFailed
	assert.Equal(t, dead, d.Status == StatusDeadLetter, "dead_letter iff attempts=max and last failed: %+v", d)
}

func TestEngine_FiveServiceUnavailableEndsInDeadLetter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 503} })
	id := h.enqueue(t, "fp").Created[0].ID

	for i := 1; i <= 5; i++ {
		n, err := h.engine.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i)
		d, err := h.engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, d.Attempts)
		assertInvariant(t, d, true)
		if i < 5 {
			assert.Equal(t, StatusPending, d.Status)
			require.NotNil(t, d.NextRetryAt)
			assert.Equal(t, h.clock.Add(Backoff(i, 5*time.Second, 10*time.Minute, 0.2, func() float64 { return 0.5 })), *d.NextRetryAt)
			// not due yet
			n, err := h.engine.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		}
		h.advance(time.Hour)
	}

	d, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, d.Status)
	assert.Equal(t, 5, d.Attempts)
	assert.Equal(t, TriageTransient, d.TriageLabel)
	assert.Nil(t, d.NextRetryAt)

	cands, total, err := h.engine.ReplayCandidates(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, id, cands[0].ID)

	n, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "dead letters are never attempted again")
	assert.Equal(t, []string{"delivery.dead_letter"}, h.auditActions(t))
	assert.Equal(t, []outcome{{"cpu_high", false}}, h.observer.seen)

	recs, err := h.ledger.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(model.KindExhausted), recs[0].Metadata["error_kind"])
}

func TestEngine_SuccessAfterRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(n int, _ *Delivery) Result {
		if n == 1 {
			return Result{Err: context.DeadlineExceeded}
		}
		return Result{StatusCode: 204}
	})
	id := h.enqueue(t, "fp").Created[0].ID

	_, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	d, _ := h.engine.Get(ctx, id)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, TriageTransient, d.TriageLabel)

	h.advance(time.Minute)
	_, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	d, _ = h.engine.Get(ctx, id)
	assert.Equal(t, StatusDelivered, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Empty(t, d.LastError)
	assertInvariant(t, d, false)
	assert.Equal(t, []outcome{{"cpu_high", true}}, h.observer.seen)
	assert.Empty(t, h.auditActions(t))
}

func TestEngine_PermanentFailuresStopEarly(t *testing.T) {
	tests := []struct {
		code  int
		label TriageLabel
	}{
		{404, TriagePermanent},
		{401, TriageAuthFailure},
		{403, TriageAuthFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.label), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: tt.code} })
			id := h.enqueue(t, "fp").Created[0].ID
			_, err := h.engine.RunOnce(ctx)
			require.NoError(t, err)

			d, _ := h.engine.Get(ctx, id)
			assert.Equal(t, StatusFailed, d.Status)
			assert.Equal(t, 1, d.Attempts)
			assert.Equal(t, tt.label, d.TriageLabel)
			assertInvariant(t, d, true)
			assert.Equal(t, []string{"delivery.failed"}, h.auditActions(t))

			cands, _, err := h.engine.ReplayCandidates(ctx, "", 0)
			require.NoError(t, err)
			assert.Empty(t, cands)
		})
	}
}

func TestEngine_RetryAfterExtendsBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 429, RetryAfter: 2 * time.Minute} })
	id := h.enqueue(t, "fp").Created[0].ID
	_, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)

	d, _ := h.engine.Get(ctx, id)
	assert.Equal(t, TriageRateLimited, d.TriageLabel)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, h.clock.Add(2*time.Minute), *d.NextRetryAt)
}

func TestEngine_DedupWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 404} })

	first := h.enqueue(t, "fp")
	second := h.enqueue(t, "fp")
	require.Len(t, first.Created, 1)
	assert.Empty(t, second.Created)
	require.Len(t, second.Suppressed, 1)
	assert.Equal(t, first.Created[0].ID, second.Suppressed[0].ID)

	other := h.enqueue(t, "other-fp")
	assert.Len(t, other.Created, 1)

	live, total, err := h.engine.Live(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, live, 2)

	// a terminal delivery no longer suppresses
	_, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	third := h.enqueue(t, "fp")
	assert.Len(t, third.Created, 1)

	// outside the window a live one does not suppress either
	h.advance(301 * time.Second)
	h2 := h.enqueue(t, "fp")
	assert.Len(t, h2.Created, 1)
}

func TestEngine_DedupConcurrentEnqueue(t *testing.T) {
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 200} })
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Enqueue(context.Background(), EnqueueRequest{
				TenantID: "t1", RuleID: "rule-1", EventType: "cpu_high", Fingerprint: "same",
				Targets: []string{"http://hook.example.com/a"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, total, err := h.engine.Live(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestEngine_Replay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 500} })
	h.engine.cfg.MaxAttempts = 1
	orig := h.enqueue(t, "fp").Created[0]
	assert.Equal(t, 1, orig.MaxAttempts)

	_, err := h.engine.Replay(ctx, orig.ID, Actor{ID: "alice"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation), "queued delivery is not replayable")

	_, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	before := len(h.auditActions(t))

	fresh, err := h.engine.Replay(ctx, orig.ID, Actor{ID: "alice", SourceIP: "10.0.0.9"})
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, fresh.ID)
	assert.Equal(t, 0, fresh.Attempts)
	assert.Equal(t, StatusQueued, fresh.Status)
	assert.Equal(t, orig.ID, fresh.ReplayOf)
	assert.Equal(t, orig.Target, fresh.Target)
	assert.JSONEq(t, `{"value":97}`, string(fresh.Payload))

	recs, err := h.ledger.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, before+1)
	assert.Equal(t, "delivery.replay", recs[0].Action)
	assert.Equal(t, "alice", recs[0].Actor)
	assert.Equal(t, orig.ID, recs[0].Metadata["original_id"])
	assert.Equal(t, fresh.ID, recs[0].Metadata["new_id"])

	_, err = h.engine.Replay(ctx, "missing", Actor{ID: "alice"})
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestEngine_BulkReplayPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 400} })
	a := h.enqueue(t, "a").Created[0].ID
	b := h.enqueue(t, "b").Created[0].ID
	_, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)

	res := h.engine.BulkReplay(ctx, []string{a, "nope", b}, Actor{ID: "op"})
	require.Len(t, res, 3)
	assert.True(t, res[0].OK)
	assert.NotEmpty(t, res[0].NewID)
	assert.False(t, res[1].OK)
	assert.NotEmpty(t, res[1].Error)
	assert.True(t, res[2].OK)
}

func TestEngine_ReclaimsAbandonedLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 200} })
	id := h.enqueue(t, "fp").Created[0].ID

	// a previous process claimed and crashed
	claimed, reclaimed, err := h.store.Claim(ctx, id, "dead-worker", h.clock, h.clock.Add(20*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.False(t, reclaimed)

	n, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live lease must not be taken over")

	h.advance(time.Minute)
	_, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	d, _ := h.engine.Get(ctx, id)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, StatusPending, d.Status)
	assert.Contains(t, d.LastError, "abandoned")
	assert.Equal(t, 0, h.sends, "abandoned attempts are not resent in the same pass")
	assert.Empty(t, d.LeaseOwner)

	// the stale owner can no longer complete
	claimed.Status = StatusDelivered
	ok, err := h.store.Complete(ctx, claimed, "dead-worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStore_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()
	require.NoError(t, s.Create(ctx, &Delivery{ID: "d1", Status: StatusQueued, MaxAttempts: 5, CreatedAt: now}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := s.Claim(ctx, "d1", "w"+string(rune('a'+i)), now, now.Add(time.Minute))
			assert.NoError(t, err)
			if d != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestEngine_CreateValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 200} })

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown rule", CreateRequest{TenantID: "t1", RuleID: "nope", Target: "http://x.example.com"}},
		{"malformed target", CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "not a url"}},
		{"relative target", CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "/hook"}},
		{"missing tenant", CreateRequest{RuleID: "rule-1", Target: "http://x.example.com"}},
		{"unknown channel", CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "channel:pager"}},
		{"rule of another tenant", CreateRequest{TenantID: "t1", RuleID: "rule-2", Target: "http://x.example.com"}},
		{"event type differs from rule", CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "http://x.example.com", EventType: "disk_full"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.engine.Create(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, model.KindValidation, model.KindOf(err))
		})
	}

	d, created, err := h.engine.Create(ctx, CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "channel:ops", EventType: "cpu_high"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "https://hooks.example.com/ops", d.Target)
	assert.Equal(t, "cpu-high", d.RuleName)
	assert.Equal(t, "cpu_high", d.EventType)

	again, created, err := h.engine.Create(ctx, CreateRequest{TenantID: "t1", RuleID: "rule-1", Target: "ops", EventType: "cpu_high"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, again.ID)
}

func TestEngine_CreateDefaultsEventTypeFromRule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 200} })

	d, created, err := h.engine.Create(ctx, CreateRequest{TenantID: "t2", RuleID: "rule-2", Target: "http://x.example.com/hook"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "disk_full", d.EventType)

	_, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, h.observer.seen, 1)
	assert.Equal(t, outcome{"disk_full", true}, h.observer.seen[0], "the learner is credited under the rule's event type")
}

func TestEngine_ListHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(int, *Delivery) Result { return Result{StatusCode: 200} })
	for _, fp := range []string{"a", "b", "c"} {
		h.enqueue(t, fp)
		h.advance(time.Second)
	}
	items, total, err := h.engine.List(ctx, ListFilter{TenantID: "t1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.True(t, items[0].CreatedAt.After(items[1].CreatedAt))

	_, _, err = h.engine.List(ctx, ListFilter{Statuses: []Status{"bogus"}})
	assert.True(t, model.IsKind(err, model.KindValidation))
}
