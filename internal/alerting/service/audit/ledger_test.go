package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

func newTestLedger() (*Ledger, *MemStore) {
	store := NewMemStore()
	l := NewLedger(store)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l, store
}

func TestLedger_AppendLinksRecords(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	first, err := l.Append(ctx, Entry{Actor: "alice", Action: "delivery.replay", TargetID: "d-1", Metadata: map[string]any{"tenant_id": "t1"}})
	require.NoError(t, err)
	second, err := l.Append(ctx, Entry{Action: "learner.adjust"})
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.RecordHash, second.PrevHash)
	assert.Equal(t, "system", second.Actor)
	assert.Len(t, first.RecordHash, 64)
	assert.NotEqual(t, first.RecordHash, second.RecordHash)
}

func TestLedger_AppendRequiresAction(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.Append(context.Background(), Entry{Actor: "bob"})
	require.Error(t, err)
}

func TestLedger_VerifyUntouched(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.TotalEntries)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Entry{Actor: "op", Action: "autoheal.remediate", Metadata: map[string]any{"i": i}})
		require.NoError(t, err)
	}
	res, err = l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 5, res.TotalEntries)
	assert.Nil(t, res.FirstInvalidIndex)
}

func TestLedger_VerifyDetectsTamper(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"metadata", func(r *Record) { r.Metadata["i"] = 99 }},
		{"actor", func(r *Record) { r.Actor = "mallory" }},
		{"action", func(r *Record) { r.Action = "delivery.delete" }},
		{"timestamp", func(r *Record) { r.CreatedAt = r.CreatedAt.Add(time.Second) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			l, store := newTestLedger()
			for i := 0; i < 4; i++ {
				_, err := l.Append(ctx, Entry{Actor: "op", Action: "autoheal.remediate", Metadata: map[string]any{"i": i}})
				require.NoError(t, err)
			}
			tc.mutate(store.records[2])

			res, err := l.Verify(ctx)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			require.NotNil(t, res.FirstInvalidIndex)
			assert.Equal(t, 2, *res.FirstInvalidIndex)
			assert.Equal(t, 4, res.TotalEntries)
			require.NotNil(t, res.Error)
			assert.Equal(t, model.KindChainTamper, res.Error.Kind)
		})
	}
}

func TestLedger_VerifyDetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Entry{Action: "x"})
		require.NoError(t, err)
	}
	store.records[1].PrevHash = GenesisHash

	res := VerifyChain(store.records)
	require.False(t, res.Valid)
	assert.Equal(t, 1, *res.FirstInvalidIndex)
}

func TestLedger_ListFiltersTenantNewestFirst(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	for _, tenant := range []string{"a", "b", "a", "a"} {
		_, err := l.Append(ctx, Entry{Action: "delivery.replay", Metadata: map[string]any{"tenant_id": tenant}})
		require.NoError(t, err)
	}

	recs, err := l.List(ctx, Filter{Tenant: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].CreatedAt.After(recs[1].CreatedAt))

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemStore_ReturnsIsolatedMetadata(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	meta := map[string]any{"tenant_id": "t1", "detail": map[string]any{"attempts": 3}}
	rec, err := l.Append(ctx, Entry{Actor: "op", Action: "delivery.replay", Metadata: meta})
	require.NoError(t, err)

	meta["tenant_id"] = "changed-by-caller"
	rec.Metadata["tenant_id"] = "changed-by-caller"
	listed, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	listed[0].Metadata["detail"].(map[string]any)["attempts"] = 99

	again, err := l.List(ctx, Filter{Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 3, again[0].Metadata["detail"].(map[string]any)["attempts"])

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.Error)
}
