package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

var appendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "controlplane_audit_records_total",
	Help: "Audit records appended, by action.",
}, []string{"action"})

// Ledger is the single writer of the audit chain.
type Ledger struct {
	store Store
	mu    sync.Mutex
	now   func() time.Time
}

// NewLedger creates a ledger. Appends are serialised in process; store must serialise across replicas.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append links e to the current head and stores it. Verification is not performed here.
func (l *Ledger) Append(ctx context.Context, e Entry) (*Record, error) {
	if e.Action == "" {
		return nil, model.ValidationError("audit action is required")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// postgres keeps microseconds; hash what will be read back
	ts := l.now().UTC().Truncate(time.Microsecond)
	rec, err := l.store.AppendChained(ctx, func(prev string) (*Record, error) {
		r := &Record{
			ID:        uuid.NewString(),
			Actor:     e.Actor,
			Action:    e.Action,
			TargetID:  e.TargetID,
			Metadata:  e.Metadata,
			CreatedAt: ts,
			SourceIP:  e.SourceIP,
			PrevHash:  prev,
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		h, err := ComputeHash(prev, r)
		if err != nil {
			return nil, fmt.Errorf("hash audit record: %w", err)
		}
		r.RecordHash = h
		return r, nil
	})
	if err != nil {
		return nil, model.Internal(err, "append audit record")
	}
	appendedTotal.WithLabelValues(e.Action).Inc()
	log.Debug().Str("audit_id", rec.ID).Str("action", rec.Action).Str("actor", rec.Actor).Msg("audit record appended")
	return rec, nil
}

// Verify replays the whole chain. It is only ever called explicitly.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	all, err := l.store.All(ctx)
	if err != nil {
		return VerifyResult{}, model.Internal(err, "load audit chain")
	}
	res := VerifyChain(all)
	if !res.Valid {
		tamper := model.ChainTamper("record %d does not match the chain", *res.FirstInvalidIndex)
		detail := model.Response(tamper).Error
		res.Error = &detail
		log.Warn().Err(tamper).Int("first_invalid_index", *res.FirstInvalidIndex).Int("total", res.TotalEntries).Msg("audit chain verification failed")
	}
	return res, nil
}

// List returns newest-first records matching f.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Record, error) {
	recs, err := l.store.List(ctx, f)
	if err != nil {
		return nil, model.Internal(err, "list audit records")
	}
	return recs, nil
}
