package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	adb "github.com/qiniu/controlplane/internal/alerting/database"
)

// PgStore keeps deliveries in Postgres. Claim/Complete are single-statement CAS updates.
type PgStore struct {
	DB *adb.Database
}

// NewPgStore creates a store over the alert_events and deliveries tables.
func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

const deliveryColumns = `id, tenant_id, rule_id, rule_name, event_id, event_type, target, payload, dedup_key,
	status, attempts, max_attempts, last_error, last_status, next_retry_at, triage_label, triage_reason,
	replay_of, lease_owner, lease_until, created_at, updated_at`

// prefixed for the UPDATE ... FROM in Claim
const deliveryColumnsD = `d.id, d.tenant_id, d.rule_id, d.rule_name, d.event_id, d.event_type, d.target, d.payload, d.dedup_key,
	d.status, d.attempts, d.max_attempts, d.last_error, d.last_status, d.next_retry_at, d.triage_label, d.triage_reason,
	d.replay_of, d.lease_owner, d.lease_until, d.created_at, d.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner, extra ...any) (*Delivery, error) {
	var d Delivery
	var payload []byte
	var lastErr, label, reason, replayOf sql.NullString
	var next, lease sql.NullTime
	dest := []any{&d.ID, &d.TenantID, &d.RuleID, &d.RuleName, &d.EventID, &d.EventType, &d.Target, &payload, &d.DedupKey,
		&d.Status, &d.Attempts, &d.MaxAttempts, &lastErr, &d.LastStatus, &next, &label, &reason,
		&replayOf, &d.LeaseOwner, &lease, &d.CreatedAt, &d.UpdatedAt}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	d.Payload = payload
	d.LastError = lastErr.String
	d.TriageLabel = TriageLabel(label.String)
	d.TriageReason = reason.String
	d.ReplayOf = replayOf.String
	if next.Valid {
		t := next.Time.UTC()
		d.NextRetryAt = &t
	}
	if lease.Valid {
		t := lease.Time.UTC()
		d.LeaseUntil = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func payloadArg(d *Delivery) []byte {
	if len(d.Payload) == 0 {
		return []byte("{}")
	}
	return d.Payload
}

func (s *PgStore) CreateEvent(ctx context.Context, ev *AlertEvent) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const q = `INSERT INTO alert_events(id, tenant_id, rule_id, event_type, fingerprint, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.DB.ExecContext(ctx, q, ev.ID, ev.TenantID, ev.RuleID, ev.EventType, ev.Fingerprint, payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDelivery(ctx context.Context, ex execer, d *Delivery) error {
	const q = `INSERT INTO deliveries(` + deliveryColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err := ex.ExecContext(ctx, q, d.ID, d.TenantID, d.RuleID, d.RuleName, d.EventID, d.EventType, d.Target, payloadArg(d), d.DedupKey,
		string(d.Status), d.Attempts, d.MaxAttempts, nullString(d.LastError), d.LastStatus, nullTime(d.NextRetryAt),
		nullString(string(d.TriageLabel)), nullString(d.TriageReason), nullString(d.ReplayOf), d.LeaseOwner, nullTime(d.LeaseUntil),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, d *Delivery) error {
	return insertDelivery(ctx, s.DB, d)
}

func (s *PgStore) CreateIfAbsent(ctx context.Context, d *Delivery, since time.Time) (bool, *Delivery, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin dedup tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, d.DedupKey); err != nil {
		return false, nil, fmt.Errorf("lock dedup key: %w", err)
	}
	q := `SELECT ` + deliveryColumns + ` FROM deliveries
	WHERE dedup_key = $1 AND created_at >= $2 AND status = ANY($3)
	ORDER BY created_at DESC LIMIT 1`
	existing, err := scanDelivery(tx.QueryRowContext(ctx, q, d.DedupKey, since, pq.Array(liveStatuses)))
	switch {
	case err == nil:
		return false, existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, nil, fmt.Errorf("check dedup: %w", err)
	}
	if err := insertDelivery(ctx, tx, d); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit delivery: %w", err)
	}
	return true, nil, nil
}

var liveStatuses = []string{string(StatusQueued), string(StatusPending)}

func (s *PgStore) Get(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(s.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]*Delivery, int, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	labels := make([]string, len(f.Labels))
	for i, l := range f.Labels {
		labels[i] = string(l)
	}
	const where = ` WHERE ($1 = '' OR tenant_id = $1)
	AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
	AND (cardinality($3::text[]) = 0 OR triage_label = ANY($3::text[]))`
	args := []any{f.TenantID, pq.Array(statuses), pq.Array(labels)}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM deliveries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + deliveryColumns + ` FROM deliveries` + where + ` ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`
	rows, err := s.DB.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	out := make([]*Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

const dueCondition = `status = ANY($1) AND (
		(lease_owner = '' AND (next_retry_at IS NULL OR next_retry_at <= $2))
		OR (lease_owner <> '' AND (lease_until IS NULL OR lease_until < $2)))`

// dueCondition qualified for the aliased UPDATE in Claim.
const claimCondition = `d.status = ANY($1) AND (
		(d.lease_owner = '' AND (d.next_retry_at IS NULL OR d.next_retry_at <= $2))
		OR (d.lease_owner <> '' AND (d.lease_until IS NULL OR d.lease_until < $2)))`

func (s *PgStore) Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE ` + dueCondition + ` ORDER BY created_at ASC LIMIT $3`
	rows, err := s.DB.QueryContext(ctx, q, pq.Array(liveStatuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()
	out := make([]*Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Claim is a single conditional UPDATE; no returned row means another worker holds the lease.
func (s *PgStore) Claim(ctx context.Context, id, owner string, now, until time.Time) (*Delivery, bool, error) {
	q := `UPDATE deliveries d SET lease_owner = $4, lease_until = $5
	FROM (SELECT id, lease_owner AS prev_owner FROM deliveries WHERE id = $3) p
	WHERE d.id = p.id AND ` + claimCondition + `
	RETURNING ` + deliveryColumnsD + `, p.prev_owner`
	var prevOwner string
	d, err := scanDelivery(s.DB.QueryRowContext(ctx, q, pq.Array(liveStatuses), now, id, owner, until), &prevOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim delivery: %w", err)
	}
	return d, prevOwner != "", nil
}

func (s *PgStore) Complete(ctx context.Context, d *Delivery, owner string) (bool, error) {
	const q = `UPDATE deliveries SET status = $3, attempts = $4, last_error = $5, last_status = $6, next_retry_at = $7,
		triage_label = $8, triage_reason = $9, updated_at = $10, lease_owner = '', lease_until = NULL
	WHERE id = $1 AND lease_owner = $2`
	res, err := s.DB.ExecContext(ctx, q, d.ID, owner, string(d.Status), d.Attempts, nullString(d.LastError), d.LastStatus,
		nullTime(d.NextRetryAt), nullString(string(d.TriageLabel)), nullString(d.TriageReason), d.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("complete delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete delivery rows: %w", err)
	}
	return n == 1, nil
}
