package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	adb "github.com/qiniu/controlplane/internal/alerting/database"
)

// chainLockKey serializes appenders across processes sharing one database.
const chainLockKey = 7215001

// PgStore persists the chain in audit_records, ordered by seq.
type PgStore struct {
	DB *adb.Database
}

// NewPgStore creates a store over the audit_records table.
func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

// AppendChained holds an advisory lock for the transaction so concurrent replicas extend the chain one at a time.
func (s *PgStore) AppendChained(ctx context.Context, build func(prevHash string) (*Record, error)) (*Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("lock audit chain: %w", err)
	}
	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT record_hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read audit head: %w", err)
	}
	r, err := build(prev)
	if err != nil {
		return nil, err
	}
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	const q = `
	INSERT INTO audit_records(id, actor, action, target_id, metadata, source_ip, created_at, prev_hash, record_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, q, r.ID, r.Actor, r.Action, r.TargetID, md, r.SourceIP, r.CreatedAt, r.PrevHash, r.RecordHash); err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit record: %w", err)
	}
	return r, nil
}

const recordColumns = `id, actor, action, target_id, metadata, source_ip, created_at, prev_hash, record_hash`

func (s *PgStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_records
	WHERE ($1 = '' OR metadata->>'tenant_id' = $1) AND ($2 = '' OR action = $2)
	ORDER BY seq DESC`
	args := []any{f.Tenant, f.Action}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *PgStore) All(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM audit_records ORDER BY seq ASC`)
}

func (s *PgStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var r Record
		var md []byte
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.TargetID, &md, &r.SourceIP, &r.CreatedAt, &r.PrevHash, &r.RecordHash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal(md, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
