package ruleset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	adb "github.com/qiniu/controlplane/internal/alerting/database"
)

// PgStore is a PostgreSQL-backed Store using the alerting database wrapper.
type PgStore struct {
	DB *adb.Database
}

// NewPgStore creates a store over the alert_rules table.
func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

const ruleColumns = `id, template_id, tenant_id, name, event_type, source, severity, window_seconds, threshold,
	target_webhook, target_channel, labels, created_at`

func (s *PgStore) CreateRule(ctx context.Context, r *Rule) error {
	labelsJSON, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	const q = `
	INSERT INTO alert_rules(` + ruleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.DB.ExecContext(ctx, q, r.ID, r.TemplateID, r.TenantID, r.Name, r.EventType, r.Source, r.Severity,
		r.WindowSeconds, r.Threshold, r.TargetWebhook, r.TargetChannel, labelsJSON, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func scanRule(sc interface{ Scan(...any) error }) (*Rule, error) {
	var r Rule
	var labels []byte
	if err := sc.Scan(&r.ID, &r.TemplateID, &r.TenantID, &r.Name, &r.EventType, &r.Source, &r.Severity,
		&r.WindowSeconds, &r.Threshold, &r.TargetWebhook, &r.TargetChannel, &labels, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// GetRule returns nil, nil when id does not exist.
func (s *PgStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(s.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *PgStore) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rule rows: %w", err)
	}
	return n > 0, nil
}
