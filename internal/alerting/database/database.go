package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/rs/zerolog/log"
)

// Database is the alerting Postgres handle. Stores call ExecContext/QueryContext/BeginTx directly.
type Database struct {
	*sql.DB
}

// New opens and pings a pgx-backed connection pool.
func New(dsn string) (*Database, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Database{DB: db}, nil
}

// Migrate creates the control plane tables when absent.
func (d *Database) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("database schema ensured")
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id             TEXT PRIMARY KEY,
		template_id    TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		name           TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		source         TEXT NOT NULL DEFAULT '',
		severity       TEXT NOT NULL DEFAULT '',
		window_seconds INT NOT NULL,
		threshold      INT NOT NULL,
		target_webhook TEXT NOT NULL DEFAULT '',
		target_channel TEXT NOT NULL DEFAULT '',
		labels         JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_events (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		rule_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		rule_id       TEXT NOT NULL,
		rule_name     TEXT NOT NULL DEFAULT '',
		event_id      TEXT NOT NULL DEFAULT '',
		event_type    TEXT NOT NULL,
		target        TEXT NOT NULL,
		payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
		dedup_key     TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		attempts      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL,
		last_error    TEXT,
		last_status   INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		triage_label  TEXT,
		triage_reason TEXT,
		replay_of     TEXT,
		lease_owner   TEXT NOT NULL DEFAULT '',
		lease_until   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT deliveries_attempts_bound CHECK (attempts <= max_attempts)
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_due_idx ON deliveries (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS deliveries_dedup_idx ON deliveries (dedup_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS deliveries_tenant_idx ON deliveries (tenant_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_id   TEXT NOT NULL DEFAULT '',
		metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
		source_ip   TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		prev_hash   TEXT NOT NULL,
		record_hash TEXT NOT NULL
	)`,
}
