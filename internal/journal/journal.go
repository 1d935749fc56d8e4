// Package journal keeps a Postgres history of finished deliveries and
// their strategy attempts.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/starbridge/internal/db"
	"github.com/austindbirch/starbridge/internal/dispatch"
	"github.com/austindbirch/starbridge/internal/tracing"
)

// Schema creates the journal tables.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS starbridge`,
	`CREATE TABLE IF NOT EXISTS starbridge.deliveries (
		id          BIGSERIAL PRIMARY KEY,
		entry_id    TEXT NOT NULL,
		title       TEXT NOT NULL,
		status      TEXT NOT NULL,
		strategy    TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL,
		clipboard   BOOLEAN NOT NULL DEFAULT false,
		duration_ms BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS starbridge.attempts (
		delivery_id  BIGINT NOT NULL REFERENCES starbridge.deliveries(id) ON DELETE CASCADE,
		seq          INT NOT NULL,
		strategy     TEXT NOT NULL,
		outcome_kind TEXT NOT NULL,
		outcome      JSONB NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		duration_ms  BIGINT NOT NULL,
		PRIMARY KEY (delivery_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_created_at ON starbridge.deliveries (created_at DESC)`,
}

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store writes and reads the journal.
type Store struct {
	db DB
}

func New(conn DB) *Store {
	return &Store{db: conn}
}

// Migrate creates the journal schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.db, Schema...)
}

// Record stores one finished delivery. Empty results are ignored.
func (s *Store) Record(ctx context.Context, r dispatch.Result) error {
	if r.Status == dispatch.StatusEmpty {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "journal.record", tracing.AttrEntryID.String(r.EntryID))
	defer span.End()

	var id int64
	if err := s.db.QueryRow(ctx, `
		INSERT INTO starbridge.deliveries(entry_id, title, status, strategy, outcome, clipboard, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.EntryID, r.Title, string(r.Status), r.Strategy, r.Outcome.String(), r.Clipboard, r.Duration.Milliseconds(),
	).Scan(&id); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("insert delivery: %w", err)
	}

	if len(r.Attempts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, a := range r.Attempts {
		outcome, err := json.Marshal(a.Outcome)
		if err != nil {
			return fmt.Errorf("encode outcome: %w", err)
		}
		batch.Queue(`
			INSERT INTO starbridge.attempts(delivery_id, seq, strategy, outcome_kind, outcome, started_at, duration_ms)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
			id, i+1, a.Strategy, string(a.Outcome.Kind), string(outcome), a.StartedAt, a.Duration.Milliseconds())
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range r.Attempts {
		if _, err := br.Exec(); err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	return nil
}

// Delivery is one journal row.
type Delivery struct {
	ID        int64     `json:"id"`
	EntryID   string    `json:"entryId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Strategy  string    `json:"strategy,omitempty"`
	Outcome   string    `json:"outcome"`
	Clipboard bool      `json:"clipboard"`
	Duration  int64     `json:"durationMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recent returns the newest deliveries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, entry_id, title, status, strategy, outcome, clipboard, duration_ms, created_at
		FROM starbridge.deliveries
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.EntryID, &d.Title, &d.Status, &d.Strategy, &d.Outcome, &d.Clipboard, &d.Duration, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deliveries: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}
