package calllog

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists call records in a call_logs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database, runs pending migrations and
// returns the store. The caller owns Close.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect call log db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping call log db: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run call log migrations: %w", err)
	}
	return nil
}

// Append inserts one record. Re-appending the same call id overwrites the
// earlier row, so retried shutdown flushes stay idempotent.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_logs (call_id, state, transcript, turns, duration_seconds, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE SET
			state = EXCLUDED.state,
			transcript = EXCLUDED.transcript,
			turns = EXCLUDED.turns,
			duration_seconds = EXCLUDED.duration_seconds,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at`,
		rec.CallID, rec.State, rec.Transcript, rec.Turns, rec.DurationSeconds, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// Recent returns up to limit records ordered by end time, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, state, transcript, turns, duration_seconds, started_at, ended_at
		FROM call_logs
		ORDER BY ended_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call logs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.CallID, &rec.State, &rec.Transcript, &rec.Turns,
			&rec.DurationSeconds, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read call logs: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
