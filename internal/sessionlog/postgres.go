package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/shrink/internal/reliability"
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffCap  = 2 * time.Second
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLog writes to session_logs, retrying with exponential backoff. An
// entry that still fails is parked in session_logs_dead_letter.
type PostgresLog struct {
	db          execer
	pool        *pgxpool.Pool
	attempts    int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPostgresLog(ctx context.Context, databaseURL string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	l := newPostgresLog(pool)
	l.pool = pool
	return l, nil
}

func newPostgresLog(db execer) *PostgresLog {
	return &PostgresLog{
		db:          db,
		attempts:    defaultAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       reliability.Sleep,
	}
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			signal TEXT NOT NULL DEFAULT '',
			recall_used BOOLEAN NOT NULL DEFAULT FALSE,
			redacted TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`ALTER TABLE session_logs ADD COLUMN IF NOT EXISTS redacted TEXT[] NOT NULL DEFAULT '{}';`,
		`CREATE INDEX IF NOT EXISTS idx_session_logs_session_created ON session_logs (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS session_logs_dead_letter (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			signal TEXT NOT NULL DEFAULT '',
			recall_used BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, e Entry) error {
	fill(&e)
	redacted := e.Redacted
	if redacted == nil {
		redacted = []string{}
	}
	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		_, err := l.db.Exec(ctx,
			`INSERT INTO session_logs (id, session_id, prompt, response, model, signal, recall_used, redacted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.SessionID, e.Prompt, e.Response, e.Model, e.Signal, e.RecallUsed, redacted, e.CreatedAt,
		)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == l.attempts {
			break
		}
		if err := l.sleep(ctx, reliability.ExponentialBackoff(attempt-1, l.backoffBase, l.backoffCap)); err != nil {
			lastErr = err
			break
		}
	}

	_, dlErr := l.db.Exec(ctx,
		`INSERT INTO session_logs_dead_letter (id, session_id, prompt, response, model, signal, recall_used, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SessionID, e.Prompt, e.Response, e.Model, e.Signal, e.RecallUsed, l.attempts, lastErr.Error(), e.CreatedAt,
	)
	if dlErr != nil {
		return fmt.Errorf("session log failed (%v) and dead letter failed: %w", lastErr, dlErr)
	}
	return fmt.Errorf("session log dead-lettered after %d attempts: %w", l.attempts, lastErr)
}

func (l *PostgresLog) Close() error {
	if l.pool != nil {
		l.pool.Close()
	}
	return nil
}
