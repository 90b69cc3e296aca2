package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational memory in PostgreSQL. Embeddings are
// stored as float8[] and scored in process.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			thread_id TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			emotional_tone TEXT[] NOT NULL DEFAULT '{}',
			concerns TEXT[] NOT NULL DEFAULT '{}',
			onboarding_complete BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS memory_turns (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding DOUBLE PRECISION[],
			salience DOUBLE PRECISION,
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_turns_thread_created ON memory_turns (thread_id, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			response_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			rating TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_response ON feedback (response_id, created_at, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const provisionThreadSQL = `INSERT INTO threads (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
const provisionProfileSQL = `INSERT INTO profiles (thread_id, updated_at) VALUES ($1, $2) ON CONFLICT (thread_id) DO NOTHING`

func provision(ctx context.Context, tx pgx.Tx, threadID string, now time.Time) error {
	if _, err := tx.Exec(ctx, provisionThreadSQL, threadID, now); err != nil {
		return fmt.Errorf("provision thread: %w", err)
	}
	if _, err := tx.Exec(ctx, provisionProfileSQL, threadID, now); err != nil {
		return fmt.Errorf("provision profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) (Turn, error) {
	turn, err := prepareTurn(turn)
	if err != nil {
		return Turn{}, err
	}
	tags := turn.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("save turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := provision(ctx, tx, turn.ThreadID, turn.CreatedAt); err != nil {
		return Turn{}, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO memory_turns (id, thread_id, role, content, embedding, salience, tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		turn.ID,
		turn.ThreadID,
		turn.Role,
		turn.Content,
		turn.Embedding,
		turn.Salience,
		tags,
		turn.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("save turn: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("save turn: commit: %w", err)
	}
	return turn, nil
}

const turnColumns = `id, thread_id, role, content, embedding, salience, tags, created_at`

func scanTurns(rows pgx.Rows, capacity int) ([]Turn, error) {
	defer rows.Close()
	items := make([]Turn, 0, capacity)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Content, &t.Embedding, &t.Salience, &t.Tags, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Turns(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+turnColumns+` FROM memory_turns WHERE thread_id=$1
			 ORDER BY created_at DESC, seq DESC LIMIT $2`,
			threadID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+turnColumns+` FROM memory_turns WHERE thread_id=$1
			 ORDER BY created_at DESC, seq DESC`,
			threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	items, err := scanTurns(rows, limit)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) RelevantTurns(ctx context.Context, threadID string, query []float64, threshold float64, limit int) ([]ScoredTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM memory_turns
		 WHERE thread_id=$1 AND embedding IS NOT NULL
		 ORDER BY created_at, seq`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("query embedded turns: %w", err)
	}
	items, err := scanTurns(rows, 0)
	if err != nil {
		return nil, err
	}
	return rankRelevant(items, query, threshold, limit)
}

func (s *PostgresStore) DeleteTurns(ctx context.Context, threadID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_turns WHERE thread_id=$1`, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Thread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := s.pool.QueryRow(ctx, `SELECT id, created_at FROM threads WHERE id=$1`, id).Scan(&t.ID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Profile(ctx context.Context, threadID string) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, name, emotional_tone, concerns, onboarding_complete, updated_at
		 FROM profiles WHERE thread_id=$1`, threadID,
	).Scan(&p.ThreadID, &p.Name, &p.EmotionalTone, &p.Concerns, &p.OnboardingComplete, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	if profile.ThreadID == "" {
		return Profile{}, fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	now := time.Now().UTC()
	tone := nonNil(profile.EmotionalTone)
	concerns := nonNil(profile.Concerns)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, provisionThreadSQL, profile.ThreadID, now); err != nil {
		return Profile{}, fmt.Errorf("provision thread: %w", err)
	}
	var out Profile
	err = tx.QueryRow(ctx,
		`INSERT INTO profiles (thread_id, name, emotional_tone, concerns, onboarding_complete, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (thread_id) DO UPDATE SET
			name = EXCLUDED.name,
			emotional_tone = EXCLUDED.emotional_tone,
			concerns = EXCLUDED.concerns,
			onboarding_complete = profiles.onboarding_complete OR EXCLUDED.onboarding_complete,
			updated_at = EXCLUDED.updated_at
		 RETURNING thread_id, name, emotional_tone, concerns, onboarding_complete, updated_at`,
		profile.ThreadID, profile.Name, tone, concerns, profile.OnboardingComplete, now,
	).Scan(&out.ThreadID, &out.Name, &out.EmotionalTone, &out.Concerns, &out.OnboardingComplete, &out.UpdatedAt)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Profile{}, fmt.Errorf("upsert profile: commit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkOnboardingComplete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mark onboarding: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := provision(ctx, tx, threadID, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE profiles SET onboarding_complete = TRUE, updated_at = $2 WHERE thread_id = $1`,
		threadID, now,
	); err != nil {
		return fmt.Errorf("mark onboarding: %w", err)
	}
	return tx.Commit(ctx)
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) SaveFeedback(ctx context.Context, fb Feedback) (Feedback, error) {
	fb, err := prepareFeedback(fb)
	if err != nil {
		return Feedback{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback (id, response_id, session_id, rating, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		fb.ID, fb.ResponseID, fb.SessionID, fb.Rating, fb.Comment, fb.CreatedAt,
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("save feedback: %w", err)
	}
	return fb, nil
}

func (s *PostgresStore) Feedback(ctx context.Context, responseID string) ([]Feedback, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, response_id, session_id, rating, comment, created_at
		 FROM feedback WHERE response_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		responseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.ID, &fb.ResponseID, &fb.SessionID, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.CreatedAt = fb.CreatedAt.UTC()
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
