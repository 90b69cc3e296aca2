package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One writer at a time; concurrent first writes then serialize instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		thread_id           TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
		name                TEXT NOT NULL DEFAULT '',
		emotional_tone      TEXT NOT NULL DEFAULT '[]',
		concerns            TEXT NOT NULL DEFAULT '[]',
		onboarding_complete INTEGER NOT NULL DEFAULT 0,
		updated_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_turns (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		embedding  TEXT,
		salience   REAL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_turns_thread_created ON memory_turns(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id          TEXT PRIMARY KEY,
		response_id TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		rating      TEXT NOT NULL,
		comment     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_response ON feedback(response_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func provisionSQLite(ctx context.Context, tx *sql.Tx, threadID string, now time.Time) error {
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO threads (id, created_at) VALUES (?, ?)`, threadID, ts); err != nil {
		return fmt.Errorf("provision thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO profiles (thread_id, updated_at) VALUES (?, ?)`, threadID, ts); err != nil {
		return fmt.Errorf("provision profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, turn Turn) (Turn, error) {
	turn, err := prepareTurn(turn)
	if err != nil {
		return Turn{}, err
	}
	var embedding sql.NullString
	if len(turn.Embedding) > 0 {
		enc, err := encodeJSON(turn.Embedding)
		if err != nil {
			return Turn{}, fmt.Errorf("encode embedding: %w", err)
		}
		embedding = sql.NullString{String: enc, Valid: true}
	}
	tags, err := encodeJSON(nonNil(turn.Tags))
	if err != nil {
		return Turn{}, fmt.Errorf("encode tags: %w", err)
	}
	var salience sql.NullFloat64
	if turn.Salience != nil {
		salience = sql.NullFloat64{Float64: *turn.Salience, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := provisionSQLite(ctx, tx, turn.ThreadID, turn.CreatedAt); err != nil {
		return Turn{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_turns (id, thread_id, role, content, embedding, salience, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ThreadID, turn.Role, turn.Content, embedding, salience, tags, formatTime(turn.CreatedAt),
	)
	if err != nil {
		return Turn{}, fmt.Errorf("save turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit: %w", err)
	}
	return turn, nil
}

const sqliteTurnColumns = `id, thread_id, role, content, embedding, salience, tags, created_at`

func scanSQLiteTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var items []Turn
	for rows.Next() {
		var (
			t         Turn
			embedding sql.NullString
			salience  sql.NullFloat64
			tags      string
			created   string
		)
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Content, &embedding, &salience, &tags, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &t.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", t.ID, err)
			}
		}
		if salience.Valid {
			v := salience.Float64
			t.Salience = &v
		}
		if tags != "" {
			_ = json.Unmarshal([]byte(tags), &t.Tags)
		}
		t.CreatedAt = parseTime(created)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Turns(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTurnColumns+` FROM memory_turns WHERE thread_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	items, err := scanSQLiteTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) RelevantTurns(ctx context.Context, threadID string, query []float64, threshold float64, limit int) ([]ScoredTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTurnColumns+` FROM memory_turns
		 WHERE thread_id = ? AND embedding IS NOT NULL
		 ORDER BY created_at, rowid`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("query embedded turns: %w", err)
	}
	items, err := scanSQLiteTurns(rows)
	if err != nil {
		return nil, err
	}
	return rankRelevant(items, query, threshold, limit)
}

func (s *SQLiteStore) DeleteTurns(ctx context.Context, threadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_turns WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Thread(ctx context.Context, id string) (Thread, error) {
	var (
		t       Thread
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM threads WHERE id = ?`, id).Scan(&t.ID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (s *SQLiteStore) Profile(ctx context.Context, threadID string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, profileSelectSQL, threadID))
}

const profileSelectSQL = `SELECT thread_id, name, emotional_tone, concerns, onboarding_complete, updated_at
	FROM profiles WHERE thread_id = ?`

func scanProfile(row *sql.Row) (Profile, error) {
	var (
		p        Profile
		tone     string
		concerns string
		done     int
		updated  string
	)
	err := row.Scan(&p.ThreadID, &p.Name, &tone, &concerns, &done, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	_ = json.Unmarshal([]byte(tone), &p.EmotionalTone)
	_ = json.Unmarshal([]byte(concerns), &p.Concerns)
	p.OnboardingComplete = done != 0
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	if profile.ThreadID == "" {
		return Profile{}, fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	now := time.Now().UTC()
	tone, err := encodeJSON(nonNil(profile.EmotionalTone))
	if err != nil {
		return Profile{}, err
	}
	concerns, err := encodeJSON(nonNil(profile.Concerns))
	if err != nil {
		return Profile{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := provisionSQLite(ctx, tx, profile.ThreadID, now); err != nil {
		return Profile{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE profiles SET name = ?, emotional_tone = ?, concerns = ?,
			onboarding_complete = MAX(onboarding_complete, ?), updated_at = ?
		 WHERE thread_id = ?`,
		profile.Name, tone, concerns, boolInt(profile.OnboardingComplete), formatTime(now), profile.ThreadID,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	out, err := scanProfile(tx.QueryRowContext(ctx, profileSelectSQL, profile.ThreadID))
	if err != nil {
		return Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkOnboardingComplete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := provisionSQLite(ctx, tx, threadID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET onboarding_complete = 1, updated_at = ? WHERE thread_id = ?`,
		formatTime(now), threadID,
	); err != nil {
		return fmt.Errorf("mark onboarding: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb Feedback) (Feedback, error) {
	fb, err := prepareFeedback(fb)
	if err != nil {
		return Feedback{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, response_id, session_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.ResponseID, fb.SessionID, fb.Rating, fb.Comment, formatTime(fb.CreatedAt),
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("save feedback: %w", err)
	}
	return fb, nil
}

func (s *SQLiteStore) Feedback(ctx context.Context, responseID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, response_id, session_id, rating, comment, created_at
		 FROM feedback WHERE response_id = ? ORDER BY created_at ASC, rowid ASC`,
		responseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb      Feedback
			created string
		)
		if err := rows.Scan(&fb.ID, &fb.ResponseID, &fb.SessionID, &fb.Rating, &fb.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.CreatedAt = parseTime(created)
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
