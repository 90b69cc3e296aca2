package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNotFound    = errors.New("memory: not found")
	ErrInvalidTurn = errors.New("memory: invalid turn")
)

// Turn is one stored utterance. Turns are immutable once written.
type Turn struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding,omitempty"`
	Salience  *float64  `json:"salience,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ScoredTurn struct {
	Turn
	Score float64 `json:"score"`
}

type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type Profile struct {
	ThreadID           string    `json:"thread_id"`
	Name               string    `json:"name"`
	EmotionalTone      []string  `json:"emotionalTone"`
	Concerns           []string  `json:"concerns"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store persists threads, profiles, turns and response feedback.
//
// SaveTurn provisions the owning thread and profile when they are missing, in
// the same transaction as the turn insert. Turns returns the most recent turns
// of a thread in ascending order; a limit <= 0 returns all of them.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) (Turn, error)
	Turns(ctx context.Context, threadID string, limit int) ([]Turn, error)
	RelevantTurns(ctx context.Context, threadID string, query []float64, threshold float64, limit int) ([]ScoredTurn, error)
	DeleteTurns(ctx context.Context, threadID string) (int64, error)

	Thread(ctx context.Context, id string) (Thread, error)
	Profile(ctx context.Context, threadID string) (Profile, error)
	UpsertProfile(ctx context.Context, profile Profile) (Profile, error)
	MarkOnboardingComplete(ctx context.Context, threadID string) error

	SaveFeedback(ctx context.Context, fb Feedback) (Feedback, error)
	// Feedback lists the ratings of one response, oldest first.
	Feedback(ctx context.Context, responseID string) ([]Feedback, error)

	Close() error
}

// NormalizeRole maps accepted role spellings onto the stored roles. Generated
// turns written by older clients carry the role "engine".
func NormalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user":
		return RoleUser, true
	case "assistant", "engine":
		return RoleAssistant, true
	default:
		return "", false
	}
}
