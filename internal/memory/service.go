package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/similarity"
)

const (
	DefaultRelevanceThreshold = 0.7
	DefaultRelevantLimit      = 5
)

// Forgetter drops derived per-thread state when a thread's memory is reset.
type Forgetter interface {
	Forget(ctx context.Context, threadID string) error
}

// Service layers embedding and failure policy over a Store. Reads degrade to
// empty results; writes and resets report their errors.
type Service struct {
	store    Store
	embedder llm.Embedder
	forget   Forgetter
	log      *zap.Logger
}

func NewService(store Store, embedder llm.Embedder, forget Forgetter, log *zap.Logger) *Service {
	return &Service{store: store, embedder: embedder, forget: forget, log: logging.Component(log, "memory")}
}

func (s *Service) Store() Store { return s.store }

type AppendRequest struct {
	ThreadID string
	Role     string
	Content  string
	Salience *float64
	Tags     []string
}

// Append embeds and stores one turn. A failed embedding stores the turn
// without one; a failed write is returned.
func (s *Service) Append(ctx context.Context, req AppendRequest) (Turn, error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return Turn{}, fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Turn{}, fmt.Errorf("%w: content is empty", ErrInvalidTurn)
	}
	if _, ok := NormalizeRole(req.Role); !ok {
		return Turn{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidTurn, req.Role)
	}

	turn := Turn{
		ThreadID: req.ThreadID,
		Role:     req.Role,
		Content:  req.Content,
		Salience: req.Salience,
		Tags:     req.Tags,
	}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, req.Content)
		if err != nil {
			s.log.Warn("turn stored without embedding", zap.String("thread_id", req.ThreadID), zap.Error(err))
		} else {
			turn.Embedding = vec
		}
	}

	saved, err := s.store.SaveTurn(ctx, turn)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return saved, nil
}

// ForThread returns up to limit recent turns in chronological order.
func (s *Service) ForThread(ctx context.Context, threadID string, limit int) []Turn {
	turns, err := s.store.Turns(ctx, threadID, limit)
	if err != nil {
		s.log.Warn("memory read failed", zap.String("thread_id", threadID), zap.Error(err))
		return []Turn{}
	}
	if turns == nil {
		return []Turn{}
	}
	return turns
}

// ForThreads fetches up to limit turns from each thread and merges them by
// timestamp across threads.
func (s *Service) ForThreads(ctx context.Context, threadIDs []string, limit int) []Turn {
	seen := make(map[string]struct{}, len(threadIDs))
	merged := make([]Turn, 0, len(threadIDs)*max(limit, 1))
	for _, id := range threadIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, s.ForThread(ctx, id, limit)...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

// Relevant embeds query and returns the thread's turns scoring at least
// threshold, best first. Only a dimension mismatch is returned as an error.
func (s *Service) Relevant(ctx context.Context, threadID, query string, threshold float64, limit int) ([]ScoredTurn, error) {
	if limit <= 0 {
		limit = DefaultRelevantLimit
	}
	if s.embedder == nil {
		return []ScoredTurn{}, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Warn("relevance embedding failed", zap.String("thread_id", threadID), zap.Error(err))
		return []ScoredTurn{}, nil
	}
	out, err := s.store.RelevantTurns(ctx, threadID, vec, threshold, limit)
	if err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			return nil, err
		}
		s.log.Warn("relevance read failed", zap.String("thread_id", threadID), zap.Error(err))
		return []ScoredTurn{}, nil
	}
	if out == nil {
		return []ScoredTurn{}, nil
	}
	return out, nil
}

// Reset deletes every turn of the thread and forgets derived facts.
func (s *Service) Reset(ctx context.Context, threadID string) (int64, error) {
	n, err := s.store.DeleteTurns(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("reset thread memory: %w", err)
	}
	if s.forget != nil {
		if err := s.forget.Forget(ctx, threadID); err != nil {
			s.log.Warn("short-term forget failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return n, nil
}

func (s *Service) Profile(ctx context.Context, threadID string) (Profile, error) {
	return s.store.Profile(ctx, threadID)
}

func (s *Service) SaveProfile(ctx context.Context, p Profile) (Profile, error) {
	return s.store.UpsertProfile(ctx, p)
}

func (s *Service) CompleteOnboarding(ctx context.Context, threadID string) error {
	return s.store.MarkOnboardingComplete(ctx, threadID)
}

// SubmitFeedback records a rating for a generated response.
func (s *Service) SubmitFeedback(ctx context.Context, fb Feedback) (Feedback, error) {
	saved, err := s.store.SaveFeedback(ctx, fb)
	if err != nil {
		return Feedback{}, fmt.Errorf("submit feedback: %w", err)
	}
	return saved, nil
}

func (s *Service) Feedback(ctx context.Context, responseID string) ([]Feedback, error) {
	return s.store.Feedback(ctx, responseID)
}
