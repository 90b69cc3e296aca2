package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]Thread
	profiles map[string]Profile
	turns    map[string][]Turn
	feedback map[string][]Feedback
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:  make(map[string]Thread),
		profiles: make(map[string]Profile),
		turns:    make(map[string][]Turn),
		feedback: make(map[string][]Feedback),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Timestamps are assigned under the lock so per-thread order matches them.
	turn, err := prepareTurn(turn)
	if err != nil {
		return Turn{}, err
	}
	turn.Embedding = append([]float64(nil), turn.Embedding...)
	turn.Tags = append([]string(nil), turn.Tags...)
	s.provisionLocked(turn.ThreadID, turn.CreatedAt)
	s.turns[turn.ThreadID] = append(s.turns[turn.ThreadID], turn)
	return turn, nil
}

func (s *InMemoryStore) provisionLocked(threadID string, now time.Time) {
	if _, ok := s.threads[threadID]; !ok {
		s.threads[threadID] = Thread{ID: threadID, CreatedAt: now}
	}
	if _, ok := s.profiles[threadID]; !ok {
		s.profiles[threadID] = Profile{ThreadID: threadID, UpdatedAt: now}
	}
}

func (s *InMemoryStore) Turns(_ context.Context, threadID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[threadID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) RelevantTurns(_ context.Context, threadID string, query []float64, threshold float64, limit int) ([]ScoredTurn, error) {
	s.mu.RLock()
	arr := append([]Turn(nil), s.turns[threadID]...)
	s.mu.RUnlock()
	return rankRelevant(arr, query, threshold, limit)
}

func (s *InMemoryStore) DeleteTurns(_ context.Context, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns[threadID])
	delete(s.turns, threadID)
	return int64(n), nil
}

func (s *InMemoryStore) Thread(_ context.Context, id string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemoryStore) Profile(_ context.Context, threadID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[threadID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) UpsertProfile(_ context.Context, profile Profile) (Profile, error) {
	if profile.ThreadID == "" {
		return Profile{}, ErrInvalidTurn
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisionLocked(profile.ThreadID, now)
	prev := s.profiles[profile.ThreadID]
	profile.OnboardingComplete = profile.OnboardingComplete || prev.OnboardingComplete
	profile.UpdatedAt = now
	s.profiles[profile.ThreadID] = profile
	return profile, nil
}

func (s *InMemoryStore) MarkOnboardingComplete(_ context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidTurn
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisionLocked(threadID, now)
	p := s.profiles[threadID]
	p.OnboardingComplete = true
	p.UpdatedAt = now
	s.profiles[threadID] = p
	return nil
}

func (s *InMemoryStore) SaveFeedback(_ context.Context, fb Feedback) (Feedback, error) {
	fb, err := prepareFeedback(fb)
	if err != nil {
		return Feedback{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[fb.ResponseID] = append(s.feedback[fb.ResponseID], fb)
	return fb, nil
}

func (s *InMemoryStore) Feedback(_ context.Context, responseID string) ([]Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Feedback(nil), s.feedback[responseID]...), nil
}

func (s *InMemoryStore) Close() error { return nil }
