package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/shrink/internal/similarity"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store, thread string)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t), "thread-"+uuid.NewString())
		})
	}
}

func TestSaveTurnProvisionsThreadAndProfile(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		if _, err := s.Thread(ctx, thread); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Thread() before write error = %v, want ErrNotFound", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.SaveTurn(ctx, Turn{ThreadID: thread, Role: RoleUser, Content: fmt.Sprintf("hello %d", i)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent SaveTurn() error = %v", err)
			}
		}

		if _, err := s.Thread(ctx, thread); err != nil {
			t.Fatalf("Thread() error = %v", err)
		}
		p, err := s.Profile(ctx, thread)
		if err != nil {
			t.Fatalf("Profile() error = %v", err)
		}
		if p.ThreadID != thread || p.OnboardingComplete {
			t.Fatalf("unexpected provisioned profile: %+v", p)
		}
		turns, err := s.Turns(ctx, thread, 0)
		if err != nil {
			t.Fatalf("Turns() error = %v", err)
		}
		if len(turns) != 8 {
			t.Fatalf("Turns() returned %d, want 8", len(turns))
		}
	})
}

func TestTurnsRoundTripAndOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		sal := 0.8
		for i := 0; i < 5; i++ {
			turn := Turn{
				ThreadID:  thread,
				Role:      RoleUser,
				Content:   fmt.Sprintf("turn %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if i == 4 {
				turn.Role = "engine"
				turn.Salience = &sal
				turn.Tags = []string{"reply"}
				turn.Embedding = []float64{0.1, 0.2}
			}
			if _, err := s.SaveTurn(ctx, turn); err != nil {
				t.Fatalf("SaveTurn() error = %v", err)
			}
		}

		got, err := s.Turns(ctx, thread, 3)
		if err != nil {
			t.Fatalf("Turns() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Turns() returned %d, want 3", len(got))
		}
		for i, want := range []string{"turn 2", "turn 3", "turn 4"} {
			if got[i].Content != want {
				t.Fatalf("turn %d = %q, want %q", i, got[i].Content, want)
			}
		}
		last := got[2]
		if last.Role != RoleAssistant {
			t.Fatalf("engine role stored as %q, want assistant", last.Role)
		}
		if last.Salience == nil || *last.Salience != 0.8 {
			t.Fatalf("salience = %v, want 0.8", last.Salience)
		}
		if len(last.Tags) != 1 || last.Tags[0] != "reply" {
			t.Fatalf("tags = %v", last.Tags)
		}
		if len(last.Embedding) != 2 || last.Embedding[1] != 0.2 {
			t.Fatalf("embedding = %v", last.Embedding)
		}
		if !last.CreatedAt.Equal(base.Add(4 * time.Second)) {
			t.Fatalf("created_at = %v", last.CreatedAt)
		}
	})
}

func TestSaveTurnRejectsUnknownRole(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		_, err := s.SaveTurn(context.Background(), Turn{ThreadID: thread, Role: "tool", Content: "x"})
		if !errors.Is(err, ErrInvalidTurn) {
			t.Fatalf("SaveTurn() error = %v, want ErrInvalidTurn", err)
		}
	})
}

func TestRelevantTurns(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		rows := []Turn{
			{Content: "exact", Embedding: []float64{1, 0}},
			{Content: "close", Embedding: []float64{0.9, 0.2}},
			{Content: "far", Embedding: []float64{0, 1}},
			{Content: "unembedded"},
		}
		for _, r := range rows {
			r.ThreadID = thread
			r.Role = RoleUser
			if _, err := s.SaveTurn(ctx, r); err != nil {
				t.Fatalf("SaveTurn() error = %v", err)
			}
		}

		got, err := s.RelevantTurns(ctx, thread, []float64{1, 0}, 0.7, 5)
		if err != nil {
			t.Fatalf("RelevantTurns() error = %v", err)
		}
		if len(got) != 2 || got[0].Content != "exact" || got[1].Content != "close" {
			t.Fatalf("RelevantTurns() = %+v", got)
		}
		for _, st := range got {
			if st.Score < 0.7 {
				t.Fatalf("turn %q scored %v below threshold", st.Content, st.Score)
			}
		}

		got, _ = s.RelevantTurns(ctx, thread, []float64{1, 0}, -1, 1)
		if len(got) != 1 {
			t.Fatalf("limit 1 returned %d", len(got))
		}

		if _, err := s.RelevantTurns(ctx, thread, []float64{1, 0, 0}, 0.7, 5); !errors.Is(err, similarity.ErrDimensionMismatch) {
			t.Fatalf("RelevantTurns() mismatch error = %v", err)
		}
	})
}

func TestDeleteTurns(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := s.SaveTurn(ctx, Turn{ThreadID: thread, Role: RoleUser, Content: "x"}); err != nil {
				t.Fatalf("SaveTurn() error = %v", err)
			}
		}
		n, err := s.DeleteTurns(ctx, thread)
		if err != nil {
			t.Fatalf("DeleteTurns() error = %v", err)
		}
		if n != 3 {
			t.Fatalf("DeleteTurns() = %d, want 3", n)
		}
		turns, _ := s.Turns(ctx, thread, 10)
		if len(turns) != 0 {
			t.Fatalf("Turns() after delete = %d, want 0", len(turns))
		}
		if _, err := s.Profile(ctx, thread); err != nil {
			t.Fatalf("profile should survive a memory reset: %v", err)
		}
	})
}

func TestProfileUpsertAndOnboarding(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		p, err := s.UpsertProfile(ctx, Profile{ThreadID: thread, Name: "Ada", Concerns: []string{"sleep"}})
		if err != nil {
			t.Fatalf("UpsertProfile() error = %v", err)
		}
		if p.Name != "Ada" || len(p.Concerns) != 1 || p.OnboardingComplete {
			t.Fatalf("UpsertProfile() = %+v", p)
		}
		if _, err := s.Thread(ctx, thread); err != nil {
			t.Fatalf("UpsertProfile should provision the thread: %v", err)
		}

		if err := s.MarkOnboardingComplete(ctx, thread); err != nil {
			t.Fatalf("MarkOnboardingComplete() error = %v", err)
		}
		// A later settings update must not clear the onboarding flag.
		p, err = s.UpsertProfile(ctx, Profile{ThreadID: thread, Name: "Ada L", EmotionalTone: []string{"calm"}})
		if err != nil {
			t.Fatalf("UpsertProfile() error = %v", err)
		}
		got, err := s.Profile(ctx, thread)
		if err != nil {
			t.Fatalf("Profile() error = %v", err)
		}
		if !got.OnboardingComplete || got.Name != "Ada L" || len(got.EmotionalTone) != 1 {
			t.Fatalf("Profile() = %+v", got)
		}
	})
}

func TestMarkOnboardingCompleteProvisions(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		if err := s.MarkOnboardingComplete(ctx, thread); err != nil {
			t.Fatalf("MarkOnboardingComplete() error = %v", err)
		}
		p, err := s.Profile(ctx, thread)
		if err != nil || !p.OnboardingComplete {
			t.Fatalf("Profile() = %+v, %v", p, err)
		}
	})
}

func TestNewStoreSelection(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, StoreConfig{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if Backend(s) != "memory" {
		t.Fatalf("Backend() = %q, want memory", Backend(s))
	}

	s, err = NewStore(ctx, StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if Backend(s) != "sqlite" {
		t.Fatalf("Backend() = %q, want sqlite", Backend(s))
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, thread string) {
		ctx := context.Background()
		responseID := "resp-" + thread

		if _, err := s.SaveFeedback(ctx, Feedback{ResponseID: responseID}); !errors.Is(err, ErrInvalidFeedback) {
			t.Fatalf("SaveFeedback() without rating error = %v, want ErrInvalidFeedback", err)
		}
		if _, err := s.SaveFeedback(ctx, Feedback{Rating: "thumbs_up"}); !errors.Is(err, ErrInvalidFeedback) {
			t.Fatalf("SaveFeedback() without response id error = %v, want ErrInvalidFeedback", err)
		}

		first, err := s.SaveFeedback(ctx, Feedback{ResponseID: responseID, SessionID: thread, Rating: "thumbs_down", Comment: " too generic "})
		if err != nil {
			t.Fatalf("SaveFeedback() error = %v", err)
		}
		if first.ID == "" || first.CreatedAt.IsZero() || first.Comment != "too generic" {
			t.Fatalf("saved feedback = %+v", first)
		}
		time.Sleep(time.Millisecond)
		if _, err := s.SaveFeedback(ctx, Feedback{ResponseID: responseID, Rating: "thumbs_up"}); err != nil {
			t.Fatalf("SaveFeedback() error = %v", err)
		}
		if _, err := s.SaveFeedback(ctx, Feedback{ResponseID: "other-" + thread, Rating: "thumbs_up"}); err != nil {
			t.Fatalf("SaveFeedback() error = %v", err)
		}

		got, err := s.Feedback(ctx, responseID)
		if err != nil {
			t.Fatalf("Feedback() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != first.ID || got[0].SessionID != thread || got[1].Rating != "thumbs_up" {
			t.Fatalf("Feedback() = %+v", got)
		}

		none, err := s.Feedback(ctx, "missing-"+thread)
		if err != nil || len(none) != 0 {
			t.Fatalf("Feedback(missing) = %v, %v", none, err)
		}
	})
}
