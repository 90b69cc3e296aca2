package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/shrink/internal/similarity"
)

// rankRelevant scores turns that carry an embedding and keeps those at or
// above threshold, best first.
func rankRelevant(turns []Turn, query []float64, threshold float64, limit int) ([]ScoredTurn, error) {
	out := make([]ScoredTurn, 0, len(turns))
	for _, t := range turns {
		if len(t.Embedding) == 0 {
			continue
		}
		score, err := similarity.Cosine(query, t.Embedding)
		if err != nil {
			return nil, fmt.Errorf("score turn %s: %w", t.ID, err)
		}
		if score < threshold {
			continue
		}
		out = append(out, ScoredTurn{Turn: t, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func prepareTurn(turn Turn) (Turn, error) {
	if turn.ThreadID == "" {
		return Turn{}, fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	role, ok := NormalizeRole(turn.Role)
	if !ok {
		return Turn{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidTurn, turn.Role)
	}
	turn.Role = role
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	return turn, nil
}
