// Package tone infers tone tags for a message from its nearest neighbour in
// the tone corpus.
package tone

import (
	"context"

	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/corpus"
	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/similarity"
)

type Inferer struct {
	embedder llm.Embedder
	library  *corpus.Library
	log      *zap.Logger
}

func NewInferer(embedder llm.Embedder, library *corpus.Library, log *zap.Logger) *Inferer {
	return &Inferer{embedder: embedder, library: library, log: logging.Component(log, "tone")}
}

// Infer returns the tags of the closest tone entry. An unusable corpus or a
// failed embedding call yields no tags; only a dimension mismatch is an error.
func (i *Inferer) Infer(ctx context.Context, text string) ([]string, error) {
	c := i.library.Tone()
	if c.Empty() {
		return []string{}, nil
	}
	query, err := i.embedder.Embed(ctx, text)
	if err != nil {
		i.log.Warn("tone embedding failed", zap.Error(err))
		return []string{}, nil
	}

	best := -1
	bestScore := 0.0
	for idx, entry := range c.Entries {
		score, err := similarity.Cosine(query, entry.Embedding)
		if err != nil {
			return nil, err
		}
		if best == -1 || score > bestScore {
			best, bestScore = idx, score
		}
	}
	tags := append([]string{}, c.Entries[best].ToneTags...)
	return tags, nil
}
