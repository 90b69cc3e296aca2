// Package recall retrieves reference passages relevant to a prompt, filtered by
// the predicted signal and inferred tone.
package recall

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/corpus"
	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/signal"
	"github.com/ent0n29/shrink/internal/similarity"
)

const DefaultTopN = 3

type Passage struct {
	Discipline  string   `json:"discipline"`
	Topic       string   `json:"topic"`
	Source      string   `json:"source"`
	Content     string   `json:"content"`
	SignalLabel string   `json:"signal_label,omitempty"`
	ToneTags    []string `json:"tone_tags,omitempty"`
	Score       float64  `json:"score"`
}

type Result struct {
	Used     bool      `json:"recallUsed"`
	Passages []Passage `json:"passages"`
}

type Options struct {
	TopN int
	// MinScore drops passages scoring below it. Zero disables the floor.
	MinScore float64
}

type Recaller struct {
	embedder llm.Embedder
	library  *corpus.Library
	opts     Options
	log      *zap.Logger
}

func NewRecaller(embedder llm.Embedder, library *corpus.Library, opts Options, log *zap.Logger) *Recaller {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	return &Recaller{embedder: embedder, library: library, opts: opts, log: logging.Component(log, "recall")}
}

// Recall scores the whole corpus against the prompt. A failed embedding call
// yields an empty result; a dimension mismatch is returned as an error.
func (r *Recaller) Recall(ctx context.Context, prompt string, sig signal.Label, toneTags []string) (Result, error) {
	c := r.library.Recall()
	if c.Empty() {
		return Result{}, nil
	}
	query, err := r.embedder.Embed(ctx, prompt)
	if err != nil {
		r.log.Warn("recall embedding failed", zap.Error(err))
		return Result{}, nil
	}

	wantTone := toSet(toneTags)
	passages := make([]Passage, 0, len(c.Entries))
	for _, e := range c.Entries {
		score, err := similarity.Cosine(query, e.Embedding)
		if err != nil {
			return Result{}, err
		}
		if sig != signal.Ambiguous && e.SignalLabel != string(sig) {
			continue
		}
		if len(wantTone) > 0 && !sharesTag(wantTone, e.ToneTags) {
			continue
		}
		if r.opts.MinScore != 0 && score < r.opts.MinScore {
			continue
		}
		passages = append(passages, Passage{
			Discipline:  e.Discipline,
			Topic:       e.Topic,
			Source:      e.Source,
			Content:     e.Content,
			SignalLabel: e.SignalLabel,
			ToneTags:    e.ToneTags,
			Score:       score,
		})
	}

	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	if len(passages) > r.opts.TopN {
		passages = passages[:r.opts.TopN]
	}
	return Result{Used: len(passages) > 0, Passages: passages}, nil
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

func sharesTag(want map[string]struct{}, tags []string) bool {
	for _, t := range tags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}
