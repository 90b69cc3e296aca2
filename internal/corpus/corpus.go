// Package corpus loads the pre-embedded reference corpora used for recall and
// tone inference. Both are read once per process and shared read-only.
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/similarity"
)

// RecallEntry is one therapeutic reference passage.
type RecallEntry struct {
	Discipline  string    `json:"discipline"`
	Topic       string    `json:"topic"`
	Source      string    `json:"source"`
	Content     string    `json:"content"`
	Embedding   []float64 `json:"embedding"`
	SignalLabel string    `json:"signal_label,omitempty"`
	ToneTags    []string  `json:"tone_tags,omitempty"`
}

// ToneEntry pairs an embedding with the tone tags of the text it came from.
type ToneEntry struct {
	Embedding []float64 `json:"embedding"`
	ToneTags  []string  `json:"tone_tags"`
}

// Corpus is an immutable loaded corpus. Dims is 0 when Entries is empty.
type Corpus[T any] struct {
	Entries []T
	Dims    int
}

func (c Corpus[T]) Empty() bool { return len(c.Entries) == 0 }

// Library hands out the two corpora, loading each on first use.
type Library struct {
	recallPath string
	tonePath   string
	log        *zap.Logger

	recallOnce sync.Once
	recall     Corpus[RecallEntry]
	toneOnce   sync.Once
	tone       Corpus[ToneEntry]
}

func NewLibrary(recallPath, tonePath string, log *zap.Logger) *Library {
	return &Library{
		recallPath: recallPath,
		tonePath:   tonePath,
		log:        logging.Component(log, "corpus"),
	}
}

// NewStaticLibrary wraps already-built entries. Dimensions are validated the
// same way file loads are; a non-uniform set becomes an empty corpus.
func NewStaticLibrary(recall []RecallEntry, tone []ToneEntry) *Library {
	l := &Library{log: zap.NewNop()}
	l.recallOnce.Do(func() {
		l.recall = buildCorpus(recall, recallEmbedding, l.log, "static-recall")
	})
	l.toneOnce.Do(func() {
		l.tone = buildCorpus(tone, toneEmbedding, l.log, "static-tone")
	})
	return l
}

// Recall returns the recall corpus, loading it on the first call.
func (l *Library) Recall() Corpus[RecallEntry] {
	l.recallOnce.Do(func() {
		entries, err := readJSONArray[RecallEntry](l.recallPath)
		if err != nil {
			l.log.Warn("recall corpus unavailable", zap.String("path", l.recallPath), zap.Error(err))
			return
		}
		l.recall = buildCorpus(entries, recallEmbedding, l.log, l.recallPath)
	})
	return l.recall
}

// Tone returns the tone corpus, loading it on the first call.
func (l *Library) Tone() Corpus[ToneEntry] {
	l.toneOnce.Do(func() {
		entries, err := readJSONArray[ToneEntry](l.tonePath)
		if err != nil {
			l.log.Warn("tone corpus unavailable", zap.String("path", l.tonePath), zap.Error(err))
			return
		}
		l.tone = buildCorpus(entries, toneEmbedding, l.log, l.tonePath)
	})
	return l.tone
}

func recallEmbedding(e RecallEntry) []float64 { return e.Embedding }
func toneEmbedding(e ToneEntry) []float64     { return e.Embedding }

func buildCorpus[T any](entries []T, embedding func(T) []float64, log *zap.Logger, name string) Corpus[T] {
	if len(entries) == 0 {
		return Corpus[T]{}
	}
	vectors := make([][]float64, len(entries))
	for i, e := range entries {
		vectors[i] = embedding(e)
	}
	dims, err := similarity.Dims(vectors...)
	if err != nil {
		log.Error("corpus rejected", zap.String("corpus", name), zap.Error(err))
		return Corpus[T]{}
	}
	if dims == 0 {
		log.Error("corpus rejected", zap.String("corpus", name), zap.String("reason", "entries carry no embeddings"))
		return Corpus[T]{}
	}
	log.Info("corpus loaded", zap.String("corpus", name), zap.Int("entries", len(entries)), zap.Int("dims", dims))
	return Corpus[T]{Entries: entries, Dims: dims}
}

func readJSONArray[T any](path string) ([]T, error) {
	if path == "" {
		return nil, fmt.Errorf("no corpus path configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	return out, nil
}
