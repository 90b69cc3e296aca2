// Package shortterm keeps facts extracted from recent conversation, such as
// the user's name and the topics they raised. Turns themselves live in the
// durable memory store.
package shortterm

import (
	"context"
	"strings"
	"time"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxThreads = 1000
)

type Facts struct {
	ThreadID  string    `json:"thread_id"`
	UserName  string    `json:"user_name,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Emotions  []string  `json:"emotions,omitempty"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache stores Facts per thread with a sliding TTL.
type Cache interface {
	// Observe folds one message into the thread's facts.
	Observe(ctx context.Context, threadID, role, content string) (Facts, error)
	// Get returns the thread's facts; the zero Facts when nothing is cached.
	Get(ctx context.Context, threadID string) (Facts, error)
	Forget(ctx context.Context, threadID string) error
	Close() error
}

// observation is what one message contributes to a thread's facts.
type observation struct {
	name     string
	topics   []string
	emotions []string
}

func observe(role, content string) observation {
	if !strings.EqualFold(strings.TrimSpace(role), "user") {
		return observation{}
	}
	var o observation
	if name, ok := ExtractName(content); ok {
		o.name = name
	}
	o.topics = DetectTopics(content)
	o.emotions = DetectEmotions(content)
	return o
}

func (f *Facts) apply(o observation, now time.Time) {
	f.Messages++
	if o.name != "" {
		f.UserName = o.name
	}
	f.Topics = union(f.Topics, o.topics)
	f.Emotions = union(f.Emotions, o.emotions)
	f.UpdatedAt = now
}
