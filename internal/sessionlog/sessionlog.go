// Package sessionlog appends one record per completed chat request.
package sessionlog

import (
	"context"
	"slices"
	"time"

	"github.com/ent0n29/shrink/internal/policy"
	"github.com/ent0n29/shrink/internal/shortterm"
)

type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Model      string    `json:"model"`
	Signal     string    `json:"signal"`
	RecallUsed bool      `json:"recallUsed"`
	Redacted   []string  `json:"redacted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Writer interface {
	Append(ctx context.Context, entry Entry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

// Redacting masks personal data in prompt and response before handing
// entries on. A name the user introduces in the prompt is masked in both
// fields. Entry.Redacted lists the kinds that were removed.
type Redacting struct {
	Next Writer
}

func (r Redacting) Append(ctx context.Context, e Entry) error {
	name, hasName := shortterm.ExtractName(e.Prompt)

	var kinds, found []policy.PIIKind
	e.Prompt, found = policy.RedactPII(e.Prompt)
	kinds = append(kinds, found...)
	e.Response, found = policy.RedactPII(e.Response)
	kinds = append(kinds, found...)

	if hasName {
		var inPrompt, inResponse bool
		e.Prompt, inPrompt = policy.RedactName(e.Prompt, name)
		e.Response, inResponse = policy.RedactName(e.Response, name)
		if inPrompt || inResponse {
			kinds = append(kinds, policy.PIIName)
		}
	}

	for _, k := range kinds {
		if !slices.Contains(e.Redacted, string(k)) {
			e.Redacted = append(e.Redacted, string(k))
		}
	}
	return r.Next.Append(ctx, e)
}

func (r Redacting) Close() error { return r.Next.Close() }
