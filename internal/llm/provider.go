// Package llm wraps the embedding, completion and classification backends.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is a provider-facing chat role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a completion conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries the assembled conversation and sampling parameters.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Completion is the generated text plus the model the provider actually used.
type Completion struct {
	Text  string
	Model string
}

// ClassifyRequest asks for a structured, schema-constrained answer.
type ClassifyRequest struct {
	Model        string
	Instructions string
	Input        string
	SchemaName   string
	Schema       map[string]any
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Classifier returns the raw model output for a structured request.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
}

// Provider bundles all three capabilities behind one backend.
type Provider interface {
	Embedder
	Completer
	Classifier
	Name() string
}

// Config controls provider construction.
type Config struct {
	Mode           string
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	EmbeddingDims  int
	RequestTimeout time.Duration
}

func NewProvider(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIProvider(cfg), nil
		}
		return NewMockProvider(cfg.EmbeddingDims), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return NewOpenAIProvider(cfg), nil
	case "mock":
		return NewMockProvider(cfg.EmbeddingDims), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode %q", cfg.Mode)
	}
}

// ProviderRole maps a stored memory role onto a provider role. Rows written by
// older clients use "engine" for generated turns.
func ProviderRole(stored string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(stored)) {
	case "user":
		return RoleUser, true
	case "assistant", "engine":
		return RoleAssistant, true
	case "system":
		return RoleSystem, true
	default:
		return "", false
	}
}

// LastUserMessage returns the content of the final user message, if any.
func LastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
