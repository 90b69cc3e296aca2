package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// MockProvider gives deterministic local behaviour when no API key is set.
// Embeddings are hashed bags of words, so equal texts embed identically and
// texts sharing words score higher than unrelated ones.
type MockProvider struct {
	dims int
}

func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 64
	}
	return &MockProvider{dims: dims}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, p.dims)
	for _, word := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32()%uint32(p.dims))]++
	}
	return vec, nil
}

func (p *MockProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	model := req.Model
	if model == "" {
		model = "mock"
	}
	base := strings.TrimSpace(LastUserMessage(req.Messages))
	if base == "" {
		base = "I am listening."
	}
	return Completion{Text: fmt.Sprintf("I heard you: %s", base), Model: model}, nil
}

var mockSignalKeywords = []struct {
	label string
	words []string
}{
	{"high", []string{"suicide", "kill myself", "end it", "self-harm", "hopeless"}},
	{"medium", []string{"anxious", "overwhelmed", "sad", "angry", "upset", "nervous", "scared"}},
}

func (p *MockProvider) Classify(ctx context.Context, req ClassifyRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	in := strings.ToLower(req.Input)
	label := "low"
	for _, group := range mockSignalKeywords {
		if containsAny(in, group.words) {
			label = group.label
			break
		}
	}
	out, err := json.Marshal(map[string]string{"signal": label})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
