package engine

import (
	"fmt"
	"strings"

	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/recall"
	"github.com/ent0n29/shrink/internal/shortterm"
	"github.com/ent0n29/shrink/internal/signal"
)

const maxRecallPassages = 3

const DefaultBasePrompt = "You are a warm, attentive listener in a supportive chat. Reflect what you hear, ask gentle open questions, and never diagnose."

// Primer pools seed the reply style. High-signal turns use the steadier pool.
var (
	DefaultFriendlyPrimers = []string{
		"We can keep this easy. Tell me what is on your mind and we will look at it together.",
		"Wherever you are today is fine. I am here and I am listening.",
		"No rush at all. Start anywhere and we will figure it out as we go.",
	}
	DefaultProfessionalPrimers = []string{
		"Let us slow down and take this one step at a time. Your safety and wellbeing come first.",
		"I want to understand what is happening for you right now. Can you tell me more about how you are feeling?",
		"Thank you for telling me. We can focus on what would help you feel a little steadier in this moment.",
	}
)

// memoryContext is what the memory branch contributes to a turn.
type memoryContext struct {
	turns    []memory.Turn
	relevant []memory.ScoredTurn
	profile  *memory.Profile
	facts    shortterm.Facts
}

func (e *Engine) systemPrompt(sig signal.Label, prompt string, mem memoryContext) string {
	pool := e.opts.FriendlyPrimers
	if sig == signal.High {
		pool = e.opts.ProfessionalPrimers
	}

	var b strings.Builder
	b.WriteString(e.opts.BasePrompt)
	if len(pool) > 0 {
		b.WriteString("\n\nHere is how a warm, natural therapist might speak:\n\n")
		b.WriteString(pool[e.pick(len(pool))])
	}

	name := strings.TrimSpace(mem.facts.UserName)
	if mem.profile != nil {
		if name == "" {
			name = strings.TrimSpace(mem.profile.Name)
		}
		b.WriteString("\n\n")
		b.WriteString(profileLine(*mem.profile, name))
	}
	if name != "" && shortterm.AsksForName(prompt) {
		fmt.Fprintf(&b, "\n\nThe user told you earlier that their name is %s. If they ask, tell them.", name)
	}
	return b.String()
}

func profileLine(p memory.Profile, name string) string {
	if name == "" {
		name = "Anonymous"
	}
	feeling := strings.Join(p.EmotionalTone, ", ")
	if feeling == "" {
		feeling = "varied emotions"
	}
	return fmt.Sprintf("The user is %s, currently feeling %s.", name, feeling)
}

func recallBlock(passages []recall.Passage) string {
	if len(passages) > maxRecallPassages {
		passages = passages[:maxRecallPassages]
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("(%s) %s: %s", p.Discipline, p.Topic, p.Content))
	}
	return "Reference notes:\n\n" + strings.Join(parts, "\n\n")
}

func relevantBlock(turns []memory.ScoredTurn) string {
	var b strings.Builder
	b.WriteString("Relevant context from previous conversations:\n")
	for i, t := range turns {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.Content)
	}
	b.WriteString("\nPlease consider this context when responding.")
	return b.String()
}

// buildMessages orders the conversation: system prompt, recall notes, relevant
// memories, memory turns, live history, then the prompt itself.
func (e *Engine) buildMessages(req Request, sig signal.Label, rec recall.Result, mem memoryContext) []llm.Message {
	msgs := make([]llm.Message, 0, 4+len(mem.turns)+len(req.History))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.systemPrompt(sig, req.Prompt, mem)})
	if rec.Used && len(rec.Passages) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: recallBlock(rec.Passages)})
	}
	if len(mem.relevant) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: relevantBlock(mem.relevant)})
	}
	for _, t := range mem.turns {
		role, ok := llm.ProviderRole(t.Role)
		if !ok || strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	for _, h := range req.History {
		role, ok := llm.ProviderRole(string(h.Role))
		if !ok || strings.TrimSpace(h.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Prompt})
}

// precedingTurn is the content the safety net compares the new response to:
// the last live history message, else the last remembered turn. An empty
// last message means there is nothing to repeat.
func precedingTurn(req Request, mem memoryContext) string {
	if n := len(req.History); n > 0 {
		return req.History[n-1].Content
	}
	if n := len(mem.turns); n > 0 {
		return mem.turns[n-1].Content
	}
	return ""
}
