package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/shrink/internal/corpus"
	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/observability"
	"github.com/ent0n29/shrink/internal/policy"
	"github.com/ent0n29/shrink/internal/recall"
	"github.com/ent0n29/shrink/internal/sessionlog"
	"github.com/ent0n29/shrink/internal/shortterm"
	"github.com/ent0n29/shrink/internal/signal"
	"github.com/ent0n29/shrink/internal/similarity"
)

const surgeryPrompt = "I feel overwhelmed and anxious about my upcoming surgery."

type recordingCompleter struct {
	next llm.Completer

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (r *recordingCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.next.Complete(ctx, req)
}

func (r *recordingCompleter) last(t *testing.T) llm.CompletionRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		t.Fatalf("completer was never called")
	}
	return r.requests[len(r.requests)-1]
}

type completerFunc func(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)

func (f completerFunc) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	return f(ctx, req)
}

type fixedSignal struct {
	label signal.Label
	err   error
}

func (f fixedSignal) Predict(context.Context, string) (signal.Label, error) { return f.label, f.err }

type fixedTone struct {
	tags []string
	err  error
}

func (f fixedTone) Infer(context.Context, string) ([]string, error) { return f.tags, f.err }

type failingRecall struct{ err error }

func (f failingRecall) Recall(context.Context, string, signal.Label, []string) (recall.Result, error) {
	return recall.Result{}, f.err
}

type failingLog struct{}

func (failingLog) Append(context.Context, sessionlog.Entry) error { return errors.New("disk full") }
func (failingLog) Close() error                                   { return nil }

type capturingLog struct {
	mu      sync.Mutex
	entries []sessionlog.Entry
}

func (c *capturingLog) Append(_ context.Context, e sessionlog.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *capturingLog) Close() error { return nil }

type harness struct {
	engine    *Engine
	completer *recordingCompleter
	memory    *memory.Service
	metrics   *observability.Metrics
	log       *capturingLog
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	mock := llm.NewMockProvider(64)
	ctx := context.Background()

	entry := func(content, label string) corpus.RecallEntry {
		vec, err := mock.Embed(ctx, content)
		if err != nil {
			t.Fatalf("Embed() error = %v", err)
		}
		return corpus.RecallEntry{Discipline: "CBT", Topic: "pre-op worry", Content: content, Embedding: vec, SignalLabel: label}
	}
	library := corpus.NewStaticLibrary([]corpus.RecallEntry{
		entry("anxious about surgery and feeling overwhelmed", "medium"),
		entry("grounding exercise for acute distress", "high"),
	}, nil)

	facts := shortterm.NewInMemoryCache(time.Minute, 100)
	mem := memory.NewService(memory.NewInMemoryStore(), mock, facts, nil)
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	rec := &recordingCompleter{next: mock}
	log := &capturingLog{}

	deps := Deps{
		Completer:  rec,
		Signals:    signal.NewPredictor(mock, "signal-model"),
		Tones:      fixedTone{tags: []string{}},
		Recall:     recall.NewRecaller(mock, library, recall.Options{}, nil),
		Memory:     mem,
		Facts:      facts,
		SafetyNet:  policy.NewSafetyNet(policy.SafetyNetConfig{Pick: func(int) int { return 0 }}),
		SessionLog: log,
		Metrics:    metrics,
	}
	opts := Options{
		FullModel:         "full-model",
		MicroModel:        "micro-model",
		Temperature:       0.7,
		TopP:              1,
		MaxTokens:         256,
		RequestTimeout:    2 * time.Second,
		EnrichmentTimeout: time.Second,
		Pick:              func(int) int { return 0 },
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	e := New(deps, opts)
	t.Cleanup(e.Wait)
	return &harness{engine: e, completer: rec, memory: mem, metrics: metrics, log: log}
}

func TestRespondRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Respond(context.Background(), Request{Prompt: "   ", ThreadIDs: []string{"t1"}})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("Respond() error = %v, want ErrEmptyPrompt", err)
	}
	h.engine.Wait()
	if len(h.completer.requests) != 0 {
		t.Fatalf("completer called %d times for an empty prompt", len(h.completer.requests))
	}
	if got := h.memory.ForThread(context.Background(), "t1", 10); len(got) != 0 {
		t.Fatalf("memory has %d turns after rejected prompt", len(got))
	}
	if len(h.log.entries) != 0 {
		t.Fatalf("session log has %d entries after rejected prompt", len(h.log.entries))
	}
}

func TestRespondColdTurnUsesMicroModel(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Model != "micro-model" {
		t.Fatalf("Model = %q, want micro-model", res.Model)
	}
	if strings.TrimSpace(res.ResponseText) == "" {
		t.Fatalf("empty response")
	}
	if res.Signal != "medium" {
		t.Fatalf("Signal = %q, want medium", res.Signal)
	}
	if !res.RecallUsed {
		t.Fatalf("RecallUsed = false, want true for a matching medium entry")
	}
	if res.ToneTags == nil {
		t.Fatalf("ToneTags must be non-nil")
	}

	msgs := h.completer.last(t).Messages
	if len(msgs) != 3 || msgs[1].Role != llm.RoleSystem || !strings.Contains(msgs[1].Content, "(CBT) pre-op worry:") {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if testutil.ToFloat64(h.metrics.ModelSelections.WithLabelValues("micro")) != 1 {
		t.Fatalf("micro model selection not counted")
	}
	if len(h.log.entries) != 1 || h.log.entries[0].Model != "micro-model" || !h.log.entries[0].RecallUsed {
		t.Fatalf("session log = %+v", h.log.entries)
	}
}

func TestRespondRecallSkippedWhenNoEntryMatchesSignal(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Signals = fixedSignal{label: signal.Low}
	})
	res, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.RecallUsed {
		t.Fatalf("RecallUsed = true with no low-signal entries")
	}
	for _, m := range h.completer.last(t).Messages[1:] {
		if m.Role == llm.RoleSystem {
			t.Fatalf("recall system message present without recall: %q", m.Content)
		}
	}
}

func TestRespondUsesFullModelWithAnyContext(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"session", Request{Prompt: "hi", SessionID: "s1"}},
		{"threads", Request{Prompt: "hi", ThreadIDs: []string{"t1"}}},
		{"history", Request{Prompt: "hi", History: []llm.Message{{Role: llm.RoleUser, Content: "earlier"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			res, err := h.engine.Respond(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("Respond() error = %v", err)
			}
			if res.Model != "full-model" {
				t.Fatalf("Model = %q, want full-model", res.Model)
			}
		})
	}
}

func TestRespondRepetitionAcrossTurns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.engine.Respond(ctx, Request{Prompt: surgeryPrompt, ThreadIDs: []string{"t1"}})
	if err != nil {
		t.Fatalf("first Respond() error = %v", err)
	}
	if first.Safety.Repetition {
		t.Fatalf("first turn flagged as repetition")
	}
	h.engine.Wait()

	second, err := h.engine.Respond(ctx, Request{Prompt: first.ResponseText, ThreadIDs: []string{"t1"}})
	if err != nil {
		t.Fatalf("second Respond() error = %v", err)
	}
	if !second.Safety.Repetition {
		t.Fatalf("second turn not flagged as repetition: %q", second.ResponseText)
	}
	if !strings.HasSuffix(second.ResponseText, policy.DefaultRepetitionBreakers[0]) {
		t.Fatalf("response %q does not end with a repetition breaker", second.ResponseText)
	}
	if testutil.ToFloat64(h.metrics.SafetyTriggers.WithLabelValues("repetition")) != 1 {
		t.Fatalf("repetition trigger not counted")
	}
}

func TestRespondRepetitionComparesLastHistoryMessageVerbatim(t *testing.T) {
	cases := []struct {
		name    string
		history []llm.Message
		want    bool
	}{
		{"empty last message", []llm.Message{{Role: llm.RoleAssistant, Content: "tired"}, {Role: llm.RoleUser, Content: ""}}, false},
		{"padded prior", []llm.Message{{Role: llm.RoleAssistant, Content: "tired  "}}, false},
		{"exact prior", []llm.Message{{Role: llm.RoleAssistant, Content: "tired"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(d *Deps, _ *Options) {
				d.Completer = completerFunc(func(context.Context, llm.CompletionRequest) (llm.Completion, error) {
					return llm.Completion{Text: "You sound tired today."}, nil
				})
			})
			res, err := h.engine.Respond(context.Background(), Request{Prompt: "hello", History: tc.history})
			if err != nil {
				t.Fatalf("Respond() error = %v", err)
			}
			if res.Safety.Repetition != tc.want {
				t.Fatalf("Repetition = %v, want %v", res.Safety.Repetition, tc.want)
			}
		})
	}
}

func TestRespondWritesBothTurns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.engine.Respond(ctx, Request{Prompt: surgeryPrompt, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	h.engine.Wait()

	turns := h.memory.ForThread(ctx, "s1", 10)
	if len(turns) != 2 {
		t.Fatalf("stored %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Content != surgeryPrompt {
		t.Fatalf("first turn = %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAssistant || turns[1].Content != res.ResponseText {
		t.Fatalf("second turn = %+v", turns[1])
	}
	if len(turns[0].Embedding) == 0 {
		t.Fatalf("user turn stored without embedding")
	}
}

func TestRespondMessageOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, turn := range []memory.AppendRequest{
		{ThreadID: "t1", Role: memory.RoleUser, Content: "stored question"},
		{ThreadID: "t1", Role: "engine", Content: "stored answer"},
	} {
		if _, err := h.memory.Append(ctx, turn); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	_, err := h.engine.Respond(ctx, Request{
		Prompt:    "and today?",
		ThreadIDs: []string{"t1"},
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "live question"},
			{Role: llm.RoleAssistant, Content: "live answer"},
			{Role: "tool", Content: "dropped"},
		},
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	msgs := h.completer.last(t).Messages
	var got []string
	for _, m := range msgs[1:] {
		if m.Role == llm.RoleSystem {
			continue
		}
		got = append(got, fmt.Sprintf("%s:%s", m.Role, m.Content))
	}
	want := []string{
		"user:stored question",
		"assistant:stored answer",
		"user:live question",
		"assistant:live answer",
		"user:and today?",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message role = %q, want system", msgs[0].Role)
	}
}

func TestRespondSystemPromptStyleAndName(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Signals = fixedSignal{label: signal.High}
	})
	ctx := context.Background()

	if _, err := h.engine.Respond(ctx, Request{Prompt: "My name is Alice and work is rough", ThreadIDs: []string{"t1"}}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	h.engine.Wait()
	if _, err := h.engine.Respond(ctx, Request{Prompt: "What's my name?", ThreadIDs: []string{"t1"}}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	system := h.completer.last(t).Messages[0].Content
	if !strings.Contains(system, DefaultProfessionalPrimers[0]) {
		t.Fatalf("high signal should use the professional primer: %q", system)
	}
	if !strings.Contains(system, "The user is Alice, currently feeling varied emotions.") {
		t.Fatalf("missing profile line: %q", system)
	}
	if !strings.Contains(system, "their name is Alice") {
		t.Fatalf("missing name reminder: %q", system)
	}
}

func TestRespondDegradesEnrichmentFailures(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Signals = fixedSignal{err: errors.New("classifier down")}
		d.Tones = fixedTone{err: errors.New("embedder down")}
		d.Recall = failingRecall{err: errors.New("corpus offline")}
		d.SessionLog = failingLog{}
	})
	res, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Signal != string(signal.Default) || len(res.ToneTags) != 0 || res.RecallUsed {
		t.Fatalf("degraded result = %+v", res)
	}
	if strings.Join(res.Degraded, ",") != "signal,tone,recall" {
		t.Fatalf("Degraded = %v", res.Degraded)
	}
	for _, stage := range []string{"signal", "tone", "recall"} {
		if testutil.ToFloat64(h.metrics.Degraded.WithLabelValues(stage)) != 1 {
			t.Fatalf("degraded %s not counted", stage)
		}
	}
	if testutil.ToFloat64(h.metrics.BackgroundErrors.WithLabelValues("session_log")) != 1 {
		t.Fatalf("session log failure not counted")
	}
}

func TestRespondSkipsUnconfiguredStages(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Signals = nil
		d.Tones = nil
		d.Recall = nil
	})
	res, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(res.Degraded) != 0 {
		t.Fatalf("Degraded = %v, want none", res.Degraded)
	}
	if res.Signal != string(signal.Default) {
		t.Fatalf("Signal = %q, want default", res.Signal)
	}
}

func TestRespondDimensionMismatchIsFatal(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Recall = failingRecall{err: fmt.Errorf("score: %w", similarity.ErrDimensionMismatch)}
	})
	_, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if !errors.Is(err, similarity.ErrDimensionMismatch) {
		t.Fatalf("Respond() error = %v, want ErrDimensionMismatch", err)
	}
	if len(h.completer.requests) != 0 {
		t.Fatalf("generation ran after a dimension mismatch")
	}
}

func TestRespondGenerationFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Completer = completerFunc(func(context.Context, llm.CompletionRequest) (llm.Completion, error) {
			return llm.Completion{}, errors.New("502 from upstream")
		})
	})
	_, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt, SessionID: "s1"})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("Respond() error = %v, want ErrGeneration", err)
	}
	h.engine.Wait()
	if got := h.memory.ForThread(context.Background(), "s1", 10); len(got) != 0 {
		t.Fatalf("failed turn wrote %d memory turns", len(got))
	}
	if testutil.ToFloat64(h.metrics.ChatRequests.WithLabelValues("error")) != 1 {
		t.Fatalf("error outcome not counted")
	}
}

func TestRespondTimeout(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Completer = completerFunc(func(ctx context.Context, _ llm.CompletionRequest) (llm.Completion, error) {
			<-ctx.Done()
			return llm.Completion{}, ctx.Err()
		})
		o.RequestTimeout = 50 * time.Millisecond
		o.EnrichmentTimeout = 10 * time.Millisecond
	})
	_, err := h.engine.Respond(context.Background(), Request{Prompt: surgeryPrompt})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Respond() error = %v, want ErrTimeout", err)
	}
	if testutil.ToFloat64(h.metrics.ChatRequests.WithLabelValues("timeout")) != 1 {
		t.Fatalf("timeout outcome not counted")
	}
}

func TestRespondAppendsCrisisMessageOnce(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Completer = completerFunc(func(context.Context, llm.CompletionRequest) (llm.Completion, error) {
			return llm.Completion{Text: "It sounds like you want to end it all and cannot take more, thinking of suicide.", Model: "served-model"}, nil
		})
	})
	res, err := h.engine.Respond(context.Background(), Request{Prompt: "help", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if strings.Count(res.ResponseText, policy.DefaultCrisisMessage) != 1 {
		t.Fatalf("crisis message count != 1 in %q", res.ResponseText)
	}
	if res.Model != "served-model" {
		t.Fatalf("Model = %q, want the provider-reported model", res.Model)
	}
}
