// Package engine runs one chat turn end to end: enrichment, recall, memory
// assembly, generation, the safety net, session logging and memory writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/observability"
	"github.com/ent0n29/shrink/internal/policy"
	"github.com/ent0n29/shrink/internal/recall"
	"github.com/ent0n29/shrink/internal/sessionlog"
	"github.com/ent0n29/shrink/internal/shortterm"
	"github.com/ent0n29/shrink/internal/signal"
	"github.com/ent0n29/shrink/internal/similarity"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrTimeout     = errors.New("request timed out")
	ErrGeneration  = errors.New("generation failed")
)

const (
	modelVariantMicro = "micro"
	modelVariantFull  = "full"
)

type SignalPredictor interface {
	Predict(ctx context.Context, text string) (signal.Label, error)
}

type ToneInferer interface {
	Infer(ctx context.Context, text string) ([]string, error)
}

type Recaller interface {
	Recall(ctx context.Context, prompt string, sig signal.Label, toneTags []string) (recall.Result, error)
}

type Request struct {
	Prompt    string
	SessionID string
	ThreadIDs []string
	History   []llm.Message
}

type Result struct {
	// ResponseID identifies the reply for feedback; it is also the session
	// log entry id.
	ResponseID   string          `json:"responseId"`
	ResponseText string          `json:"response_text"`
	RecallUsed   bool            `json:"recallUsed"`
	ToneTags     []string        `json:"tone_tags"`
	Signal       string          `json:"signal"`
	Model        string          `json:"model"`
	Degraded     []string        `json:"degraded,omitempty"`
	Safety       policy.Triggers `json:"-"`
}

type Options struct {
	FullModel   string
	MicroModel  string
	Temperature float64
	TopP        float64
	MaxTokens   int

	RequestTimeout    time.Duration
	EnrichmentTimeout time.Duration

	PerThreadLimit     int
	SessionLimit       int
	RelevanceThreshold float64
	RelevantLimit      int

	BasePrompt          string
	FriendlyPrimers     []string
	ProfessionalPrimers []string
	// Pick returns an index in [0, n). Defaults to a uniform random pick.
	Pick func(n int) int
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.EnrichmentTimeout <= 0 {
		o.EnrichmentTimeout = 3 * time.Second
	}
	if o.PerThreadLimit <= 0 {
		o.PerThreadLimit = 4
	}
	if o.SessionLimit <= 0 {
		o.SessionLimit = 10
	}
	if o.RelevanceThreshold == 0 {
		o.RelevanceThreshold = memory.DefaultRelevanceThreshold
	}
	if o.RelevantLimit <= 0 {
		o.RelevantLimit = 3
	}
	if o.BasePrompt == "" {
		o.BasePrompt = DefaultBasePrompt
	}
	if o.FriendlyPrimers == nil {
		o.FriendlyPrimers = DefaultFriendlyPrimers
	}
	if o.ProfessionalPrimers == nil {
		o.ProfessionalPrimers = DefaultProfessionalPrimers
	}
	if o.Pick == nil {
		o.Pick = rand.Intn
	}
}

// Deps are the collaborators of an Engine. Facts, SessionLog and Metrics are
// optional.
type Deps struct {
	Completer  llm.Completer
	Signals    SignalPredictor
	Tones      ToneInferer
	Recall     Recaller
	Memory     *memory.Service
	Facts      shortterm.Cache
	SafetyNet  *policy.SafetyNet
	SessionLog sessionlog.Writer
	Metrics    *observability.Metrics
	Log        *zap.Logger
}

type Engine struct {
	deps Deps
	opts Options
	log  *zap.Logger

	writes sync.WaitGroup
}

func New(deps Deps, opts Options) *Engine {
	opts.applyDefaults()
	if deps.SessionLog == nil {
		deps.SessionLog = sessionlog.Nop{}
	}
	if deps.SafetyNet == nil {
		deps.SafetyNet = policy.NewSafetyNet(policy.SafetyNetConfig{})
	}
	return &Engine{deps: deps, opts: opts, log: logging.Component(deps.Log, "engine")}
}

// Wait blocks until every background memory write has finished.
func (e *Engine) Wait() {
	e.writes.Wait()
}

// Respond produces the reply to one prompt. Only an empty prompt, a failed
// generation, a timeout or an embedding dimension mismatch abort the turn;
// every other stage degrades to its default.
func (e *Engine) Respond(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	res, err := e.respond(ctx, req)
	e.deps.Metrics.ObserveStage(observability.StageTotal, time.Since(start))
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		status := "error"
		if errors.Is(err, ErrTimeout) {
			status = "timeout"
		}
		e.deps.Metrics.ObserveRequest(status)
		e.log.Warn("chat turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return Result{}, err
	}
	e.deps.Metrics.ObserveRequest("ok")
	return res, nil
}

func (e *Engine) respond(ctx context.Context, req Request) (Result, error) {
	req.ThreadIDs = cleanIDs(req.ThreadIDs)
	req.SessionID = strings.TrimSpace(req.SessionID)
	key := memoryKey(req)

	var (
		sig   outcome[signal.Label]
		tones outcome[[]string]
		rec   outcome[recall.Result]
		mem   memoryContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sig, tones, err = e.enrich(gctx, req.Prompt)
		if err != nil {
			return err
		}
		rec, err = e.recall(gctx, req.Prompt, sig.value, tones.value)
		return err
	})
	g.Go(func() error {
		var err error
		mem, err = e.assembleMemory(gctx, req, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var degraded []string
	degraded = e.settle("signal", sig.degraded, sig.cause, degraded)
	degraded = e.settle("tone", tones.degraded, tones.cause, degraded)
	degraded = e.settle("recall", rec.degraded, rec.cause, degraded)

	msgs := e.buildMessages(req, sig.value, rec.value, mem)
	model, variant := e.selectModel(req)
	e.deps.Metrics.ObserveModel(variant)

	genStart := time.Now()
	comp, err := e.deps.Completer.Complete(ctx, llm.CompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: e.opts.Temperature,
		TopP:        e.opts.TopP,
		MaxTokens:   e.opts.MaxTokens,
	})
	e.deps.Metrics.ObserveStage(observability.StageGeneration, time.Since(genStart))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if comp.Model != "" {
		model = comp.Model
	}

	safetyStart := time.Now()
	text, triggers := e.deps.SafetyNet.Apply(precedingTurn(req, mem), comp.Text)
	e.deps.Metrics.ObserveStage(observability.StageSafetyNet, time.Since(safetyStart))
	e.observeSafety(triggers)

	res := Result{
		ResponseID:   uuid.NewString(),
		ResponseText: text,
		RecallUsed:   rec.value.Used,
		ToneTags:     tones.value,
		Signal:       string(sig.value),
		Model:        model,
		Degraded:     degraded,
		Safety:       triggers,
	}
	e.logSession(ctx, req, key, res)
	e.rememberTurn(key, req.Prompt, res)
	return res, nil
}

// enrich runs signal prediction and tone inference side by side.
func (e *Engine) enrich(ctx context.Context, prompt string) (outcome[signal.Label], outcome[[]string], error) {
	start := time.Now()
	defer func() { e.deps.Metrics.ObserveStage(observability.StageEnrichment, time.Since(start)) }()

	var (
		sig   outcome[signal.Label]
		tones outcome[[]string]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sig = e.predictSignal(gctx, prompt)
		return nil
	})
	g.Go(func() error {
		var err error
		tones, err = e.inferTone(gctx, prompt)
		return err
	})
	err := g.Wait()
	return sig, tones, err
}

func (e *Engine) predictSignal(ctx context.Context, prompt string) outcome[signal.Label] {
	if e.deps.Signals == nil {
		return degrade(signal.Default, errStageDisabled)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.EnrichmentTimeout)
	defer cancel()

	label, err := e.deps.Signals.Predict(ctx, prompt)
	if err != nil {
		return degrade(signal.Default, err)
	}
	return ok(label)
}

func (e *Engine) inferTone(ctx context.Context, prompt string) (outcome[[]string], error) {
	if e.deps.Tones == nil {
		return degrade([]string{}, errStageDisabled), nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.EnrichmentTimeout)
	defer cancel()

	tags, err := e.deps.Tones.Infer(ctx, prompt)
	if err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			return outcome[[]string]{}, fmt.Errorf("tone inference: %w", err)
		}
		return degrade([]string{}, err), nil
	}
	if tags == nil {
		tags = []string{}
	}
	return ok(tags), nil
}

func (e *Engine) recall(ctx context.Context, prompt string, sig signal.Label, tags []string) (outcome[recall.Result], error) {
	if e.deps.Recall == nil {
		return degrade(recall.Result{}, errStageDisabled), nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.EnrichmentTimeout)
	defer cancel()

	res, err := e.deps.Recall.Recall(ctx, prompt, sig, tags)
	e.deps.Metrics.ObserveStage(observability.StageRecall, time.Since(start))
	if err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			return outcome[recall.Result]{}, fmt.Errorf("recall: %w", err)
		}
		return degrade(recall.Result{}, err), nil
	}
	e.deps.Metrics.ObserveRecall(res.Used)
	return ok(res), nil
}

// assembleMemory gathers prior turns, relevant memories, the profile and the
// short-term facts for the turn. Read failures leave the part empty.
func (e *Engine) assembleMemory(ctx context.Context, req Request, key string) (memoryContext, error) {
	var mem memoryContext
	if e.deps.Memory == nil {
		return mem, nil
	}
	start := time.Now()
	defer func() { e.deps.Metrics.ObserveStage(observability.StageMemory, time.Since(start)) }()
	ctx, cancel := context.WithTimeout(ctx, e.opts.EnrichmentTimeout)
	defer cancel()

	switch {
	case len(req.ThreadIDs) > 0:
		mem.turns = e.deps.Memory.ForThreads(ctx, req.ThreadIDs, e.opts.PerThreadLimit)
	case req.SessionID != "":
		mem.turns = e.deps.Memory.ForThread(ctx, req.SessionID, e.opts.SessionLimit)
	}
	if key == "" {
		return mem, nil
	}

	relevant, err := e.deps.Memory.Relevant(ctx, key, req.Prompt, e.opts.RelevanceThreshold, e.opts.RelevantLimit)
	if err != nil {
		return memoryContext{}, fmt.Errorf("relevant memory: %w", err)
	}
	mem.relevant = withoutTurns(relevant, mem.turns)

	profile, err := e.deps.Memory.Profile(ctx, key)
	switch {
	case err == nil:
		mem.profile = &profile
	case errors.Is(err, memory.ErrNotFound):
	default:
		e.log.Warn("profile read degraded", zap.String("thread_id", key), zap.Error(err))
		e.deps.Metrics.ObserveDegraded("profile")
	}

	if e.deps.Facts != nil {
		facts, err := e.deps.Facts.Observe(ctx, key, memory.RoleUser, req.Prompt)
		if err != nil {
			e.log.Warn("short-term facts degraded", zap.String("thread_id", key), zap.Error(err))
			e.deps.Metrics.ObserveDegraded("short_term")
		} else {
			mem.facts = facts
		}
	}
	return mem, nil
}

// selectModel uses the micro model only for a turn with no context at all.
func (e *Engine) selectModel(req Request) (model, variant string) {
	if len(req.History) == 0 && len(req.ThreadIDs) == 0 && req.SessionID == "" && e.opts.MicroModel != "" {
		return e.opts.MicroModel, modelVariantMicro
	}
	return e.opts.FullModel, modelVariantFull
}

func (e *Engine) observeSafety(t policy.Triggers) {
	if t.Repetition {
		e.deps.Metrics.ObserveSafety("repetition")
	}
	if t.Withdrawal {
		e.deps.Metrics.ObserveSafety("withdrawal")
	}
	if t.Crisis {
		e.deps.Metrics.ObserveSafety("crisis")
	}
}

func (e *Engine) logSession(ctx context.Context, req Request, key string, res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.EnrichmentTimeout)
	defer cancel()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = key
	}
	err := e.deps.SessionLog.Append(ctx, sessionlog.Entry{
		ID:         res.ResponseID,
		SessionID:  sessionID,
		Prompt:     req.Prompt,
		Response:   res.ResponseText,
		Model:      res.Model,
		Signal:     res.Signal,
		RecallUsed: res.RecallUsed,
	})
	e.deps.Metrics.ObserveStage(observability.StageSessionLog, time.Since(start))
	if err != nil {
		e.log.Warn("session log append failed", zap.String("session_id", sessionID), zap.Error(err))
		e.deps.Metrics.ObserveBackgroundError("session_log")
	}
}

// rememberTurn stores the prompt and the final reply in the background.
func (e *Engine) rememberTurn(key, prompt string, res Result) {
	if key == "" || e.deps.Memory == nil {
		return
	}
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.RequestTimeout)
		defer cancel()

		turns := []memory.AppendRequest{
			{ThreadID: key, Role: memory.RoleUser, Content: prompt, Tags: res.ToneTags},
			{ThreadID: key, Role: memory.RoleAssistant, Content: res.ResponseText},
		}
		for _, t := range turns {
			if _, err := e.deps.Memory.Append(ctx, t); err != nil {
				e.log.Error("memory write failed", zap.String("thread_id", key), zap.String("role", t.Role), zap.Error(err))
				e.deps.Metrics.ObserveBackgroundError("memory_write")
				return
			}
		}
	}()
}

func (e *Engine) pick(n int) int {
	i := e.opts.Pick(n)
	if i < 0 || i >= n {
		return 0
	}
	return i
}

// memoryKey is the thread new turns are written to: the first thread id,
// else the session id.
func memoryKey(req Request) string {
	if len(req.ThreadIDs) > 0 {
		return req.ThreadIDs[0]
	}
	return req.SessionID
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func withoutTurns(relevant []memory.ScoredTurn, window []memory.Turn) []memory.ScoredTurn {
	if len(relevant) == 0 {
		return nil
	}
	inWindow := make(map[string]struct{}, len(window))
	for _, t := range window {
		inWindow[t.ID] = struct{}{}
	}
	out := make([]memory.ScoredTurn, 0, len(relevant))
	for _, r := range relevant {
		if _, dup := inWindow[r.ID]; !dup {
			out = append(out, r)
		}
	}
	return out
}
