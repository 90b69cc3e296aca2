package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/config"
	"github.com/ent0n29/shrink/internal/engine"
	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/logging"
	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/observability"
	"github.com/ent0n29/shrink/internal/protocol"
	"github.com/ent0n29/shrink/internal/reliability"
	"github.com/ent0n29/shrink/internal/shortterm"
)

// Responder runs one chat turn.
type Responder interface {
	Respond(ctx context.Context, req engine.Request) (engine.Result, error)
}

type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	chat     Responder
	memory   *memory.Service
	facts    shortterm.Cache
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
	checks   []readinessCheck
}

func New(cfg config.Config, chat Responder, mem *memory.Service, facts shortterm.Cache, metrics *observability.Metrics, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		chat:    chat,
		memory:  mem,
		facts:   facts,
		metrics: metrics,
		log:     logging.Component(log, "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// AddReadinessCheck registers a dependency check reported by /readyz.
func (s *Server) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Get("/v1/memory", s.handleListThreads)
	r.Get("/v1/memory/relevant", s.handleRelevant)
	r.Post("/v1/memory/relevant", s.handleRelevant)
	r.Get("/v1/memory/{threadID}", s.handleListMemory)
	r.Post("/v1/memory/{threadID}", s.handleAppendMemory)
	r.Delete("/v1/memory/{threadID}", s.handleResetMemory)
	r.Get("/v1/memory/{threadID}/facts", s.handleFacts)

	r.Get("/v1/profile/{threadID}", s.handleGetProfile)
	r.Put("/v1/profile/{threadID}", s.handlePutProfile)
	r.Post("/v1/profile/{threadID}/onboarding-complete", s.handleOnboardingComplete)

	r.Post("/v1/feedback", s.handleSubmitFeedback)
	r.Get("/v1/feedback/{responseID}", s.handleListFeedback)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"llm_provider":   s.cfg.LLMProvider,
		"memory_backend": s.memoryBackend(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			failed[c.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"failed": failed,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"memory_backend": s.memoryBackend(),
	})
}

type chatRequest struct {
	Prompt    string                    `json:"prompt"`
	SessionID string                    `json:"sessionId"`
	ThreadIDs []string                  `json:"threadIds"`
	History   []protocol.HistoryMessage `json:"history"`
}

func (c chatRequest) engineRequest() engine.Request {
	history := make([]llm.Message, 0, len(c.History))
	for _, h := range c.History {
		history = append(history, llm.Message{Role: llm.Role(strings.ToLower(strings.TrimSpace(h.Role))), Content: h.Content})
	}
	return engine.Request{
		Prompt:    c.Prompt,
		SessionID: c.SessionID,
		ThreadIDs: c.ThreadIDs,
		History:   history,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat engine not configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.chat.Respond(r.Context(), req.engineRequest())
	if err != nil {
		status, code, msg := chatErrorStatus(err)
		respondError(w, status, code, msg)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// chatErrorStatus maps a failed turn onto a response. Internal details stay in
// the logs.
func chatErrorStatus(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, engine.ErrEmptyPrompt):
		return http.StatusBadRequest, "empty_prompt", "prompt is required"
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout", "the request took too long"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat engine not configured")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ChatRequest, 16)
	outbound := make(chan any, 16)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		for req := range inbound {
			msg := s.runChatRequest(ctx, sessionID, req)
			select {
			case <-ctx.Done():
				return
			case outbound <- msg:
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug("websocket write failed", zap.Error(err))
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveWS("outbound", string(t))
				}
			}
		}
	}()

	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "ready"}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveWS("outbound", "drop_full")
			}
			continue
		}

		req, ok := parsed.(protocol.ChatRequest)
		if !ok {
			continue
		}
		s.metrics.ObserveWS("inbound", string(req.Type))
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- req:
		}
	}

	close(inbound)
	cancel()
	<-runDone
	<-writerDone
}

func (s *Server) runChatRequest(ctx context.Context, connSessionID string, msg protocol.ChatRequest) any {
	sessionID := strings.TrimSpace(msg.SessionID)
	if sessionID == "" {
		sessionID = connSessionID
	}
	req := chatRequest{Prompt: msg.Prompt, SessionID: sessionID, ThreadIDs: msg.ThreadIDs, History: msg.History}

	res, err := s.chat.Respond(ctx, req.engineRequest())
	if err != nil {
		status, code, detail := chatErrorStatus(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: msg.RequestID,
			SessionID: sessionID,
			Code:      code,
			Source:    "engine",
			Retryable: reliability.IsRetryableHTTPStatus(status),
			Detail:    detail,
		}
	}
	return protocol.ChatResponse{
		Type:         protocol.TypeChatResponse,
		RequestID:    msg.RequestID,
		SessionID:    sessionID,
		ResponseID:   res.ResponseID,
		ResponseText: res.ResponseText,
		RecallUsed:   res.RecallUsed,
		ToneTags:     res.ToneTags,
		Signal:       res.Signal,
		Model:        res.Model,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) memoryBackend() string {
	if s.memory == nil {
		return "disabled"
	}
	return memory.Backend(s.memory.Store())
}
