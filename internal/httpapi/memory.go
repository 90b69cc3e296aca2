package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/similarity"
)

const defaultListLimit = 50

// turnView is a stored turn without its embedding.
type turnView struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Salience  *float64  `json:"salience,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Embedded  bool      `json:"embedded"`
	CreatedAt time.Time `json:"created_at"`
	Score     *float64  `json:"score,omitempty"`
}

func viewOf(t memory.Turn) turnView {
	return turnView{
		ID:        t.ID,
		ThreadID:  t.ThreadID,
		Role:      t.Role,
		Content:   t.Content,
		Salience:  t.Salience,
		Tags:      t.Tags,
		Embedded:  len(t.Embedding) > 0,
		CreatedAt: t.CreatedAt,
	}
}

func viewsOf(turns []memory.Turn) []turnView {
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, viewOf(t))
	}
	return out
}

func (s *Server) requireMemory(w http.ResponseWriter) bool {
	if s.memory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory store not configured")
		return false
	}
	return true
}

func threadParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "threadID"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_thread_id", "missing thread id")
		return "", false
	}
	return id, true
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", defaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	turns := s.memory.ForThread(r.Context(), threadID, limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"turns":     viewsOf(turns),
	})
}

// handleListThreads merges several threads chronologically:
// GET /v1/memory?threadIds=a,b&limit=4
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var ids []string
	for _, raw := range r.URL.Query()["threadIds"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "missing_thread_ids", "query parameter threadIds is required")
		return
	}
	limit, err := intQuery(r, "limit", s.cfg.MemoryPerThreadLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	turns := s.memory.ForThreads(r.Context(), ids, limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"thread_ids": ids,
		"turns":      viewsOf(turns),
	})
}

type appendMemoryRequest struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Salience *float64 `json:"salience,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (s *Server) handleAppendMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	var req appendMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	turn, err := s.memory.Append(r.Context(), memory.AppendRequest{
		ThreadID: threadID,
		Role:     req.Role,
		Content:  req.Content,
		Salience: req.Salience,
		Tags:     req.Tags,
	})
	if err != nil {
		if errors.Is(err, memory.ErrInvalidTurn) {
			respondError(w, http.StatusBadRequest, "invalid_turn", err.Error())
			return
		}
		s.log.Error("memory append failed", zap.String("thread_id", threadID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to store turn")
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(turn))
}

func (s *Server) handleResetMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	n, err := s.memory.Reset(r.Context(), threadID)
	if err != nil {
		s.log.Error("memory reset failed", zap.String("thread_id", threadID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to reset memory")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"deleted":   n,
	})
}

type relevantRequest struct {
	ThreadID  string   `json:"threadId"`
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

func (s *Server) handleRelevant(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var req relevantRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	} else {
		q := r.URL.Query()
		req.ThreadID = q.Get("threadId")
		req.Query = q.Get("query")
		if raw := strings.TrimSpace(q.Get("threshold")); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_threshold", "threshold must be a number")
				return
			}
			req.Threshold = &v
		}
		limit, err := intQuery(r, "limit", 0)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		req.Limit = limit
	}

	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" || strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "threadId and query are required")
		return
	}
	threshold := s.cfg.RelevanceThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.RelevantLimit
	}

	scored, err := s.memory.Relevant(r.Context(), req.ThreadID, req.Query, threshold, limit)
	if err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			s.log.Error("relevant memory dimension mismatch", zap.String("thread_id", req.ThreadID), zap.Error(err))
		}
		respondError(w, http.StatusInternalServerError, "internal", "relevance lookup failed")
		return
	}
	results := make([]turnView, 0, len(scored))
	for _, st := range scored {
		v := viewOf(st.Turn)
		score := st.Score
		v.Score = &score
		results = append(results, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"thread_id": req.ThreadID,
		"threshold": threshold,
		"results":   results,
	})
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	if s.facts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "short-term cache not configured")
		return
	}
	facts, err := s.facts.Get(r.Context(), threadID)
	if err != nil {
		s.log.Warn("short-term read failed", zap.String("thread_id", threadID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to read facts")
		return
	}
	if facts.ThreadID == "" {
		respondError(w, http.StatusNotFound, "not_found", "no recent facts for thread")
		return
	}
	respondJSON(w, http.StatusOK, facts)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	p, err := s.memory.Profile(r.Context(), threadID)
	if err != nil {
		s.respondProfileError(w, threadID, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	var p memory.Profile
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p.ThreadID = threadID
	saved, err := s.memory.SaveProfile(r.Context(), p)
	if err != nil {
		s.respondProfileError(w, threadID, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleOnboardingComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	if err := s.memory.CompleteOnboarding(r.Context(), threadID); err != nil {
		s.respondProfileError(w, threadID, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"thread_id":           threadID,
		"onboarding_complete": true,
	})
}

func (s *Server) respondProfileError(w http.ResponseWriter, threadID string, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "profile not found")
	case errors.Is(err, memory.ErrInvalidTurn):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.Error("profile request failed", zap.String("thread_id", threadID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "profile request failed")
	}
}
