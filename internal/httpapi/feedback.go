package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/memory"
)

type feedbackRequest struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Rating     string `json:"rating"`
	Comment    string `json:"comment"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.memory.SubmitFeedback(r.Context(), memory.Feedback{
		ResponseID: req.ResponseID,
		SessionID:  req.SessionID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		if errors.Is(err, memory.ErrInvalidFeedback) {
			respondError(w, http.StatusBadRequest, "invalid_request", "responseId and rating are required")
			return
		}
		s.log.Error("feedback write failed", zap.String("response_id", req.ResponseID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to save feedback")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"feedback": saved,
	})
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	responseID := strings.TrimSpace(chi.URLParam(r, "responseID"))
	if responseID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing response id")
		return
	}
	items, err := s.memory.Feedback(r.Context(), responseID)
	if err != nil {
		s.log.Error("feedback read failed", zap.String("response_id", responseID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to read feedback")
		return
	}
	if items == nil {
		items = []memory.Feedback{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"responseId": responseID,
		"feedback":   items,
	})
}
