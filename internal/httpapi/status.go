package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	LLMProvider       string        `json:"llm_provider"`
	MemoryBackend     string        `json:"memory_backend"`
	ShortTermBackend  string        `json:"short_term_backend"`
	SessionLogBackend string        `json:"session_log_backend"`
	Checks            []statusCheck `json:"checks"`
}

// handleStatus reports which backends are wired and what is degraded.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.LLMProvider))
	if provider == "" {
		provider = "auto"
	}
	shortTerm := "memory"
	if strings.TrimSpace(s.cfg.RedisAddr) != "" {
		shortTerm = "redis"
	}

	checks := make([]statusCheck, 0, 8)
	checks = append(checks, s.providerChecks(provider)...)
	checks = append(checks, s.memoryCheck())
	checks = append(checks, corpusCheck("recall_corpus", "Recall corpus", s.cfg.RecallCorpusPath, "RECALL_CORPUS_PATH"))
	checks = append(checks, corpusCheck("tone_corpus", "Tone corpus", s.cfg.ToneCorpusPath, "TONE_CORPUS_PATH"))

	switch strings.ToLower(s.cfg.SessionLogBackend) {
	case "none", "":
		checks = append(checks, statusCheck{
			ID:     "session_log",
			Status: "warn",
			Label:  "Session log",
			Detail: "disabled",
			Fix:    "Set SESSION_LOG_BACKEND=file or postgres to keep a request log.",
		})
	default:
		detail := s.cfg.SessionLogBackend
		if !s.cfg.SessionLogRedactPII {
			detail += " (PII redaction off)"
		}
		checks = append(checks, statusCheck{ID: "session_log", Status: "ok", Label: "Session log", Detail: detail})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		LLMProvider:       provider,
		MemoryBackend:     s.memoryBackend(),
		ShortTermBackend:  shortTerm,
		SessionLogBackend: s.cfg.SessionLogBackend,
		Checks:            checks,
	})
}

func (s *Server) providerChecks(provider string) []statusCheck {
	hasKey := strings.TrimSpace(s.cfg.OpenAIAPIKey) != ""
	if provider == "mock" || (provider == "auto" && !hasKey) {
		return []statusCheck{{
			ID:     "llm_provider",
			Status: "warn",
			Label:  "Language model is mock",
			Detail: "Replies are echoes and embeddings are hashed words.",
			Fix:    "Set OPENAI_API_KEY (and optionally LLM_PROVIDER=openai).",
		}}
	}
	checks := []statusCheck{{ID: "llm_provider", Status: "ok", Label: "Language model", Detail: provider}}
	checks = append(checks, statusCheck{
		ID:     "models",
		Status: "ok",
		Label:  "Models",
		Detail: fmt.Sprintf("full=%s micro=%s signal=%s embedding=%s", s.cfg.FullModel, s.cfg.MicroModel, s.cfg.SignalModel, s.cfg.EmbeddingModel),
	})
	return checks
}

func (s *Server) memoryCheck() statusCheck {
	switch backend := s.memoryBackend(); backend {
	case "postgres", "sqlite":
		return statusCheck{ID: "memory_store", Status: "ok", Label: "Conversation memory", Detail: backend}
	case "disabled":
		return statusCheck{ID: "memory_store", Status: "error", Label: "Conversation memory", Detail: "not configured"}
	default:
		return statusCheck{
			ID:     "memory_store",
			Status: "warn",
			Label:  "Conversation memory",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or SQLITE_PATH to keep memory across restarts.",
		}
	}
}

func corpusCheck(id, label, path, env string) statusCheck {
	if strings.TrimSpace(path) == "" {
		return statusCheck{ID: id, Status: "warn", Label: label, Detail: "no path configured", Fix: "Set " + env + "."}
	}
	if _, err := os.Stat(path); err != nil {
		return statusCheck{
			ID:     id,
			Status: "warn",
			Label:  label,
			Detail: fmt.Sprintf("%s not readable", path),
			Fix:    "Point " + env + " at the embedded corpus JSON file.",
		}
	}
	return statusCheck{ID: id, Status: "ok", Label: label, Detail: path}
}
