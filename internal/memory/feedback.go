package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidFeedback = errors.New("memory: invalid feedback")

// Feedback is a user's rating of one generated response.
type Feedback struct {
	ID         string    `json:"id"`
	ResponseID string    `json:"responseId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Rating     string    `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func prepareFeedback(f Feedback) (Feedback, error) {
	f.ResponseID = strings.TrimSpace(f.ResponseID)
	f.Rating = strings.TrimSpace(f.Rating)
	if f.ResponseID == "" {
		return Feedback{}, fmt.Errorf("%w: response id is required", ErrInvalidFeedback)
	}
	if f.Rating == "" {
		return Feedback{}, fmt.Errorf("%w: rating is required", ErrInvalidFeedback)
	}
	f.SessionID = strings.TrimSpace(f.SessionID)
	f.Comment = strings.TrimSpace(f.Comment)
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return f, nil
}
