package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest  MessageType = "chat_request"
	TypeChatResponse MessageType = "chat_response"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Type      MessageType      `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	ThreadIDs []string         `json:"threadIds,omitempty"`
	Prompt    string           `json:"prompt"`
	History   []HistoryMessage `json:"history,omitempty"`
}

type ChatResponse struct {
	Type         MessageType `json:"type"`
	RequestID    string      `json:"request_id,omitempty"`
	SessionID    string      `json:"sessionId,omitempty"`
	ResponseID   string      `json:"responseId"`
	ResponseText string      `json:"response_text"`
	RecallUsed   bool        `json:"recallUsed"`
	ToneTags     []string    `json:"tone_tags"`
	Signal       string      `json:"signal"`
	Model        string      `json:"model"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Prompt) == "" {
			return nil, errors.New("invalid chat_request: prompt is empty")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of a protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ChatRequest:
		return m.Type, true
	case ChatResponse:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
