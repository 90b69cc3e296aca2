package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageChatRequest(t *testing.T) {
	raw := []byte(`{"type":"chat_request","request_id":"r1","sessionId":"s1","threadIds":["t1","t2"],"prompt":"hello","history":[{"role":"user","content":"hi"}]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	req, ok := msg.(ChatRequest)
	if !ok {
		t.Fatalf("message type = %T, want ChatRequest", msg)
	}
	if req.SessionID != "s1" || req.Prompt != "hello" || len(req.ThreadIDs) != 2 {
		t.Fatalf("unexpected chat request: %+v", req)
	}
	if len(req.History) != 1 || req.History[0].Role != "user" {
		t.Fatalf("History = %+v", req.History)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyPrompt(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"chat_request","prompt":"   "}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestTypeOf(t *testing.T) {
	if typ, ok := TypeOf(ErrorEvent{Type: TypeErrorEvent}); !ok || typ != TypeErrorEvent {
		t.Fatalf("TypeOf(ErrorEvent) = %q,%v", typ, ok)
	}
	if _, ok := TypeOf("nope"); ok {
		t.Fatalf("TypeOf(string) should not match")
	}
}

func BenchmarkParseClientMessageChatRequest(b *testing.B) {
	raw := []byte(`{"type":"chat_request","sessionId":"s1","threadIds":["t1"],"prompt":"I feel overwhelmed and anxious about my upcoming surgery."}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ChatRequest); !ok {
			b.Fatalf("message type = %T, want ChatRequest", msg)
		}
	}
}
