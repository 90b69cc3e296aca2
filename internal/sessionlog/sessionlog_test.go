package sessionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestFileLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "session.jsonl")
	w, err := NewWriter(context.Background(), Config{Backend: "file", Path: path, RedactPII: true})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	ctx := context.Background()
	if err := w.Append(ctx, Entry{SessionID: "s1", Prompt: "mail me at sam@example.com", Response: "ok", Model: "micro", Signal: "low"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Append(ctx, Entry{SessionID: "s1", Prompt: "again", Response: "sure", RecallUsed: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d lines, want 2", len(entries))
	}
	if strings.Contains(entries[0].Prompt, "sam@example.com") {
		t.Fatalf("prompt not redacted: %q", entries[0].Prompt)
	}
	if entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Fatalf("entry missing id/timestamp: %+v", entries[0])
	}
	if !entries[1].RecallUsed {
		t.Fatalf("recallUsed lost")
	}
}

type fakeExec struct {
	failFirst int
	calls     []string
	fail      error
}

func (f *fakeExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, sql)
	if strings.Contains(sql, "session_logs_dead_letter") {
		return pgconn.CommandTag{}, nil
	}
	if f.failFirst > 0 {
		f.failFirst--
		return pgconn.CommandTag{}, f.fail
	}
	return pgconn.CommandTag{}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestPostgresLogRetriesThenSucceeds(t *testing.T) {
	db := &fakeExec{failFirst: 2, fail: errors.New("timeout")}
	l := newPostgresLog(db)
	var waits []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }

	if err := l.Append(context.Background(), Entry{SessionID: "s"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(db.calls) != 3 {
		t.Fatalf("exec calls = %d, want 3", len(db.calls))
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Fatalf("backoff waits = %v, want [100ms 200ms]", waits)
	}
}

func TestPostgresLogDeadLetters(t *testing.T) {
	boom := errors.New("relation does not exist")
	db := &fakeExec{failFirst: 10, fail: boom}
	l := newPostgresLog(db)
	l.sleep = noSleep

	err := l.Append(context.Background(), Entry{SessionID: "s"})
	if !errors.Is(err, boom) {
		t.Fatalf("Append() error = %v, want wrapped %v", err, boom)
	}
	if len(db.calls) != 4 {
		t.Fatalf("exec calls = %d, want 3 attempts + dead letter", len(db.calls))
	}
	if !strings.Contains(db.calls[3], "session_logs_dead_letter") {
		t.Fatalf("last call was not the dead letter insert: %s", db.calls[3])
	}
}

func TestNewWriterRejectsUnknownBackend(t *testing.T) {
	if _, err := NewWriter(context.Background(), Config{Backend: "kafka"}); err == nil {
		t.Fatalf("NewWriter() should reject unknown backends")
	}
	w, err := NewWriter(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, ok := w.(Nop); !ok {
		t.Fatalf("default writer = %T, want Nop", w)
	}
}

type captureWriter struct{ entries []Entry }

func (c *captureWriter) Append(_ context.Context, e Entry) error {
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestRedactingMasksNameAndContactDetails(t *testing.T) {
	next := &captureWriter{}
	w := Redacting{Next: next}
	err := w.Append(context.Background(), Entry{
		SessionID: "s1",
		Prompt:    "Hi, my name is Priya and my email is priya@example.com",
		Response:  "Thanks Priya. If things get hard, you can call me on 020 7946 0958.",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got := next.entries[0]
	for _, field := range []string{got.Prompt, got.Response} {
		if strings.Contains(strings.ToLower(field), "priya") || strings.Contains(field, "7946") {
			t.Fatalf("entry still carries personal data: %q", field)
		}
	}
	if got.Prompt != "Hi, my name is [name] and my email is [email]" {
		t.Fatalf("Prompt = %q", got.Prompt)
	}
	if want := []string{"email", "phone", "name"}; !reflect.DeepEqual(got.Redacted, want) {
		t.Fatalf("Redacted = %v, want %v", got.Redacted, want)
	}
}

func TestRedactingLeavesCleanEntries(t *testing.T) {
	next := &captureWriter{}
	if err := (Redacting{Next: next}).Append(context.Background(), Entry{Prompt: "rough day", Response: "I hear you."}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if got := next.entries[0]; got.Prompt != "rough day" || len(got.Redacted) != 0 {
		t.Fatalf("entry = %+v", got)
	}
}
