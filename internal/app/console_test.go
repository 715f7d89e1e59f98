package app

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/billvoice/internal/assistant"
	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/transcript"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runConsole(t *testing.T, h *ctrlHarness, store transcript.Store, input string) string {
	t.Helper()
	out := &syncBuffer{}
	c := NewConsole(h.ctrl, store, "sess-1", strings.NewReader(input), out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

func TestConsole_TextConversation(t *testing.T) {
	t.Parallel()
	h := newCtrlHarness(t, nil)
	h.backend.reply = assistant.Reply{
		Text:    "Added Jane.",
		Bill:    chat.BillInfo{"patientName": "Jane Doe"},
		Missing: []string{"ohipNumber", "services"},
	}

	out := runConsole(t, h, nil, "Bill Jane Doe\n/bill\n/status\n/history\n/quit\nnever sent\n")

	for _, want := range []string{
		"user: Bill Jane Doe",
		"assistant: Added Jane.",
		"[Processing...]",
		"  patientName: Jane Doe",
		"  missing: ohipNumber, services",
		"mode: text",
		"messages: 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := len(h.backend.Requests()); n != 1 {
		t.Errorf("backend requests = %d; want 1", n)
	}
}

func TestConsole_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"help", "/help\n", "/realtime"},
		{"unknown", "/bogus\n", "! unknown command /bogus"},
		{"typing in realtime", "/realtime\nhello\n", "typing is not available in realtime mode"},
		{"start in text mode", "/start\n", "no voice input in text mode"},
		{"mode change", "/dictate\n", "[mode: voice-dictation]"},
		{"empty bill", "/bill\n", "no bill fields yet"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newCtrlHarness(t, nil)
			out := runConsole(t, h, nil, tc.input)
			if !strings.Contains(out, tc.want) {
				t.Errorf("output missing %q:\n%s", tc.want, out)
			}
		})
	}
}

func TestConsole_StopRealtime(t *testing.T) {
	t.Parallel()
	h := newCtrlHarness(t, nil)
	runConsole(t, h, nil, "/realtime\n/stop\n")
	if h.voice.Active() {
		t.Error("voice still active after /stop")
	}
	if h.voice.stops == 0 {
		t.Error("voice never stopped")
	}
}

func TestConsole_DictationDisabled(t *testing.T) {
	t.Parallel()
	ctrl := NewController(ControllerConfig{State: chat.New(), Assistant: &fakeBackend{}})
	out := &syncBuffer{}
	c := NewConsole(ctrl, nil, "s", strings.NewReader("/dictate\n"), out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "! app: dictation is not configured") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_HistoryFromStore(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	at := time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)
	for i, text := range []string{"hello", "Hi, how can I help?"} {
		role := chat.RoleUser
		if i == 1 {
			role = chat.RoleAssistant
		}
		err := store.Write(ctx, transcript.Entry{
			SessionID: "sess-1",
			MessageID: text,
			Role:      role,
			Mode:      chat.ModeRealtime,
			Text:      text,
			CreatedAt: at.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	h := newCtrlHarness(t, nil)
	out := runConsole(t, h, store, "/history\n")
	for _, want := range []string{
		"09:30:00 user (realtime): hello",
		"09:30:01 assistant (realtime): Hi, how can I help?",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_ContextCancel(t *testing.T) {
	t.Parallel()
	h := newCtrlHarness(t, nil)
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsole(h.ctrl, nil, "s", pr, io.Discard)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
