package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
	"github.com/MrWong99/billvoice/pkg/realtime"
)

// fakePlayer records enqueued payloads and cancellations.
type fakePlayer struct {
	mu       sync.Mutex
	payloads []string
	cancels  int
	err      error
}

func (p *fakePlayer) Enqueue(payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePlayer) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
}

func (p *fakePlayer) Cancels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

func ev(typ realtime.EventType) realtime.Event { return realtime.Event{Type: typ} }

func TestDispatcher_StatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event realtime.Event
		want  string
	}{
		{"connection established", ev(realtime.EventConnectionEstablished), "Ready for voice chat"},
		{"session created", ev(realtime.EventSessionCreated), "Listening..."},
		{"speech started", ev(realtime.EventSpeechStarted), "You are speaking..."},
		{"speech stopped", ev(realtime.EventSpeechStopped), "Processing..."},
		{"response created", ev(realtime.EventResponseCreated), "AI is responding..."},
		{"response done", ev(realtime.EventResponseDone), "Listening..."},
		{"error", realtime.Event{Type: realtime.EventError, ErrorMessage: "rate limited"}, "Error: rate limited"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := chat.New()
			d := NewDispatcher(st, &fakePlayer{})
			d.Dispatch(context.Background(), tc.event)
			if got := st.Status().String(); got != tc.want {
				t.Errorf("status = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestDispatcher_Flags(t *testing.T) {
	t.Parallel()
	st := chat.New()
	d := NewDispatcher(st, &fakePlayer{})
	ctx := context.Background()

	d.Dispatch(ctx, ev(realtime.EventConnectionEstablished))
	if !st.Snapshot().Ready {
		t.Error("Ready = false after connection.established")
	}
	d.Dispatch(ctx, ev(realtime.EventSpeechStarted))
	if !st.Snapshot().UserSpeaking {
		t.Error("UserSpeaking = false after speech_started")
	}
	d.Dispatch(ctx, ev(realtime.EventSpeechStopped))
	if st.Snapshot().UserSpeaking {
		t.Error("UserSpeaking = true after speech_stopped")
	}
	d.Dispatch(ctx, ev(realtime.EventResponseCreated))
	if !st.Snapshot().AssistantSpeaking {
		t.Error("AssistantSpeaking = false after response.created")
	}
	d.Dispatch(ctx, ev(realtime.EventResponseDone))
	if st.Snapshot().AssistantSpeaking {
		t.Error("AssistantSpeaking = true after response.done")
	}
}

func TestDispatcher_UserTranscript(t *testing.T) {
	t.Parallel()
	st := chat.New()
	d := NewDispatcher(st, &fakePlayer{})
	ctx := context.Background()

	d.Dispatch(ctx, realtime.Event{Type: realtime.EventInputTranscriptCompleted, Transcript: "  "})
	d.Dispatch(ctx, realtime.Event{Type: realtime.EventInputTranscriptCompleted, Transcript: "Bill a minor assessment"})

	msgs := st.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d; want 1", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Text != "Bill a minor assessment" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestDispatcher_AssistantTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		final string
		want  string
	}{
		{"accumulated fragments", "", "Hello there."},
		{"authoritative final text", "Hello there, Doctor.", "Hello there, Doctor."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := chat.New()
			d := NewDispatcher(st, &fakePlayer{})
			ctx := context.Background()

			d.Dispatch(ctx, realtime.Event{Type: realtime.EventTranscriptDelta, Delta: "Hello "})
			d.Dispatch(ctx, realtime.Event{Type: realtime.EventTranscriptDelta, Delta: "there."})
			if got := st.Transcript(); got != "Hello there." {
				t.Fatalf("in-progress transcript = %q", got)
			}
			d.Dispatch(ctx, realtime.Event{Type: realtime.EventTranscriptDone, Transcript: tc.final})

			msgs := st.Messages()
			if len(msgs) != 1 || msgs[0].Role != chat.RoleAssistant {
				t.Fatalf("messages = %+v; want one assistant message", msgs)
			}
			if msgs[0].Text != tc.want {
				t.Errorf("text = %q; want %q", msgs[0].Text, tc.want)
			}
			if got := st.Transcript(); got != "" {
				t.Errorf("transcript after done = %q; want empty", got)
			}
		})
	}
}

func TestDispatcher_ResponseDoneClearsTranscript(t *testing.T) {
	t.Parallel()
	st := chat.New()
	d := NewDispatcher(st, &fakePlayer{})
	ctx := context.Background()

	d.Dispatch(ctx, realtime.Event{Type: realtime.EventTranscriptDelta, Delta: "partial"})
	d.Dispatch(ctx, ev(realtime.EventResponseDone))
	if got := st.Transcript(); got != "" {
		t.Errorf("transcript = %q; want empty", got)
	}
	if n := len(st.Messages()); n != 0 {
		t.Errorf("messages = %d; want 0", n)
	}
}

func TestDispatcher_BillAutofill(t *testing.T) {
	t.Parallel()
	st := chat.New()

	got := make(chan chat.BillInfo, 1)
	af := chat.AutofillFunc(func(_ context.Context, b chat.BillInfo) error {
		got <- b
		return nil
	})
	d := NewDispatcher(st, &fakePlayer{}, WithAutofill(af))

	reply := `I added the assessment. --- {"patientName":"Jane Doe","serviceDate":"2025-03-02"}`
	d.Dispatch(context.Background(), realtime.Event{Type: realtime.EventTranscriptDone, Transcript: reply})
	d.Wait()

	select {
	case b := <-got:
		if b["patientName"] != "Jane Doe" {
			t.Errorf("patientName = %v; want Jane Doe", b["patientName"])
		}
	default:
		t.Fatal("autofill not called")
	}

	bill, missing := st.Bill()
	if bill["serviceDate"] != "2025-03-02" {
		t.Errorf("state bill = %v", bill)
	}
	if fmt.Sprint(missing) != "[ohipNumber services]" {
		t.Errorf("missing = %v; want [ohipNumber services]", missing)
	}
}

func TestDispatcher_NoBillNoAutofill(t *testing.T) {
	t.Parallel()
	called := false
	af := chat.AutofillFunc(func(context.Context, chat.BillInfo) error {
		called = true
		return nil
	})
	d := NewDispatcher(chat.New(), &fakePlayer{}, WithAutofill(af))
	d.Dispatch(context.Background(), realtime.Event{Type: realtime.EventTranscriptDone, Transcript: "Which service date?"})
	d.Wait()
	if called {
		t.Error("autofill called for a reply without bill data")
	}
}

func TestDispatcher_AudioDelta(t *testing.T) {
	t.Parallel()
	st := chat.New()
	p := &fakePlayer{}
	d := NewDispatcher(st, p)
	ctx := context.Background()

	d.Dispatch(ctx, realtime.Event{Type: realtime.EventAudioDelta, Delta: "AAAA"})
	d.Dispatch(ctx, realtime.Event{Type: realtime.EventAudioDelta, Delta: "BBBB"})
	if fmt.Sprint(p.payloads) != "[AAAA BBBB]" {
		t.Errorf("payloads = %v; want [AAAA BBBB]", p.payloads)
	}

	// A corrupt chunk is skipped without touching the status.
	st.SetStatus(chat.Status{Kind: chat.StatusResponding})
	p.err = fmt.Errorf("%w: bad base64", playback.ErrDecode)
	d.Dispatch(ctx, realtime.Event{Type: realtime.EventAudioDelta, Delta: "!!"})
	if got := st.Status().Kind; got != chat.StatusResponding {
		t.Errorf("status = %v; want Responding", got)
	}
}

func TestDispatcher_BargeIn(t *testing.T) {
	t.Parallel()

	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprint("bargeIn=", enabled), func(t *testing.T) {
			t.Parallel()
			p := &fakePlayer{}
			d := NewDispatcher(chat.New(), p, WithBargeIn(enabled))
			d.Dispatch(context.Background(), ev(realtime.EventSpeechStarted))
			want := 0
			if enabled {
				want = 1
			}
			if got := p.Cancels(); got != want {
				t.Errorf("cancels = %d; want %d", got, want)
			}
		})
	}
}

func TestDispatcher_UnknownEventIgnored(t *testing.T) {
	t.Parallel()
	st := chat.New()
	st.SetStatus(chat.Status{Kind: chat.StatusListening})
	d := NewDispatcher(st, &fakePlayer{})

	d.Dispatch(context.Background(), ev("rate_limits.updated"))
	if got := st.Status().Kind; got != chat.StatusListening {
		t.Errorf("status = %v; want Listening", got)
	}
	if n := st.Snapshot().Messages; n != 0 {
		t.Errorf("messages = %d; want 0", n)
	}
}
