package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/pkg/audio"
	"github.com/MrWong99/billvoice/pkg/audio/capture"
	"github.com/MrWong99/billvoice/pkg/audio/mock"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
	"github.com/MrWong99/billvoice/pkg/realtime/realtimetest"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type harness struct {
	relay *realtimetest.Relay
	dev   *mock.Device
	outs  *mock.Outputs
	sched *playback.Scheduler
	state *chat.State
	sess  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		relay: realtimetest.NewRelay(t),
		dev:   &mock.Device{},
		outs:  &mock.Outputs{},
		state: chat.New(),
	}
	h.sched = playback.New(h.outs.Open)
	t.Cleanup(func() { _ = h.sched.Close() })

	h.sess = NewSession(Config{
		Dial:   RealtimeDialer(h.relay.URL(), nil),
		Mic:    capture.New(h.dev),
		Player: h.sched,
		State:  h.state,
	})
	t.Cleanup(func() { _ = h.sess.Stop() })
	return h
}

// start starts the session and returns the relay side of the connection.
func (h *harness) start(t *testing.T) *realtimetest.Conn {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.relay.Accept(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, st *chat.State, kind chat.StatusKind) {
	t.Helper()
	waitFor(t, "status "+chat.Status{Kind: kind}.String(), func() bool {
		return st.Status().Kind == kind
	})
}

// pcmDelta returns a base64 delta of n samples whose content depends on seed.
func pcmDelta(n int, seed int16) string {
	buf := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(seed+int16(i%50)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

type wireMsg struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestSession_ConversationRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	if got := h.state.Status().Kind; got != chat.StatusConnecting {
		t.Errorf("status after start = %v; want Connecting", got)
	}

	conn.Send(t, wireMsg{Type: "connection.established"})
	waitStatus(t, h.state, chat.StatusReady)
	conn.Send(t, wireMsg{Type: "session.created"})
	waitStatus(t, h.state, chat.StatusListening)

	// Microphone frames reach the relay as PCM16.
	quantum := []float32{0.5, -0.5, 1, -1}
	h.dev.Last().Emit(quantum)
	if got, want := conn.NextFrame(t), audio.EncodePCM16(quantum); !bytes.Equal(got, want) {
		t.Errorf("frame = %v; want %v", got, want)
	}

	conn.Send(t, wireMsg{Type: "response.created"})
	for i := range 3 {
		conn.Send(t, wireMsg{Type: "response.audio.delta", Delta: pcmDelta(2400, int16(i*500))})
	}
	conn.Send(t, wireMsg{Type: "response.audio_transcript.done", Transcript: "How can I help?"})
	conn.Send(t, wireMsg{Type: "response.done"})

	waitFor(t, "three scheduled chunks", func() bool {
		o := h.outs.Last()
		return o != nil && len(o.Scheduled()) == 3
	})
	calls := h.outs.Last().Scheduled()
	for i, want := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		if calls[i].At != want {
			t.Errorf("chunk %d at = %v; want %v", i, calls[i].At, want)
		}
	}
	if got := h.sched.Clock(); got != 300*time.Millisecond {
		t.Errorf("clock = %v; want 300ms", got)
	}

	waitFor(t, "assistant message", func() bool { return len(h.state.Messages()) == 1 })
	if got := h.state.Messages()[0].Text; got != "How can I help?" {
		t.Errorf("assistant message = %q", got)
	}
}

func TestSession_MalformedJSONKeepsStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	conn.Send(t, wireMsg{Type: "connection.established"})
	waitStatus(t, h.state, chat.StatusReady)

	conn.SendRaw(t, websocket.MessageText, []byte(`{"type": "response.created"`))
	conn.SendRaw(t, websocket.MessageText, []byte(`not json at all`))
	conn.Send(t, wireMsg{Type: "conversation.item.input_audio_transcription.completed", Transcript: "marker"})

	waitFor(t, "marker message", func() bool { return len(h.state.Messages()) == 1 })
	if got := h.state.Status().Kind; got != chat.StatusReady {
		t.Errorf("status = %v; want Ready", h.state.Status())
	}
	if !h.sess.Active() {
		t.Error("session ended after malformed input")
	}
}

func TestSession_StopTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	conn.Send(t, wireMsg{Type: "response.audio.delta", Delta: pcmDelta(2400, 1)})
	waitFor(t, "scheduled chunk", func() bool {
		o := h.outs.Last()
		return o != nil && len(o.Scheduled()) == 1
	})

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if n := h.dev.LiveTracks(); n != 0 {
		t.Errorf("live tracks = %d; want 0", n)
	}
	if got := h.state.Status().Kind; got != chat.StatusStopped {
		t.Errorf("status = %v; want Stopped", h.state.Status())
	}
	if h.sess.Active() {
		t.Error("Active = true after Stop")
	}
	if !h.outs.Last().Closed() {
		t.Error("output not closed by Stop")
	}
	if got := h.sched.Clock(); got != 0 {
		t.Errorf("clock = %v; want 0", got)
	}
	conn.WaitClosed(t)
}

func TestSession_RestartAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn := h.start(t)
	conn.Send(t, wireMsg{Type: "session.created"})
	waitStatus(t, h.state, chat.StatusListening)
	if n := h.dev.LiveTracks(); n != 1 {
		t.Errorf("live tracks = %d; want 1", n)
	}
}

func TestSession_StartWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	if err := h.sess.Start(context.Background()); !errors.Is(err, ErrActive) {
		t.Errorf("second Start = %v; want ErrActive", err)
	}
}

func TestSession_UnexpectedClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		close func(c *realtimetest.Conn)
	}{
		{"dropped", func(c *realtimetest.Conn) { c.Drop() }},
		{"closed by relay", func(c *realtimetest.Conn) { c.Close(websocket.StatusGoingAway, "restart") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.start(t)
			conn.Send(t, wireMsg{Type: "connection.established"})
			waitStatus(t, h.state, chat.StatusReady)

			tc.close(conn)

			waitStatus(t, h.state, chat.StatusDisconnected)
			waitFor(t, "session inactive", func() bool { return !h.sess.Active() })
			if n := h.dev.LiveTracks(); n != 0 {
				t.Errorf("live tracks = %d; want 0", n)
			}
			if h.state.Snapshot().Ready {
				t.Error("Ready still set after disconnect")
			}
			if err := h.sess.Stop(); err != nil {
				t.Errorf("Stop after disconnect: %v", err)
			}
		})
	}
}

func TestSession_ConnectFailed(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	st := chat.New()
	sched := playback.New((&mock.Outputs{}).Open)
	t.Cleanup(func() { _ = sched.Close() })

	dialErr := errors.New("connection refused")
	sess := NewSession(Config{
		Dial:   func(context.Context) (Transport, error) { return nil, dialErr },
		Mic:    capture.New(dev),
		Player: sched,
		State:  st,
	})

	err := sess.Start(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("Start = %v; want %v", err, dialErr)
	}
	if got := st.Status().String(); got != "Connection failed" {
		t.Errorf("status = %q; want %q", got, "Connection failed")
	}
	if len(dev.Streams) != 0 {
		t.Errorf("microphone opened %d streams; want 0", len(dev.Streams))
	}
	if sess.Active() {
		t.Error("Active = true after failed start")
	}
}

func TestSession_MicFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dev.CallbackError = capture.ErrCallbackUnsupported
	h.dev.BlockingError = errors.New("permission denied")

	err := h.sess.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceAccess) {
		t.Fatalf("Start = %v; want ErrDeviceAccess", err)
	}
	if got := h.state.Status().String(); got != "Microphone access failed" {
		t.Errorf("status = %q; want %q", got, "Microphone access failed")
	}

	// The socket opened before the microphone was closed again.
	h.relay.Accept(t).WaitClosed(t)
	if h.sess.Active() {
		t.Error("Active = true after microphone failure")
	}
}
