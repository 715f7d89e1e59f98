package dictation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/pkg/audio"
	"github.com/MrWong99/billvoice/pkg/audio/capture"
	"github.com/MrWong99/billvoice/pkg/audio/mock"
)

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	f.got = wav
	return f.text, f.err
}

func TestRecorder_CapsDuration(t *testing.T) {
	t.Parallel()
	r := NewRecorder(10 * time.Millisecond) // 240 samples

	frame := make([]byte, 200*audio.BytesPerSample)
	if !r.SendAudio(frame) {
		t.Fatal("first frame rejected")
	}
	if r.SendAudio(frame) {
		t.Error("frame past the cap accepted")
	}
	if got := r.Duration(); got != audio.Duration(200) {
		t.Errorf("Duration = %v; want %v", got, audio.Duration(200))
	}

	pcm := r.Close()
	if len(pcm) != len(frame) {
		t.Errorf("Close returned %d bytes; want %d", len(pcm), len(frame))
	}
	if r.SendAudio(frame[:2]) {
		t.Error("frame after Close accepted")
	}
}

func TestSession_RecordAndTranscribe(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	st := chat.New()
	tr := &fakeTranscriber{text: "Patient Jane Doe, minor assessment today"}
	s := NewSession(capture.New(dev), tr, st)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := st.Status().Kind; got != chat.StatusRecording {
		t.Errorf("status = %v; want Recording", got)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrRecording) {
		t.Errorf("second Start = %v; want ErrRecording", err)
	}

	quantum := []float32{0.25, -0.25, 0.5, -0.5}
	dev.Last().Emit(quantum)
	dev.Last().Emit(quantum)

	// The forwarder delivers asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		d := s.rec.Duration()
		s.mu.Unlock()
		if d == audio.Duration(8) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %v; want %v", d, audio.Duration(8))
		}
		time.Sleep(2 * time.Millisecond)
	}

	text, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if text != tr.text {
		t.Errorf("text = %q; want %q", text, tr.text)
	}
	if dev.LiveTracks() != 0 {
		t.Error("microphone still live after Finish")
	}
	if !bytes.HasPrefix(tr.got, []byte("RIFF")) {
		t.Error("transcriber did not receive a WAV file")
	}
	if got, want := len(tr.got), audio.WAVHeaderSize+16; got != want {
		t.Errorf("wav size = %d; want %d", got, want)
	}
	if got := st.Status().Kind; got != chat.StatusIdle {
		t.Errorf("status = %v; want Idle", got)
	}
}

func TestSession_FinishWithoutAudio(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tr := &fakeTranscriber{text: "unused"}
	s := NewSession(capture.New(dev), tr, chat.New())

	if _, err := s.Finish(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Finish before Start = %v; want ErrNotRecording", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Finish(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Errorf("Finish = %v; want ErrEmpty", err)
	}
	if tr.got != nil {
		t.Error("transcriber called for an empty recording")
	}
}

func TestSession_TranscriptionError(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	st := chat.New()
	tr := &fakeTranscriber{err: errors.New("quota exceeded")}
	s := NewSession(capture.New(dev), tr, st)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Recording() {
		t.Fatal("Recording = false after Start")
	}
	_ = s.rec.SendAudio([]byte{1, 0, 2, 0})

	if _, err := s.Finish(context.Background()); err == nil {
		t.Fatal("Finish succeeded; want error")
	}
	if got := st.Status().String(); got != "Error: quota exceeded" {
		t.Errorf("status = %q", got)
	}
}

func TestSession_MicFailure(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{
		CallbackError: capture.ErrCallbackUnsupported,
		BlockingError: errors.New("no device"),
	}
	st := chat.New()
	s := NewSession(capture.New(dev), &fakeTranscriber{}, st)

	if err := s.Start(context.Background()); !errors.Is(err, capture.ErrDeviceAccess) {
		t.Fatalf("Start = %v; want ErrDeviceAccess", err)
	}
	if got := st.Status().Kind; got != chat.StatusMicFailed {
		t.Errorf("status = %v; want MicFailed", got)
	}
	if s.Recording() {
		t.Error("Recording = true after failed Start")
	}
}

func TestSession_Discard(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	s := NewSession(capture.New(dev), &fakeTranscriber{}, chat.New())

	s.Discard()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Discard()
	s.Discard()
	if s.Recording() {
		t.Error("Recording = true after Discard")
	}
	if dev.LiveTracks() != 0 {
		t.Error("microphone still live after Discard")
	}
}
