package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/observe"
	"github.com/MrWong99/billvoice/pkg/audio"
	"github.com/MrWong99/billvoice/pkg/audio/capture"
)

var (
	// ErrRecording is returned by [Session.Start] while a recording runs.
	ErrRecording = errors.New("dictation: already recording")

	// ErrNotRecording is returned by [Session.Finish] without a recording.
	ErrNotRecording = errors.New("dictation: not recording")

	// ErrEmpty is returned by [Session.Finish] when nothing audible was
	// recorded or the transcript is blank.
	ErrEmpty = errors.New("dictation: nothing recorded")
)

// Capturer is the microphone. [*capture.Channel] satisfies it.
type Capturer interface {
	Start(ctx context.Context, dst capture.Sender) error
	Stop() error
}

// Session records one message at a time and transcribes it.
type Session struct {
	mic         Capturer
	transcriber Transcriber
	state       *chat.State
	maxDuration time.Duration
	metrics     *observe.Metrics

	mu  sync.Mutex
	rec *Recorder
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithMaxDuration caps one recording.
func WithMaxDuration(d time.Duration) SessionOption {
	return func(s *Session) { s.maxDuration = d }
}

// WithMetrics records transcription latency on m.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession returns an idle dictation Session.
func NewSession(mic Capturer, tr Transcriber, state *chat.State, opts ...SessionOption) *Session {
	s := &Session{mic: mic, transcriber: tr, state: state}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the microphone and begins recording.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		return ErrRecording
	}

	rec := NewRecorder(s.maxDuration)
	if err := s.mic.Start(ctx, rec); err != nil {
		s.state.SetStatus(chat.Status{Kind: chat.StatusMicFailed})
		return fmt.Errorf("dictation: start: %w", err)
	}
	s.rec = rec
	s.state.SetStatus(chat.Status{Kind: chat.StatusRecording})
	return nil
}

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil
}

// Finish stops recording and returns the transcript.
func (s *Session) Finish(ctx context.Context) (string, error) {
	pcm, err := s.stop()
	if err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		s.state.SetStatus(chat.Status{Kind: chat.StatusIdle})
		return "", ErrEmpty
	}

	wav, err := audio.EncodeWAV(pcm, audio.SampleRate)
	if err != nil {
		return "", fmt.Errorf("dictation: %w", err)
	}

	s.state.SetStatus(chat.Status{Kind: chat.StatusTranscribing})
	start := time.Now()
	text, err := s.transcriber.Transcribe(ctx, wav)
	if s.metrics != nil {
		s.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		s.state.SetStatus(chat.Status{Kind: chat.StatusError, Detail: err.Error()})
		return "", err
	}
	slog.Debug("dictation: transcribed",
		"audio", audio.Duration(len(pcm)/audio.BytesPerSample),
		"chars", len(text),
	)
	s.state.SetStatus(chat.Status{Kind: chat.StatusIdle})
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// Discard stops recording and drops the audio. It is a no-op when idle.
func (s *Session) Discard() {
	if _, err := s.stop(); err == nil {
		s.state.SetStatus(chat.Status{Kind: chat.StatusIdle})
	}
}

func (s *Session) stop() ([]byte, error) {
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	if rec == nil {
		return nil, ErrNotRecording
	}
	if err := s.mic.Stop(); err != nil {
		slog.Warn("dictation: stop microphone", "err", err)
	}
	return rec.Close(), nil
}
