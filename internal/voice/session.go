package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/observe"
	"github.com/MrWong99/billvoice/pkg/audio/capture"
	"github.com/MrWong99/billvoice/pkg/realtime"
)

// ErrActive is returned by [Session.Start] while a conversation is running.
var ErrActive = errors.New("voice: session already active")

// Transport is an open relay connection. [*realtime.Client] satisfies it.
type Transport interface {
	SendAudio(pcm []byte) bool
	Events() <-chan realtime.Event
	Err() error
	Close() error
}

var _ Transport = (*realtime.Client)(nil)

// Dialer opens a relay connection.
type Dialer func(ctx context.Context) (Transport, error)

// Capturer is the microphone. [*capture.Channel] satisfies it.
type Capturer interface {
	Start(ctx context.Context, dst capture.Sender) error
	Stop() error
}

var _ Capturer = (*capture.Channel)(nil)

// RealtimeDialer returns a Dialer for the relay at url. When m is non-nil,
// connect latency and dropped inbound messages are recorded on it.
func RealtimeDialer(url string, m *observe.Metrics, opts ...realtime.Option) Dialer {
	return func(ctx context.Context) (Transport, error) {
		o := opts
		if m != nil {
			o = append(o[:len(o):len(o)], realtime.WithProtocolErrorHook(func(error) {
				m.ProtocolErrors.Add(context.Background(), 1)
			}))
		}
		start := time.Now()
		c, err := realtime.Dial(ctx, url, o...)
		if m != nil && err == nil {
			m.ConnectDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Config holds the collaborators of a [Session].
type Config struct {
	Dial     Dialer
	Mic      Capturer
	Player   Player
	State    *chat.State
	Autofill chat.Autofill

	// BargeIn cancels assistant playback when the user starts speaking.
	BargeIn bool

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Session owns at most one running realtime conversation at a time: the
// socket, the microphone and the dispatch goroutine. Start and Stop may be
// called from any goroutine.
type Session struct {
	cfg  Config
	disp *Dispatcher

	mu     sync.Mutex
	active *run
}

// run is one Start..Stop cycle.
type run struct {
	id       string
	t        Transport
	cancel   context.CancelFunc
	done     chan struct{}
	span     trace.Span
	started  time.Time
	teardown sync.Once
}

// NewSession returns an idle Session.
func NewSession(cfg Config) *Session {
	opts := []DispatcherOption{
		WithAutofill(cfg.Autofill),
		WithBargeIn(cfg.BargeIn),
	}
	if cfg.Metrics != nil {
		opts = append(opts, WithMetrics(cfg.Metrics))
	}
	return &Session{
		cfg:  cfg,
		disp: NewDispatcher(cfg.State, cfg.Player, opts...),
	}
}

// Start connects to the relay, opens the microphone and begins dispatching
// events. A connect failure sets status ConnectFailed and a microphone
// failure sets MicFailed; in both cases nothing is left running and the
// error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return ErrActive
	}

	st := s.cfg.State
	st.ResetVoice()
	st.SetStatus(chat.Status{Kind: chat.StatusConnecting})

	id := uuid.NewString()
	spanCtx, span := observe.StartSpan(ctx, "voice.session",
		trace.WithAttributes(attribute.String("session_id", id)),
	)
	log := observe.Logger(spanCtx).With("session_id", id)

	t, err := s.cfg.Dial(spanCtx)
	if err != nil {
		log.Warn("voice: connect failed", "err", err)
		st.SetStatus(chat.Status{Kind: chat.StatusConnectFailed})
		span.RecordError(err)
		span.End()
		return fmt.Errorf("voice: connect: %w", err)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(spanCtx))
	r := &run{
		id:      id,
		t:       t,
		cancel:  cancel,
		done:    make(chan struct{}),
		span:    span,
		started: time.Now(),
	}

	if err := s.cfg.Mic.Start(rctx, s.sender(rctx, t)); err != nil {
		log.Warn("voice: microphone failed", "err", err)
		cancel()
		_ = t.Close()
		st.ResetVoice()
		st.SetStatus(chat.Status{Kind: chat.StatusMicFailed})
		span.RecordError(err)
		span.End()
		return fmt.Errorf("voice: microphone: %w", err)
	}

	s.active = r
	if m := s.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(rctx, 1)
	}
	log.Info("voice: session started")

	go s.loop(rctx, r)
	return nil
}

// Stop ends the running conversation: the microphone is released, the
// socket is closed and queued playback is cancelled before Stop returns.
// Stop is idempotent and safe on a session never started.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	<-r.done
	return s.finish(r, chat.Status{Kind: chat.StatusStopped})
}

// Active reports whether a conversation is running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// SetBargeIn switches barge-in for the running and future conversations.
func (s *Session) SetBargeIn(enabled bool) {
	s.disp.SetBargeIn(enabled)
}

// Wait blocks until pending bill deliveries have returned.
func (s *Session) Wait() {
	s.disp.Wait()
}

// loop dispatches events until the socket ends or the run is cancelled.
func (s *Session) loop(ctx context.Context, r *run) {
	defer close(r.done)
	events := r.t.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("voice: relay connection ended", "session_id", r.id, "err", r.t.Err())
					_ = s.finish(r, chat.Status{Kind: chat.StatusDisconnected})
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.disp.Dispatch(ctx, ev)
		}
	}
}

// finish tears r down exactly once and leaves the state idle with status.
func (s *Session) finish(r *run, status chat.Status) error {
	var err error
	r.teardown.Do(func() {
		r.cancel()
		err = errors.Join(s.cfg.Mic.Stop(), r.t.Close())
		s.cfg.Player.Cancel()

		st := s.cfg.State
		st.ResetVoice()
		st.SetStatus(status)

		s.mu.Lock()
		if s.active == r {
			s.active = nil
		}
		s.mu.Unlock()

		if m := s.cfg.Metrics; m != nil {
			m.ActiveSessions.Add(context.Background(), -1)
		}
		r.span.SetAttributes(attribute.String("end", status.String()))
		r.span.End()
		slog.Info("voice: session ended",
			"session_id", r.id,
			"status", status.String(),
			"duration", time.Since(r.started),
		)
	})
	if err != nil {
		return fmt.Errorf("voice: stop: %w", err)
	}
	return nil
}

// sender forwards microphone frames to t and counts them.
func (s *Session) sender(ctx context.Context, t Transport) capture.Sender {
	if s.cfg.Metrics == nil {
		return t
	}
	return meteredSender{ctx: ctx, t: t, m: s.cfg.Metrics}
}

type meteredSender struct {
	ctx context.Context
	t   Transport
	m   *observe.Metrics
}

func (ms meteredSender) SendAudio(pcm []byte) bool {
	ok := ms.t.SendAudio(pcm)
	ms.m.RecordFrame(ms.ctx, ok)
	return ok
}
