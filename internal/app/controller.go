package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/billvoice/internal/assistant"
	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/observe"
)

var (
	// ErrEmptyMessage is returned by [Controller.Send] for blank input.
	ErrEmptyMessage = errors.New("app: empty message")

	// ErrDictationDisabled is returned when no dictation session is configured.
	ErrDictationDisabled = errors.New("app: dictation is not configured")

	// ErrWrongMode is returned when an operation does not belong to the
	// active input mode.
	ErrWrongMode = errors.New("app: operation not available in this mode")
)

// autofillTimeout bounds one bill delivery from a text-mode reply.
const autofillTimeout = 10 * time.Second

// VoiceSession is the realtime conversation. [*voice.Session] satisfies it.
type VoiceSession interface {
	Start(ctx context.Context) error
	Stop() error
	Active() bool
	SetBargeIn(enabled bool)
}

// DictationSession is record-then-transcribe input. [*dictation.Session]
// satisfies it.
type DictationSession interface {
	Start(ctx context.Context) error
	Finish(ctx context.Context) (string, error)
	Discard()
	Recording() bool
}

// ClipPlayer plays complete MP3 replies. [*playback.ClipPlayer] satisfies it.
type ClipPlayer interface {
	Play(ctx context.Context, clip []byte) error
	Release()
}

// ControllerConfig holds the collaborators of a [Controller]. Voice,
// Dictation, Clip and Autofill may be nil.
type ControllerConfig struct {
	State     *chat.State
	Voice     VoiceSession
	Dictation DictationSession
	Assistant assistant.Backend

	// BackendName labels assistant metrics ("http" or "llm").
	BackendName string

	Clip     ClipPlayer
	Autofill chat.Autofill

	// SystemPrompt is sent with the first user message. Empty means
	// [assistant.DefaultSystemPrompt].
	SystemPrompt string

	Metrics *observe.Metrics
}

// Controller switches between the text, dictation and realtime input modes
// and owns everything a mode starts. Entering a mode always tears the
// previous one down completely first. All methods are safe for concurrent
// use.
type Controller struct {
	cfg ControllerConfig

	// mu serialises mode transitions and sends.
	mu           sync.Mutex
	systemPrompt string

	clips sync.WaitGroup
}

// NewController returns a Controller in text mode.
func NewController(cfg ControllerConfig) *Controller {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = assistant.DefaultSystemPrompt
	}
	if cfg.BackendName == "" {
		cfg.BackendName = "unknown"
	}
	return &Controller{cfg: cfg, systemPrompt: prompt}
}

// State returns the chat state the controller drives.
func (c *Controller) State() *chat.State { return c.cfg.State }

// SetSystemPrompt replaces the prompt sent with the first user message.
func (c *Controller) SetSystemPrompt(prompt string) {
	if prompt == "" {
		prompt = assistant.DefaultSystemPrompt
	}
	c.mu.Lock()
	c.systemPrompt = prompt
	c.mu.Unlock()
}

// SetBargeIn toggles barge-in on the realtime session.
func (c *Controller) SetBargeIn(enabled bool) {
	if c.cfg.Voice != nil {
		c.cfg.Voice.SetBargeIn(enabled)
	}
}

// SetMode tears down the active mode and enters m. Switching to the mode
// already active still performs the teardown.
func (c *Controller) SetMode(m chat.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setModeLocked(m)
}

func (c *Controller) setModeLocked(m chat.Mode) error {
	err := c.teardownLocked()
	c.cfg.State.SetMode(m)
	c.cfg.State.SetStatus(chat.Status{Kind: chat.StatusIdle})
	slog.Debug("app: mode changed", "mode", m)
	return err
}

// teardownLocked stops the realtime session, discards a recording and
// stops a playing clip.
func (c *Controller) teardownLocked() error {
	var err error
	if c.cfg.Voice != nil {
		err = c.cfg.Voice.Stop()
	}
	if c.cfg.Dictation != nil {
		c.cfg.Dictation.Discard()
	}
	if c.cfg.Clip != nil {
		c.cfg.Clip.Release()
	}
	return err
}

// StartRealtime enters realtime mode if needed and starts the conversation.
func (c *Controller) StartRealtime(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Voice == nil {
		return fmt.Errorf("app: realtime: %w", ErrWrongMode)
	}
	if c.cfg.State.Mode() != chat.ModeRealtime {
		if err := c.setModeLocked(chat.ModeRealtime); err != nil {
			slog.Warn("app: teardown before realtime", "err", err)
		}
	}
	if c.cfg.Voice.Active() {
		return nil
	}
	return c.cfg.Voice.Start(ctx)
}

// StopRealtime stops the realtime conversation. It is idempotent.
func (c *Controller) StopRealtime() error {
	if c.cfg.Voice == nil {
		return nil
	}
	return c.cfg.Voice.Stop()
}

// StartDictation enters dictation mode if needed and starts recording.
func (c *Controller) StartDictation(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Dictation == nil {
		return ErrDictationDisabled
	}
	if c.cfg.State.Mode() != chat.ModeDictation {
		if err := c.setModeLocked(chat.ModeDictation); err != nil {
			slog.Warn("app: teardown before dictation", "err", err)
		}
	}
	return c.cfg.Dictation.Start(ctx)
}

// CancelDictation discards a recording in progress.
func (c *Controller) CancelDictation() {
	if c.cfg.Dictation != nil {
		c.cfg.Dictation.Discard()
	}
}

// FinishDictation stops recording, transcribes, and sends the transcript
// as a user message. It returns the assistant's reply.
func (c *Controller) FinishDictation(ctx context.Context) (assistant.Reply, error) {
	if c.cfg.Dictation == nil {
		return assistant.Reply{}, ErrDictationDisabled
	}
	text, err := c.cfg.Dictation.Finish(ctx)
	if err != nil {
		return assistant.Reply{}, err
	}
	return c.Send(ctx, text)
}

// Send posts a typed message to the assistant backend. Outside text and
// dictation mode it returns [ErrWrongMode]. The configured system prompt
// accompanies only the first user message of the conversation. Backend
// failures are shown in the conversation as an "Error: ..." message and
// returned.
func (c *Controller) Send(ctx context.Context, text string) (assistant.Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return assistant.Reply{}, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.cfg.State
	if st.Mode() == chat.ModeRealtime {
		return assistant.Reply{}, fmt.Errorf("app: send: %w", ErrWrongMode)
	}

	req := assistant.Request{
		Message: text,
		History: assistant.History(st.Messages()),
	}
	if st.UserMessages() == 0 {
		req.SystemPrompt = c.systemPrompt
	}
	st.Append(chat.RoleUser, text)
	st.SetStatus(chat.Status{Kind: chat.StatusProcessing})

	ctx, span := observe.StartSpan(ctx, "assistant.reply",
		trace.WithAttributes(
			attribute.String("backend", c.cfg.BackendName),
			attribute.Int("history", len(req.History)),
		),
	)
	defer span.End()

	start := time.Now()
	reply, err := c.cfg.Assistant.Reply(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if m := c.cfg.Metrics; m != nil {
		m.RecordAssistant(ctx, c.cfg.BackendName, status, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Warn("app: assistant reply failed", "err", err)
		st.Append(chat.RoleAssistant, "Error: "+err.Error())
		st.SetStatus(chat.Status{Kind: chat.StatusIdle})
		return assistant.Reply{}, fmt.Errorf("app: send: %w", err)
	}

	st.Append(chat.RoleAssistant, reply.Text)
	if reply.Bill != nil {
		st.SetBill(reply.Bill, reply.Missing)
		c.autofill(ctx, reply.Bill)
	}
	st.SetStatus(chat.Status{Kind: chat.StatusIdle})

	if len(reply.Audio) > 0 && c.cfg.Clip != nil {
		c.playClip(ctx, reply.Audio)
	}
	return reply, nil
}

func (c *Controller) autofill(ctx context.Context, bill chat.BillInfo) {
	if c.cfg.Autofill == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, autofillTimeout)
	defer cancel()
	status := "ok"
	if err := c.cfg.Autofill.Autofill(ctx, bill); err != nil {
		status = "error"
		observe.Logger(ctx).Warn("app: bill autofill failed", "err", err)
	}
	if m := c.cfg.Metrics; m != nil {
		m.RecordAutofill(ctx, status)
	}
}

// playClip plays the reply audio in the background. A newer clip or a mode
// change interrupts it.
func (c *Controller) playClip(ctx context.Context, clip []byte) {
	ctx = context.WithoutCancel(ctx)
	c.clips.Add(1)
	go func() {
		defer c.clips.Done()
		if err := c.cfg.Clip.Play(ctx, clip); err != nil {
			slog.Warn("app: reply audio failed", "err", err)
		}
	}()
}

// Close tears down the active mode and waits for clips to stop.
func (c *Controller) Close() error {
	c.mu.Lock()
	err := c.teardownLocked()
	c.mu.Unlock()
	c.clips.Wait()
	return err
}
