// Package chat holds the conversation state of one assistant widget: the
// message history, the active input mode, the connection status shown to the
// user, the assistant transcript being streamed, and the bill fields the
// assistant has extracted so far.
package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

// Role is the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation. IDs are random and never reused.
type Message struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Mode is the active input mode. Exactly one mode is active at a time.
type Mode string

const (
	ModeText      Mode = "text"
	ModeDictation Mode = "voice-dictation"
	ModeRealtime  Mode = "realtime"
)

// ParseMode returns the Mode named by s.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeText, ModeDictation, ModeRealtime:
		return Mode(s), nil
	case "dictation", "voice":
		return ModeDictation, nil
	}
	return "", fmt.Errorf("chat: unknown mode %q", s)
}

// StatusKind classifies the user-visible connection status.
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusConnecting
	StatusReady
	StatusListening
	StatusUserSpeaking
	StatusProcessing
	StatusResponding
	StatusRecording
	StatusTranscribing
	StatusError
	StatusConnectFailed
	StatusMicFailed
	StatusDisconnected
	StatusStopped
)

// Status is the status line shown to the user. Detail carries the message
// of StatusError.
type Status struct {
	Kind   StatusKind
	Detail string
}

// String renders the status text.
func (s Status) String() string {
	switch s.Kind {
	case StatusConnecting:
		return "Connecting..."
	case StatusReady:
		return "Ready for voice chat"
	case StatusListening:
		return "Listening..."
	case StatusUserSpeaking:
		return "You are speaking..."
	case StatusProcessing:
		return "Processing..."
	case StatusResponding:
		return "AI is responding..."
	case StatusRecording:
		return "Recording..."
	case StatusTranscribing:
		return "Transcribing..."
	case StatusError:
		return "Error: " + s.Detail
	case StatusConnectFailed:
		return "Connection failed"
	case StatusMicFailed:
		return "Microphone access failed"
	case StatusDisconnected:
		return "Disconnected"
	case StatusStopped:
		return "Voice chat stopped"
	default:
		return ""
	}
}

// ChangeKind says which part of the [State] changed.
type ChangeKind int

const (
	ChangeMessage ChangeKind = iota
	ChangeStatus
	ChangeMode
	ChangeTranscript
	ChangeBill
)

// Change describes one mutation, delivered to subscribers.
type Change struct {
	Kind ChangeKind

	// Message is set for ChangeMessage.
	Message Message

	// Status is set for ChangeStatus.
	Status Status

	// Mode is set for ChangeMode.
	Mode Mode

	// Transcript is the in-progress assistant text for ChangeTranscript.
	Transcript string

	// Bill is set for ChangeBill.
	Bill BillInfo
}

// Snapshot is a consistent copy of the session flags.
type Snapshot struct {
	Mode              Mode
	Status            Status
	Ready             bool
	UserSpeaking      bool
	AssistantSpeaking bool
	Transcript        string
	Messages          int
}

// Option configures a [State].
type Option func(*State)

// WithIDFunc replaces the message ID generator.
func WithIDFunc(fn func() string) Option {
	return func(s *State) { s.newID = fn }
}

// WithClock replaces the clock used for message timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *State) { s.now = fn }
}

// State is the chat session state. All methods are safe for concurrent use.
// Subscribers run outside the lock and must not block. Changes reach
// subscribers one at a time, in the order the mutations happened. A mutator
// delivers its own change unless another goroutine is already delivering, in
// which case that goroutine delivers it and the mutator returns at once.
type State struct {
	newID func() string
	now   func() time.Time

	mu                sync.Mutex
	messages          []Message
	mode              Mode
	status            Status
	ready             bool
	userSpeaking      bool
	assistantSpeaking bool
	transcript        strings.Builder
	bill              BillInfo
	missing           []string
	subs              map[int]func(Change)
	nextSub           int

	outbox     deque.Deque[pendingChange]
	delivering bool
}

// pendingChange is a change waiting for delivery with the subscribers
// registered when it happened.
type pendingChange struct {
	c    Change
	subs []func(Change)
}

// New returns an empty State in text mode.
func New(opts ...Option) *State {
	s := &State{
		newID: uuid.NewString,
		now:   time.Now,
		mode:  ModeText,
		subs:  make(map[int]func(Change)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn for every change and returns a function that
// removes it.
func (s *State) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emitLocked queues c for the current subscribers. Must be called with s.mu
// held; the returned function delivers the queue and must be called after
// unlocking.
func (s *State) emitLocked(c Change) func() {
	if len(s.subs) == 0 {
		return func() {}
	}
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.outbox.PushBack(pendingChange{c: c, subs: subs})
	return s.deliver
}

// deliver drains the outbox unless another goroutine already is.
func (s *State) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for s.outbox.Len() > 0 {
		p := s.outbox.PopFront()
		s.mu.Unlock()
		for _, fn := range p.subs {
			fn(p.c)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// Append adds a message and returns it. Empty text (after trimming) is not
// recorded and ok is false.
func (s *State) Append(role Role, text string) (msg Message, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, false
	}
	s.mu.Lock()
	msg = Message{ID: s.newID(), Role: role, Text: text, CreatedAt: s.now()}
	s.messages = append(s.messages, msg)
	emit := s.emitLocked(Change{Kind: ChangeMessage, Message: msg})
	s.mu.Unlock()
	emit()
	return msg, true
}

// Messages returns a copy of the conversation, oldest first.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// UserMessages counts the messages authored by the user.
func (s *State) UserMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// SetStatus replaces the status line.
func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	emit := s.emitLocked(Change{Kind: ChangeStatus, Status: st})
	s.mu.Unlock()
	emit()
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetMode records the active input mode. It does not tear anything down;
// that is the controller's job.
func (s *State) SetMode(m Mode) {
	s.mu.Lock()
	if s.mode == m {
		s.mu.Unlock()
		return
	}
	s.mode = m
	emit := s.emitLocked(Change{Kind: ChangeMode, Mode: m})
	s.mu.Unlock()
	emit()
}

// Mode returns the active input mode.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetReady marks whether the realtime session is ready for audio.
func (s *State) SetReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

// SetUserSpeaking toggles the user-speaking flag.
func (s *State) SetUserSpeaking(v bool) {
	s.mu.Lock()
	s.userSpeaking = v
	s.mu.Unlock()
}

// SetAssistantSpeaking toggles the assistant-speaking flag.
func (s *State) SetAssistantSpeaking(v bool) {
	s.mu.Lock()
	s.assistantSpeaking = v
	s.mu.Unlock()
}

// AppendTranscript accumulates a streamed assistant transcript fragment.
func (s *State) AppendTranscript(delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	s.transcript.WriteString(delta)
	emit := s.emitLocked(Change{Kind: ChangeTranscript, Transcript: s.transcript.String()})
	s.mu.Unlock()
	emit()
}

// Transcript returns the in-progress assistant transcript.
func (s *State) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// FinalizeTranscript turns the streamed transcript into an assistant
// message. final, when non-empty, is authoritative; otherwise the
// accumulated fragments are used. The in-progress buffer is cleared.
func (s *State) FinalizeTranscript(final string) (Message, bool) {
	s.mu.Lock()
	text := final
	if strings.TrimSpace(text) == "" {
		text = s.transcript.String()
	}
	s.transcript.Reset()
	s.mu.Unlock()
	return s.Append(RoleAssistant, text)
}

// ClearTranscript drops the in-progress transcript.
func (s *State) ClearTranscript() {
	s.mu.Lock()
	s.transcript.Reset()
	s.mu.Unlock()
}

// SetBill records the latest extracted bill fields and what is still
// missing. A nil bill keeps the previous fields.
func (s *State) SetBill(bill BillInfo, missing []string) {
	s.mu.Lock()
	if bill != nil {
		s.bill = bill.Clone()
	}
	s.missing = append([]string(nil), missing...)
	emit := s.emitLocked(Change{Kind: ChangeBill, Bill: s.bill.Clone()})
	s.mu.Unlock()
	emit()
}

// Bill returns the latest bill fields and missing field names.
func (s *State) Bill() (BillInfo, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bill.Clone(), append([]string(nil), s.missing...)
}

// ResetVoice clears the per-session realtime flags and transcript.
func (s *State) ResetVoice() {
	s.mu.Lock()
	s.ready = false
	s.userSpeaking = false
	s.assistantSpeaking = false
	s.transcript.Reset()
	s.mu.Unlock()
}

// Snapshot returns the current flags.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Mode:              s.mode,
		Status:            s.status,
		Ready:             s.ready,
		UserSpeaking:      s.userSpeaking,
		AssistantSpeaking: s.assistantSpeaking,
		Transcript:        s.transcript.String(),
		Messages:          len(s.messages),
	}
}
