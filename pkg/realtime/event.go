package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the "type" tag of an inbound relay message.
type EventType string

// Inbound event types understood by the voice client. Other tags are passed
// through as-is and ignored by the dispatcher.
const (
	EventConnectionEstablished    EventType = "connection.established"
	EventSessionCreated           EventType = "session.created"
	EventSpeechStarted            EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped            EventType = "input_audio_buffer.speech_stopped"
	EventInputTranscriptCompleted EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated          EventType = "response.created"
	EventAudioDelta               EventType = "response.audio.delta"
	EventTranscriptDelta          EventType = "response.audio_transcript.delta"
	EventTranscriptDone           EventType = "response.audio_transcript.done"
	EventResponseDone             EventType = "response.done"
	EventError                    EventType = "error"
)

// Event is one parsed inbound message. Events are immutable once parsed.
type Event struct {
	Type EventType

	// Delta carries base64 PCM16 for audio deltas and a text fragment for
	// transcript deltas.
	Delta string

	// Transcript carries the full text of transcript completion events.
	Transcript string

	// ErrorMessage is error.message of an error event.
	ErrorMessage string

	// ReceivedAt is the local receipt time.
	ReceivedAt time.Time
}

// Text returns the event's text payload: Transcript if set, else Delta.
func (e Event) Text() string {
	if e.Transcript != "" {
		return e.Transcript
	}
	return e.Delta
}

// wireEvent is the JSON shape of relay messages.
//
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}
//
// Some relays send "error" as a bare string instead.
type wireEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type wireErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseEvent decodes one JSON text message. Malformed JSON and messages
// without a type yield an error wrapping [ErrProtocol].
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	ev := Event{
		Type:       EventType(w.Type),
		Delta:      w.Delta,
		Transcript: w.Transcript,
		ReceivedAt: time.Now(),
	}
	if ev.Type == EventError {
		ev.ErrorMessage = errorMessage(w.Error)
	}
	return ev, nil
}

// errorMessage extracts the text of an error payload: the message of an
// error object or a bare string. Anything else is "unknown error".
func errorMessage(raw json.RawMessage) string {
	var detail wireErrorDetail
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return text
	}
	return "unknown error"
}

// ErrTransport wraps failures to open the socket and unexpected closes.
var ErrTransport = errors.New("realtime: transport error")

// ErrProtocol marks an inbound message that could not be interpreted.
var ErrProtocol = errors.New("realtime: protocol error")
