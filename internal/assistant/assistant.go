// Package assistant answers typed (and dictated) messages in text mode.
//
// Two backends exist: [HTTP] talks to the billing assistant service, which
// owns the prompt and the bill extraction; [LLM] calls a chat model directly
// and extracts the bill from the reply itself.
package assistant

import (
	"context"
	"errors"

	"github.com/MrWong99/billvoice/internal/chat"
)

// DefaultSystemPrompt is sent with the first user message of a conversation.
const DefaultSystemPrompt = "You are a friendly and professional medical billing assistant. " +
	"Always greet the user at the start, then help with billing questions."

// ErrEmptyReply is returned when a backend answers without text.
var ErrEmptyReply = errors.New("assistant: empty reply")

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one user message with its context.
type Request struct {
	Message string
	History []Turn

	// SystemPrompt is empty except on the first message.
	SystemPrompt string
}

// Reply is the assistant's answer.
type Reply struct {
	// Text is the natural-language part shown to the user.
	Text string

	// Bill is the structured bill data extracted so far; nil if none.
	Bill chat.BillInfo

	// Missing lists the required bill fields still unknown.
	Missing []string

	// Audio is an optional MP3 rendition of Text.
	Audio []byte
}

// Backend produces replies.
type Backend interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// History converts chat messages into request turns.
func History(msgs []chat.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Turn{Role: string(m.Role), Content: m.Text})
	}
	return out
}
