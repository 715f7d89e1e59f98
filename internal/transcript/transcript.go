// Package transcript persists the conversation of each assistant session so
// billing staff can review what was dictated and answered.
//
// A [Recorder] subscribes to a [chat.State] and writes every finished
// message to a [Store]. Two stores exist: [MemStore] for the console
// default and a PostgreSQL store in the postgres subpackage.
package transcript

import (
	"context"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
)

// Entry is one persisted chat message.
type Entry struct {
	// SessionID groups the entries of one console run.
	SessionID string

	// MessageID is the [chat.Message] ID. It is unique per entry.
	MessageID string

	Role chat.Role

	// Mode is the input mode active when the message was recorded.
	Mode chat.Mode

	Text      string
	CreatedAt time.Time
}

// SearchOpts narrows a [Store.Search].
type SearchOpts struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string

	// Role restricts results to one author when non-empty.
	Role chat.Role

	// After and Before bound CreatedAt when non-zero.
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store persists transcript entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Write appends e. Writing an entry whose MessageID already exists is a
	// no-op.
	Write(ctx context.Context, e Entry) error

	// Session returns the entries of sessionID, oldest first.
	Session(ctx context.Context, sessionID string) ([]Entry, error)

	// Search returns entries whose text contains query (case-insensitive
	// for MemStore, full-text for PostgreSQL), oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)

	// Close releases resources held by the store.
	Close() error
}

// FromMessage builds the Entry for msg.
func FromMessage(sessionID string, mode chat.Mode, msg chat.Message) Entry {
	return Entry{
		SessionID: sessionID,
		MessageID: msg.ID,
		Role:      msg.Role,
		Mode:      mode,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	}
}
