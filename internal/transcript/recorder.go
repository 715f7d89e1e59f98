package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
)

// writeTimeout bounds one Store.Write issued by the Recorder.
const writeTimeout = 5 * time.Second

// defaultBuffer is the number of messages the Recorder queues before it
// starts dropping.
const defaultBuffer = 64

// Recorder copies every message appended to a [chat.State] into a [Store].
// Writes happen on a background goroutine because state subscribers must
// not block.
type Recorder struct {
	store     Store
	sessionID string
	queue     chan Entry

	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	buffer int
}

// WithBuffer sets the queue length. Values below 1 are ignored.
func WithBuffer(n int) RecorderOption {
	return func(c *recorderConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// NewRecorder subscribes to state and starts writing to store. Call
// [Recorder.Close] to flush and unsubscribe.
func NewRecorder(state *chat.State, store Store, sessionID string, opts ...RecorderOption) *Recorder {
	cfg := recorderConfig{buffer: defaultBuffer}
	for _, o := range opts {
		o(&cfg)
	}

	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan Entry, cfg.buffer),
	}
	r.wg.Add(1)
	go r.run()

	r.unsubscribe = state.Subscribe(func(c chat.Change) {
		if c.Kind != chat.ChangeMessage {
			return
		}
		r.enqueue(FromMessage(sessionID, state.Mode(), c.Message))
	})
	return r
}

func (r *Recorder) enqueue(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		slog.Warn("transcript: queue full, dropping message", "session_id", r.sessionID, "message_id", e.MessageID)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Write(ctx, e); err != nil {
			slog.Warn("transcript: write failed", "session_id", e.SessionID, "message_id", e.MessageID, "err", err)
		}
		cancel()
	}
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// SessionID returns the session the Recorder writes under.
func (r *Recorder) SessionID() string { return r.sessionID }

// Close unsubscribes from the state and waits for queued writes. It is
// safe to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}
