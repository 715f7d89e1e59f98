// Package playback turns a bursty stream of base64 PCM16 deltas into gapless
// audio on a shared output clock, and arbitrates the output device between
// that stream and one-shot response clips.
package playback

import (
	"context"
	"errors"
	"time"
)

// ErrDecode is returned by [Scheduler.Enqueue] when a delta payload is not
// valid base64. The chunk is skipped; playback of later chunks continues.
var ErrDecode = errors.New("playback: decode audio delta")

// ErrClosed is returned when enqueueing on a closed [Scheduler].
var ErrClosed = errors.New("playback: scheduler closed")

// Output is an audio output context with its own monotonic clock. All
// scheduling happens against that clock, never against wall time.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now reports the output clock: how much audio the device has consumed
	// since the context was opened.
	Now() time.Duration

	// Schedule queues mono samples at [audio.SampleRate] to start at the
	// given clock position. Overlapping schedules are the caller's bug.
	Schedule(samples []float32, at time.Duration) error

	// Suspend halts the clock and silences the device immediately.
	Suspend() error

	// Close stops every scheduled buffer and releases the device. Close is
	// idempotent.
	Close() error
}

// OutputOpener opens a fresh [Output]. The scheduler calls it lazily when the
// first chunk after a cancel (or ever) needs playing.
type OutputOpener func() (Output, error)

// ClipBackend plays one complete encoded clip (an MP3 response).
type ClipBackend interface {
	// PlayClip blocks until the clip has finished or ctx is cancelled, in
	// which case playback stops immediately.
	PlayClip(ctx context.Context, clip []byte) error
}

// Releaser is an owner of the shared output device. Release must stop all
// audio the owner is producing before returning.
type Releaser interface {
	Release()
}
