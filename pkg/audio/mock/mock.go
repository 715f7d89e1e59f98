// Package mock provides in-memory implementations of the capture and
// playback interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	sched := playback.New(mock.Opener(out))
//	_ = sched.Enqueue(payload)
//	calls := out.Scheduled()
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/billvoice/pkg/audio/capture"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ playback.Output        = (*Output)(nil)
	_ playback.ClipBackend   = (*ClipBackend)(nil)
	_ capture.Device         = (*Device)(nil)
	_ capture.BlockingStream = (*Stream)(nil)
	_ capture.Sender         = (*Sender)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the number of samples scheduled.
	Samples int

	// At is the requested start on the output clock.
	At time.Duration
}

// Output is a mock [playback.Output] with a manual clock. The clock only
// moves when the test calls [Output.Advance].
type Output struct {
	mu sync.Mutex

	// ScheduleError is returned by [Output.Schedule] when non-nil.
	ScheduleError error

	now   time.Duration
	calls []ScheduleCall

	// CallCountSuspend records how many times Suspend was called.
	CallCountSuspend int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Advance moves the output clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [playback.Output]. The call is recorded even when
// ScheduleError is set.
func (o *Output) Schedule(samples []float32, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, ScheduleCall{Samples: len(samples), At: at})
	return o.ScheduleError
}

// Suspend implements [playback.Output].
func (o *Output) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountSuspend++
	return nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Scheduled returns a copy of all recorded Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.calls))
	copy(out, o.calls)
	return out
}

// Suspends returns how many times Suspend was called.
func (o *Output) Suspends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountSuspend
}

// Closed reports whether Close was called at least once.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// Outputs is a mock [playback.OutputOpener] source. Each Open returns a new
// [Output] unless OpenError is set.
type Outputs struct {
	mu sync.Mutex

	// OpenError is returned by [Outputs.Open] when non-nil.
	OpenError error

	opened []*Output
}

// Open has the [playback.OutputOpener] signature.
func (f *Outputs) Open() (playback.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenError != nil {
		return nil, f.OpenError
	}
	o := &Output{}
	f.opened = append(f.opened, o)
	return o, nil
}

// Opened returns every output opened so far, oldest first.
func (f *Outputs) Opened() []*Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Output, len(f.opened))
	copy(out, f.opened)
	return out
}

// Last returns the most recently opened output, or nil.
func (f *Outputs) Last() *Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

// Opener returns a [playback.OutputOpener] that always yields o.
func Opener(o *Output) playback.OutputOpener {
	return func() (playback.Output, error) { return o, nil }
}

// ─── ClipBackend ──────────────────────────────────────────────────────────────

// ClipBackend is a mock [playback.ClipBackend]. PlayClip blocks until the
// test calls [ClipBackend.Finish] or the context is cancelled.
type ClipBackend struct {
	mu sync.Mutex

	// Clips records every clip passed to PlayClip.
	Clips [][]byte

	started  chan struct{}
	finished chan struct{}
}

// PlayClip implements [playback.ClipBackend].
func (c *ClipBackend) PlayClip(ctx context.Context, clip []byte) error {
	c.mu.Lock()
	c.Clips = append(c.Clips, clip)
	if c.finished == nil {
		c.finished = make(chan struct{})
	}
	finished := c.finished
	started := c.startedLocked()
	c.mu.Unlock()

	select {
	case started <- struct{}{}:
	default:
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started returns a channel that receives once per PlayClip call.
func (c *ClipBackend) Started() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedLocked()
}

func (c *ClipBackend) startedLocked() chan struct{} {
	if c.started == nil {
		c.started = make(chan struct{}, 8)
	}
	return c.started
}

// Finish ends every clip currently playing.
func (c *ClipBackend) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished != nil {
		close(c.finished)
	}
	c.finished = nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device]. Every opened stream is recorded in
// Streams, newest last.
type Device struct {
	mu sync.Mutex

	// CallbackError is returned by OpenCallback when non-nil. Set it to
	// [capture.ErrCallbackUnsupported] to force the blocking path.
	CallbackError error

	// BlockingError is returned by OpenBlocking when non-nil.
	BlockingError error

	// StartError is returned by every opened stream's Start.
	StartError error

	// Streams records every stream opened.
	Streams []*Stream

	// Configs records the config of every open request.
	Configs []capture.Config
}

// OpenCallback implements [capture.Device].
func (d *Device) OpenCallback(cfg capture.Config, fn func(in []float32)) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configs = append(d.Configs, cfg)
	if d.CallbackError != nil {
		return nil, d.CallbackError
	}
	s := &Stream{callback: fn, startErr: d.StartError}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// OpenBlocking implements [capture.Device].
func (d *Device) OpenBlocking(cfg capture.Config, buf []float32) (capture.BlockingStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configs = append(d.Configs, cfg)
	if d.BlockingError != nil {
		return nil, d.BlockingError
	}
	s := &Stream{buf: buf, feed: make(chan []float32, 16), stopped: make(chan struct{}), startErr: d.StartError}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// LiveTracks counts opened streams that were started and not yet stopped.
func (d *Device) LiveTracks() int {
	d.mu.Lock()
	streams := make([]*Stream, len(d.Streams))
	copy(streams, d.Streams)
	d.mu.Unlock()

	n := 0
	for _, s := range streams {
		if s.Live() {
			n++
		}
	}
	return n
}

// Stream is a mock hardware stream. Callback streams deliver quanta through
// [Stream.Emit]; blocking streams through [Stream.Feed].
type Stream struct {
	mu sync.Mutex

	callback func([]float32)
	buf      []float32
	feed     chan []float32
	stopped  chan struct{}
	startErr error

	started bool
	live    bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [capture.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	s.live = true
	return nil
}

// Stop implements [capture.Stream]. It unblocks a pending Read.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.live && s.stopped != nil {
		close(s.stopped)
	}
	s.live = false
	return nil
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Read implements [capture.BlockingStream]. It copies the next fed quantum
// into the buffer supplied at open time.
func (s *Stream) Read() error {
	select {
	case q := <-s.feed:
		copy(s.buf, q)
		return nil
	case <-s.stopped:
		return errStreamStopped
	}
}

// Emit delivers one quantum through the callback, as the audio thread would.
// It is a no-op unless the stream is live.
func (s *Stream) Emit(in []float32) {
	s.mu.Lock()
	cb, live := s.callback, s.live
	s.mu.Unlock()
	if live && cb != nil {
		cb(in)
	}
}

// Feed queues one quantum for a blocking Read.
func (s *Stream) Feed(in []float32) {
	s.feed <- in
}

// Live reports whether the stream was started and not stopped.
func (s *Stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// IsCallback reports whether the stream was opened through OpenCallback.
func (s *Stream) IsCallback() bool {
	return s.callback != nil
}

var errStreamStopped = errors.New("mock: stream stopped")

// ─── Sender ───────────────────────────────────────────────────────────────────

// Sender is a mock [capture.Sender] that records accepted frames. Set Closed
// to make it reject frames like a transport that is not open.
type Sender struct {
	mu sync.Mutex

	// Closed makes SendAudio return false.
	Closed bool

	frames [][]byte
	notify chan struct{}
}

// SendAudio implements [capture.Sender].
func (s *Sender) SendAudio(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return false
	}
	s.frames = append(s.frames, pcm)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// SetClosed toggles whether frames are rejected.
func (s *Sender) SetClosed(closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = closed
}

// Frames returns a copy of the accepted frames, in order.
func (s *Sender) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// WaitFrames blocks until at least n frames were accepted or d elapses. It
// reports whether n was reached.
func (s *Sender) WaitFrames(n int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		s.mu.Lock()
		if len(s.frames) >= n {
			s.mu.Unlock()
			return true
		}
		if s.notify == nil {
			s.notify = make(chan struct{}, 1)
		}
		notify := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-notify:
		case <-time.After(remaining):
		}
	}
}
