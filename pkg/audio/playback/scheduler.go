package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"

	"github.com/MrWong99/billvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ Releaser = (*Scheduler)(nil)

const (
	// DefaultDedupWindow is how long a delta fingerprint is remembered.
	DefaultDedupWindow = time.Second

	// DefaultDedupCap bounds the fingerprint memory regardless of window.
	DefaultDedupCap = 512

	// DefaultIdleSlack is added to the remaining scheduled audio before the
	// idle check fires.
	DefaultIdleSlack = 100 * time.Millisecond
)

// Hooks observe scheduler activity. Every field is optional. Hooks are
// called from scheduler goroutines and must not block or call back into the
// scheduler.
type Hooks struct {
	// OnScheduled fires once per chunk placed on the output clock.
	OnScheduled func(samples int, at time.Duration)

	// OnDuplicate fires when a redelivered delta is suppressed.
	OnDuplicate func()

	// OnDecodeError fires when a delta payload cannot be decoded.
	OnDecodeError func(err error)

	// OnIdle fires when the queue has drained and scheduled audio ended.
	OnIdle func()

	// OnCancel fires after every Cancel.
	OnCancel func()
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithDedupWindow sets how long a delta fingerprint suppresses identical
// redeliveries. A window of zero disables duplicate suppression.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		s.window = d
	}
}

// WithDedupCap bounds the number of remembered fingerprints.
func WithDedupCap(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxSeen = n
		}
	}
}

// WithIdleSlack sets the extra wait after the last scheduled buffer ends
// before playback is declared idle.
func WithIdleSlack(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.slack = d
		}
	}
}

// WithExclusive makes the scheduler acquire the shared output device from
// ex before it opens an output.
func WithExclusive(ex *Exclusive) Option {
	return func(s *Scheduler) {
		s.excl = ex
	}
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) {
		s.hooks = h
	}
}

// WithClock replaces the wall clock used for the dedup window.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

type fingerprint struct {
	sum uint64
	n   int
}

type seenEntry struct {
	fp fingerprint
	at time.Time
}

type chunk struct {
	samples []float32
}

// Scheduler plays audio deltas back to back on an [Output] clock.
//
// Each chunk is scheduled at the current clock value and the clock advances
// by exactly the chunk's duration, so consecutive chunks are gapless no
// matter when they arrive. When the clock has fallen behind the output (after
// an idle period) it snaps forward to the output's current time first.
//
// Chunks play in [Scheduler.Enqueue] order. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	open   OutputOpener
	excl   *Exclusive
	hooks  Hooks
	now    func() time.Time
	window time.Duration
	slack  time.Duration

	mu      sync.Mutex
	queue   deque.Deque[chunk]
	out     Output
	clock   int    // next start position on out's timeline, in samples
	gen     uint64 // bumped by Cancel; stale work compares against it
	playing bool

	maxSeen int
	seen    map[fingerprint]time.Time
	order   deque.Deque[seenEntry]

	notify chan struct{} // signalled when a chunk is enqueued
	done   chan struct{} // closed by Close to stop the drain goroutine
	wg     sync.WaitGroup
	closed bool
}

// New creates a [Scheduler] that opens outputs through open. The scheduler
// starts its drain goroutine immediately; call [Scheduler.Close] to stop it.
func New(open OutputOpener, opts ...Option) *Scheduler {
	s := &Scheduler{
		open:    open,
		now:     time.Now,
		window:  DefaultDedupWindow,
		slack:   DefaultIdleSlack,
		maxSeen: DefaultDedupCap,
		seen:    make(map[fingerprint]time.Time),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue decodes one base64 PCM16 delta and appends it to the playback
// queue. Duplicates seen within the dedup window are dropped silently, as are
// empty chunks. A trailing odd byte is truncated. Corrupt base64 yields an
// error wrapping [ErrDecode]; the scheduler keeps running.
func (s *Scheduler) Enqueue(payload string) error {
	if payload == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.duplicateLocked(payload, s.now()) {
		s.mu.Unlock()
		if s.hooks.OnDuplicate != nil {
			s.hooks.OnDuplicate()
		}
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
		if s.hooks.OnDecodeError != nil {
			s.hooks.OnDecodeError(err)
		}
		return err
	}
	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		// Cancelled while decoding.
		s.mu.Unlock()
		return nil
	}
	s.queue.PushBack(chunk{samples: samples})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops all audio immediately: the output is suspended and closed,
// the queue emptied, the clock reset and the dedup memory cleared. The next
// enqueued chunk opens a fresh output. Cancel is idempotent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.gen++
	out := s.out
	s.out = nil
	s.clock = 0
	s.playing = false
	s.queue.Clear()
	clear(s.seen)
	s.order.Clear()
	s.mu.Unlock()

	if out != nil {
		if err := out.Suspend(); err != nil {
			slog.Debug("playback: suspend output", "err", err)
		}
		if err := out.Close(); err != nil {
			slog.Debug("playback: close output", "err", err)
		}
	}
	if s.excl != nil {
		s.excl.Drop(s)
	}
	if s.hooks.OnCancel != nil {
		s.hooks.OnCancel()
	}
}

// Release implements [Releaser]; it is Cancel.
func (s *Scheduler) Release() { s.Cancel() }

// Playing reports whether audio is queued or scheduled and not yet idle.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing || s.queue.Len() > 0
}

// Clock returns the next scheduled start position.
func (s *Scheduler) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Duration(s.clock)
}

// Pending returns the number of chunks waiting to be scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close cancels playback and stops the drain goroutine. Close is idempotent;
// subsequent calls are no-ops and return nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Cancel()
	close(s.done)
	s.wg.Wait()
	return nil
}

// duplicateLocked reports whether payload was seen within the window and
// records it otherwise. Must be called with s.mu held.
func (s *Scheduler) duplicateLocked(payload string, now time.Time) bool {
	if s.window <= 0 {
		return false
	}
	for s.order.Len() > 0 {
		e := s.order.Front()
		if now.Sub(e.at) < s.window && s.order.Len() < s.maxSeen {
			break
		}
		s.order.PopFront()
		if at, ok := s.seen[e.fp]; ok && at.Equal(e.at) {
			delete(s.seen, e.fp)
		}
	}

	fp := fingerprint{sum: xxhash.Sum64String(payload), n: len(payload)}
	if at, ok := s.seen[fp]; ok && now.Sub(at) < s.window {
		return true
	}
	s.seen[fp] = now
	s.order.PushBack(seenEntry{fp: fp, at: now})
	return false
}

// run is the drain goroutine. It schedules everything queued, then waits for
// either more chunks or the end of scheduled audio.
func (s *Scheduler) run() {
	defer s.wg.Done()

	// Reusable idle timer.
	idle := time.NewTimer(0)
	if !idle.Stop() {
		<-idle.C
	}
	defer idle.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
		case <-idle.C:
			if s.settle() {
				continue
			}
		}

		if wait, ok := s.drain(); ok {
			idle.Reset(wait)
		}
	}
}

// drain schedules every queued chunk and returns how long until the last
// scheduled buffer ends (plus slack). ok is false when nothing was playing.
func (s *Scheduler) drain() (wait time.Duration, ok bool) {
	if !s.ensureOutput() {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 && s.out != nil {
		c := s.queue.PopFront()
		s.clock = max(s.clock, audio.SamplesIn(s.out.Now()))
		at := audio.Duration(s.clock)
		if err := s.out.Schedule(c.samples, at); err != nil {
			slog.Warn("playback: schedule chunk", "err", err, "samples", len(c.samples))
			continue
		}
		if s.hooks.OnScheduled != nil {
			s.hooks.OnScheduled(len(c.samples), at)
		}
		s.clock += len(c.samples)
		s.playing = true
	}
	if s.out == nil {
		return 0, false
	}
	remaining := max(audio.Duration(s.clock)-s.out.Now(), 0)
	return remaining + s.slack, true
}

// ensureOutput opens an output if none is active and there is queued audio.
// The open runs without s.mu so a slow device cannot block Enqueue/Cancel.
func (s *Scheduler) ensureOutput() bool {
	s.mu.Lock()
	if s.out != nil {
		s.mu.Unlock()
		return true
	}
	if s.queue.Len() == 0 || s.closed {
		s.mu.Unlock()
		return false
	}
	gen := s.gen
	s.mu.Unlock()

	if s.excl != nil {
		s.excl.Acquire(s)
	}
	out, err := s.open()
	if err != nil {
		slog.Error("playback: open output", "err", err)
		s.mu.Lock()
		if s.gen == gen {
			s.queue.Clear()
		}
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		_ = out.Close()
		return false
	}
	s.out = out
	s.clock = audio.SamplesIn(out.Now())
	s.mu.Unlock()
	return true
}

// settle runs when the idle timer fires. It returns true if playback went
// idle; false means chunks arrived and draining should resume.
func (s *Scheduler) settle() bool {
	s.mu.Lock()
	if s.queue.Len() > 0 {
		s.mu.Unlock()
		return false
	}
	wasPlaying := s.playing
	s.playing = false
	s.mu.Unlock()

	if wasPlaying && s.hooks.OnIdle != nil {
		s.hooks.OnIdle()
	}
	return true
}
