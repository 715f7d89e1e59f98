// Package capture streams microphone audio to a sender as wire PCM frames.
//
// A [Channel] prefers an event-driven callback stream from the [Device]. The
// callback runs on the platform's realtime audio thread, so it only encodes
// the quantum and posts it to a bounded channel; a forwarding goroutine hands
// frames to the [Sender] in capture order. When the device cannot deliver
// callbacks the channel transparently falls back to a blocking stream read
// in fixed quanta of [DefaultFallbackFrames] samples. Both paths produce
// identical PCM16 encoding.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/billvoice/pkg/audio"
)

// ErrDeviceAccess wraps failures to open or start the microphone.
var ErrDeviceAccess = errors.New("capture: microphone access failed")

// ErrCallbackUnsupported is returned by [Device.OpenCallback] when the host
// has no event-driven capture path.
var ErrCallbackUnsupported = errors.New("capture: callback stream unsupported")

// ErrRunning is returned by [Channel.Start] on a channel that is already
// capturing.
var ErrRunning = errors.New("capture: already started")

const (
	// DefaultFramesPerBuffer is the callback quantum requested from devices.
	DefaultFramesPerBuffer = 480

	// DefaultFallbackFrames is the fixed quantum of the blocking path.
	DefaultFallbackFrames = 4096

	// frameQueueCap bounds the frames posted by the audio thread that the
	// forwarder has not yet sent.
	frameQueueCap = 32
)

// Constraints are the processing features requested from the input device.
// Hosts without DSP treat them as advisory.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints enables every processing feature.
var DefaultConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Config describes the stream a [Channel] opens.
type Config struct {
	// SampleRate is the device rate. Zero means [audio.SampleRate].
	SampleRate int

	// Channels is the device channel count; only channel 0 is kept.
	Channels int

	// FramesPerBuffer is the quantum in samples per channel.
	FramesPerBuffer int

	Constraints Constraints
}

// Stream is an open hardware input stream ("track").
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// BlockingStream is a [Stream] read synchronously into the buffer supplied
// at open time.
type BlockingStream interface {
	Stream
	Read() error
}

// Device opens microphone streams.
type Device interface {
	// OpenCallback opens an event-driven stream. fn is called on the audio
	// thread with one interleaved quantum and must not block.
	OpenCallback(cfg Config, fn func(in []float32)) (Stream, error)

	// OpenBlocking opens a stream whose Read fills buf with one quantum.
	OpenBlocking(cfg Config, buf []float32) (BlockingStream, error)
}

// Sender accepts one encoded frame. It returns false when the frame was not
// sent (transport not open, outbound queue full); the frame is then dropped.
type Sender interface {
	SendAudio(pcm []byte) bool
}

// Strategy is the processing path a [Channel] ended up with.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyCallback
	StrategyBlocking
)

func (s Strategy) String() string {
	switch s {
	case StrategyCallback:
		return "callback"
	case StrategyBlocking:
		return "blocking"
	default:
		return "none"
	}
}

// Option configures a [Channel] during construction.
type Option func(*Channel)

// WithConfig overrides the requested stream configuration.
func WithConfig(cfg Config) Option {
	return func(c *Channel) {
		c.cfg = cfg
	}
}

// WithFallbackFrames sets the quantum of the blocking path.
func WithFallbackFrames(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.fallbackFrames = n
		}
	}
}

// WithoutCallback forces the blocking path.
func WithoutCallback() Option {
	return func(c *Channel) {
		c.noCallback = true
	}
}

// WithFrameHook installs a function called with every frame handed to the
// sender and whether the sender accepted it.
func WithFrameHook(fn func(f audio.Frame, sent bool)) Option {
	return func(c *Channel) {
		c.onFrame = fn
	}
}

// Channel is one microphone capture session. Start and Stop may be called
// from any goroutine; Stop is idempotent.
type Channel struct {
	dev            Device
	cfg            Config
	fallbackFrames int
	noCallback     bool
	onFrame        func(audio.Frame, bool)

	mu       sync.Mutex
	stream   Stream
	strategy Strategy
	stop     chan struct{}
	wg       sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New returns an idle Channel on dev.
func New(dev Device, opts ...Option) *Channel {
	c := &Channel{
		dev: dev,
		cfg: Config{
			SampleRate:      audio.SampleRate,
			Channels:        1,
			FramesPerBuffer: DefaultFramesPerBuffer,
			Constraints:     DefaultConstraints,
		},
		fallbackFrames: DefaultFallbackFrames,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.SampleRate == 0 {
		c.cfg.SampleRate = audio.SampleRate
	}
	if c.cfg.Channels <= 0 {
		c.cfg.Channels = 1
	}
	if c.cfg.FramesPerBuffer <= 0 {
		c.cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return c
}

// Start opens the microphone and begins forwarding frames to dst. Open or
// start failures wrap [ErrDeviceAccess]. Capture ends on [Channel.Stop] or
// when ctx is cancelled.
func (c *Channel) Start(ctx context.Context, dst Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return ErrRunning
	}

	conv := &audio.FormatConverter{Source: audio.Format{
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
	}}
	stop := make(chan struct{})

	var (
		stream   Stream
		strategy Strategy
		run      func()
		errs     []error
	)

	if !c.noCallback {
		frames := make(chan []byte, frameQueueCap)
		s, err := c.dev.OpenCallback(c.cfg, func(in []float32) {
			pcm := conv.Encode(in)
			select {
			case frames <- pcm:
			default:
				c.dropped.Add(1)
			}
		})
		if err == nil {
			stream, strategy = s, StrategyCallback
			run = func() { c.forward(frames, stop, conv, dst) }
		} else {
			if !errors.Is(err, ErrCallbackUnsupported) {
				errs = append(errs, err)
			}
			slog.Debug("capture: callback stream unavailable, falling back", "err", err)
		}
	}

	if stream == nil {
		buf := make([]float32, c.fallbackFrames*c.cfg.Channels)
		cfg := c.cfg
		cfg.FramesPerBuffer = c.fallbackFrames
		s, err := c.dev.OpenBlocking(cfg, buf)
		if err != nil {
			errs = append(errs, err)
			return fmt.Errorf("%w: %w", ErrDeviceAccess, errors.Join(errs...))
		}
		stream, strategy = s, StrategyBlocking
		run = func() { c.readLoop(s, buf, stop, conv, dst) }
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: start %s stream: %w", ErrDeviceAccess, strategy, err)
	}

	if !c.cfg.Constraints.EchoCancellation || !c.cfg.Constraints.NoiseSuppression || !c.cfg.Constraints.AutoGainControl {
		slog.Debug("capture: processing constraints partially disabled", "constraints", c.cfg.Constraints)
	}
	slog.Info("capture: microphone started",
		"strategy", strategy.String(),
		"sampleRate", c.cfg.SampleRate,
		"channels", c.cfg.Channels,
	)

	c.stream = stream
	c.strategy = strategy
	c.stop = stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-stop:
		}
	}()
	return nil
}

// Stop stops and closes the hardware stream and waits for the forwarding
// goroutine to exit. It is idempotent and safe on a channel never started.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}
	stream := c.stream
	c.stream = nil

	// Stopping first ends callbacks and unblocks a pending Read.
	stopErr := stream.Stop()
	close(c.stop)
	c.wg.Wait()
	closeErr := stream.Close()

	slog.Info("capture: microphone stopped",
		"strategy", c.strategy.String(),
		"sent", c.sent.Load(),
		"dropped", c.dropped.Load(),
	)
	c.strategy = StrategyNone

	if err := errors.Join(stopErr, closeErr); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Tracks reports the number of live hardware streams (0 or 1).
func (c *Channel) Tracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return 0
	}
	return 1
}

// Strategy reports the active processing path.
func (c *Channel) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Stats returns the number of frames sent and dropped since construction.
func (c *Channel) Stats() (sent, dropped uint64) {
	return c.sent.Load(), c.dropped.Load()
}

// forward drains frames posted by the audio-thread callback.
func (c *Channel) forward(frames <-chan []byte, stop <-chan struct{}, conv *audio.FormatConverter, dst Sender) {
	var seq uint64
	for {
		select {
		case <-stop:
			return
		case pcm := <-frames:
			c.deliver(audio.Frame{Data: conv.Resample(pcm), Seq: seq, Timestamp: c.offset(seq, c.cfg.FramesPerBuffer)}, dst)
			seq++
		}
	}
}

// readLoop runs the blocking path until stop is closed or Read fails.
func (c *Channel) readLoop(s BlockingStream, buf []float32, stop <-chan struct{}, conv *audio.FormatConverter, dst Sender) {
	var seq uint64
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := s.Read(); err != nil {
			select {
			case <-stop:
			default:
				slog.Warn("capture: read failed", "err", err)
			}
			return
		}
		c.deliver(audio.Frame{Data: conv.Convert(buf), Seq: seq, Timestamp: c.offset(seq, c.fallbackFrames)}, dst)
		seq++
	}
}

// offset is the stream time at which quantum seq started.
func (c *Channel) offset(seq uint64, frames int) time.Duration {
	return time.Duration(seq) * time.Duration(frames) * time.Second / time.Duration(c.cfg.SampleRate)
}

func (c *Channel) deliver(f audio.Frame, dst Sender) {
	if len(f.Data) == 0 {
		return
	}
	ok := dst.SendAudio(f.Data)
	if ok {
		c.sent.Add(1)
	} else {
		c.dropped.Add(1)
	}
	if c.onFrame != nil {
		c.onFrame(f, ok)
	}
}
