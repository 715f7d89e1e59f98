// Package portaudio provides the host microphone as a [capture.Device] using
// the PortAudio library.
//
// PortAudio has no echo cancellation, noise suppression or gain control of
// its own; the requested [capture.Constraints] are logged and otherwise left
// to the OS audio stack.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/billvoice/pkg/audio/capture"
)

// Compile-time interface assertions.
var (
	_ capture.Device         = (*Device)(nil)
	_ capture.BlockingStream = (*blockingStream)(nil)
)

// Device is the default PortAudio input device. Create it with [Open] and
// release the library with [Device.Close].
type Device struct {
	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio.
func Open() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// OpenCallback implements [capture.Device].
func (d *Device) OpenCallback(cfg capture.Config, fn func(in []float32)) (capture.Stream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	logConstraints(cfg.Constraints)
	s, err := pa.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, fn)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open callback stream: %w", err)
	}
	return s, nil
}

// OpenBlocking implements [capture.Device].
func (d *Device) OpenBlocking(cfg capture.Config, buf []float32) (capture.BlockingStream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	logConstraints(cfg.Constraints)
	s, err := pa.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open blocking stream: %w", err)
	}
	return &blockingStream{Stream: s}, nil
}

// Close terminates PortAudio. Streams must be closed first. Close is
// idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

func (d *Device) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("portaudio: device closed")
	}
	return nil
}

type blockingStream struct {
	*pa.Stream
}

func logConstraints(c capture.Constraints) {
	slog.Debug("portaudio: processing constraints are advisory",
		"echoCancellation", c.EchoCancellation,
		"noiseSuppression", c.NoiseSuppression,
		"autoGainControl", c.AutoGainControl,
	)
}
