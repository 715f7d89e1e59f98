// Package speaker plays audio on the host's default output device through
// beep. It provides the realtime [playback.Output] (a sample timeline whose
// clock is the number of samples the device has consumed) and the
// [playback.ClipBackend] for MP3 responses.
package speaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	bspeaker "github.com/gopxl/beep/speaker"

	"github.com/MrWong99/billvoice/pkg/audio"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ playback.Output      = (*Output)(nil)
	_ playback.ClipBackend = (*Device)(nil)
)

// ErrOutputClosed is returned when scheduling on a closed output.
var ErrOutputClosed = errors.New("speaker: output closed")

// rate is the device rate; everything is played at the wire rate.
const rate = beep.SampleRate(audio.SampleRate)

// resampleQuality is the beep resampler quality for clips at other rates.
const resampleQuality = 4

// Device is the process-wide beep speaker. The speaker can be initialised
// only once per process, so a single Device should be shared.
type Device struct {
	buffer time.Duration

	initOnce sync.Once
	initErr  error
}

// New returns a Device that will initialise the speaker with the given
// buffer length on first use.
func New(buffer time.Duration) *Device {
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	return &Device{buffer: buffer}
}

func (d *Device) init() error {
	d.initOnce.Do(func() {
		if err := bspeaker.Init(rate, rate.N(d.buffer)); err != nil {
			d.initErr = fmt.Errorf("speaker: init: %w", err)
		}
	})
	return d.initErr
}

// OpenOutput opens a fresh realtime output. It has the [playback.OutputOpener]
// signature.
func (d *Device) OpenOutput() (playback.Output, error) {
	if err := d.init(); err != nil {
		return nil, err
	}
	o := &Output{}
	bspeaker.Play(o)
	return o, nil
}

// PlayClip decodes an MP3 clip and plays it to the end or until ctx is
// cancelled.
func (d *Device) PlayClip(ctx context.Context, clip []byte) error {
	if err := d.init(); err != nil {
		return err
	}
	s, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(clip)))
	if err != nil {
		return fmt.Errorf("speaker: decode clip: %w", err)
	}
	defer s.Close()

	var src beep.Streamer = s
	if format.SampleRate != rate {
		src = beep.Resample(resampleQuality, format.SampleRate, rate, s)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(func() {
		close(done)
	}))}
	bspeaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		bspeaker.Lock()
		ctrl.Streamer = nil
		bspeaker.Unlock()
		return ctx.Err()
	}
}

type scheduled struct {
	start   int
	samples []float32
}

// Output is a [beep.Streamer] mixing scheduled buffers onto a sample
// timeline. The speaker pulls it continuously; silence is produced between
// buffers and while suspended.
type Output struct {
	mu     sync.Mutex
	pos    int
	bufs   []scheduled
	paused bool
	closed bool
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return audio.Duration(o.pos)
}

// Schedule implements [playback.Output]. A start in the past is clamped to
// the current position.
func (o *Output) Schedule(samples []float32, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	start := max(audio.SamplesIn(at), o.pos)
	o.bufs = append(o.bufs, scheduled{start: start, samples: samples})
	return nil
}

// Suspend implements [playback.Output].
func (o *Output) Suspend() error {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	return nil
}

// Resume restarts a suspended output.
func (o *Output) Resume() error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	return nil
}

// Close implements [playback.Output]. The speaker drops the streamer on its
// next pull.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closed = true
	o.bufs = nil
	o.mu.Unlock()
	return nil
}

// Stream implements [beep.Streamer].
func (o *Output) Stream(out [][2]float64) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, false
	}
	clear(out)
	if o.paused {
		return len(out), true
	}

	end := o.pos + len(out)
	keep := o.bufs[:0]
	for _, b := range o.bufs {
		bEnd := b.start + len(b.samples)
		if bEnd <= o.pos {
			continue
		}
		for p := max(b.start, o.pos); p < min(bEnd, end); p++ {
			v := float64(b.samples[p-b.start])
			out[p-o.pos][0] += v
			out[p-o.pos][1] += v
		}
		if bEnd > end {
			keep = append(keep, b)
		}
	}
	o.bufs = keep
	o.pos = end
	return len(out), true
}

// Err implements [beep.Streamer].
func (o *Output) Err() error { return nil }
