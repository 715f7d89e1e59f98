package playback

import (
	"context"
	"errors"
	"sync"
)

// Compile-time interface assertion.
var _ Releaser = (*ClipPlayer)(nil)

// ClipPlayer plays complete response clips one at a time. Starting a clip
// stops the previous one and takes the output device from the realtime
// [Scheduler] through the shared [Exclusive].
type ClipPlayer struct {
	backend ClipBackend
	excl    *Exclusive

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

// NewClipPlayer returns a ClipPlayer. excl may be nil when no scheduler
// shares the device.
func NewClipPlayer(backend ClipBackend, excl *Exclusive) *ClipPlayer {
	return &ClipPlayer{backend: backend, excl: excl}
}

// Play blocks until clip has played, ctx is cancelled, or another owner
// takes the device. Being interrupted by [ClipPlayer.Release] or a newer Play
// is not an error.
func (p *ClipPlayer) Play(ctx context.Context, clip []byte) error {
	if len(clip) == 0 {
		return nil
	}

	// The cancel func is registered before the device is acquired, so an
	// owner taking the device from here on stops this clip via Release.
	playCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	prev := p.cancel
	p.seq++
	id := p.seq
	p.cancel = cancel
	p.mu.Unlock()
	if prev != nil {
		prev()
	}

	var err error
	if p.acquire() && playCtx.Err() == nil {
		err = p.backend.PlayClip(playCtx, clip)
	} else {
		err = ctx.Err()
	}

	p.mu.Lock()
	current := p.seq == id
	if current {
		p.cancel = nil
	}
	p.mu.Unlock()
	cancel()
	if current && p.excl != nil {
		p.excl.Drop(p)
	}

	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}

// acquire takes the device and reports whether p still holds it afterwards.
func (p *ClipPlayer) acquire() bool {
	if p.excl == nil {
		return true
	}
	p.excl.Acquire(p)
	return p.excl.Owner() == Releaser(p)
}

// Playing reports whether a clip is in progress.
func (p *ClipPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Release stops the current clip, if any. It implements [Releaser].
func (p *ClipPlayer) Release() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
