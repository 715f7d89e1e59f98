package playback

import "sync"

// Exclusive grants the output device to one [Releaser] at a time. Acquiring
// releases the previous owner first, so the realtime scheduler and the clip
// player never sound on the same device concurrently.
//
// Owners must not hold their own locks while calling Acquire.
type Exclusive struct {
	mu    sync.Mutex
	owner Releaser
}

// Acquire makes r the owner. The previous owner (if any, and not r) is
// released before Acquire returns.
func (e *Exclusive) Acquire(r Releaser) {
	e.mu.Lock()
	prev := e.owner
	e.owner = r
	e.mu.Unlock()

	if prev != nil && prev != r {
		prev.Release()
	}
}

// Drop clears ownership if r still holds the device.
func (e *Exclusive) Drop(r Releaser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == r {
		e.owner = nil
	}
}

// Owner returns the current owner, or nil.
func (e *Exclusive) Owner() Releaser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}
