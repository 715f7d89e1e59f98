// Package dictation records one spoken message from the microphone and turns
// it into text. The transcript is then sent like a typed message.
package dictation

import (
	"sync"
	"time"

	"github.com/MrWong99/billvoice/pkg/audio"
)

// DefaultMaxDuration caps one recording.
const DefaultMaxDuration = 2 * time.Minute

// Recorder buffers wire PCM frames. It satisfies capture.Sender: frames
// past the duration cap, or offered after Close, are rejected.
type Recorder struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
	closed   bool
}

// NewRecorder returns a Recorder that holds at most limit of audio. A
// non-positive limit means [DefaultMaxDuration].
func NewRecorder(limit time.Duration) *Recorder {
	if limit <= 0 {
		limit = DefaultMaxDuration
	}
	return &Recorder{maxBytes: audio.SamplesIn(limit) * audio.BytesPerSample}
}

// SendAudio appends one frame.
func (r *Recorder) SendAudio(pcm []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.buf)+len(pcm) > r.maxBytes {
		return false
	}
	r.buf = append(r.buf, pcm...)
	return true
}

// Close stops accepting frames and returns everything recorded.
func (r *Recorder) Close() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := r.buf
	r.buf = nil
	return out
}

// Duration returns how much audio has been recorded.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.Duration(len(r.buf) / audio.BytesPerSample)
}
