// Package audio holds the PCM primitives shared by the capture and playback
// paths: 16-bit little-endian mono framing at 24 kHz, float conversion,
// resampling and WAV wrapping.
package audio

import "time"

// SampleRate is the wire sample rate of the realtime voice relay in Hz.
const SampleRate = 24000

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Frame is one processing quantum of encoded microphone audio. Frames are
// transient: the capture channel owns a frame until it hands it to the
// transport, and nothing retains it after send.
type Frame struct {
	// PCM16 little-endian mono samples at SampleRate.
	Data []byte

	// Seq is the capture order of the frame, starting at zero per channel.
	Seq uint64

	// Timestamp marks when the quantum was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of whole samples carried by the frame.
func (f Frame) Samples() int { return len(f.Data) / BytesPerSample }

// Duration returns the playback length of n samples at SampleRate.
// 2400 samples are exactly 100ms.
func Duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}

// SamplesIn returns d as a sample count at SampleRate, rounded to the
// nearest sample. SamplesIn(Duration(n)) == n for every n >= 0.
func SamplesIn(d time.Duration) int {
	return int((d*SampleRate + time.Second/2) / time.Second)
}
