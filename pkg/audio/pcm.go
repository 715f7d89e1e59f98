package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float samples in [-1, 1] to 16-bit signed
// little-endian PCM. Out-of-range input is clamped first. Negative values are
// scaled by 32768 and non-negative values by 32767 so +1.0 does not overflow.
// The output has exactly len(samples)*2 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	EncodePCM16Into(out, samples)
	return out
}

// EncodePCM16Into is EncodePCM16 writing into dst, which must hold at least
// len(samples)*2 bytes. It allocates nothing and is safe to call on an audio
// thread.
func EncodePCM16Into(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(s)))
	}
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// DecodePCM16 reinterprets little-endian PCM16 bytes as float samples
// normalized by 32768. A trailing odd byte is ignored, so the result always
// has floor(len(pcm)/2) samples.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Channel0 returns the first channel of an interleaved buffer. Input with a
// single channel (or a nonsensical channel count) is returned unchanged.
func Channel0(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		out[i] = interleaved[i*channels]
	}
	return out
}
