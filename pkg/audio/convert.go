package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a device stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Wire is the format the realtime relay expects.
var Wire = Format{SampleRate: SampleRate, Channels: 1}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// FormatConverter turns device quanta into wire PCM. It logs a warning on the
// first format mismatch. Create one per stream; Encode may run on the audio
// thread while Resample runs elsewhere.
type FormatConverter struct {
	Source         Format
	warnedMismatch sync.Once
}

// Encode keeps channel 0 of an interleaved device quantum and encodes it as
// PCM16 at the device rate.
func (c *FormatConverter) Encode(in []float32) []byte {
	return EncodePCM16(Channel0(in, c.Source.Channels))
}

// Resample brings mono PCM16 at the device rate to the wire rate. It returns
// pcm unchanged when the device already runs at the wire rate.
func (c *FormatConverter) Resample(pcm []byte) []byte {
	if c.Source.SampleRate == 0 || c.Source.SampleRate == SampleRate {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: resampling capture",
			"from", c.Source.String(),
			"to", Wire.String(),
		)
	})
	return ResampleMono16(pcm, c.Source.SampleRate, SampleRate)
}

// Convert is Encode followed by Resample.
func (c *FormatConverter) Convert(in []float32) []byte {
	return c.Resample(c.Encode(in))
}

// ResampleMono16 converts little-endian PCM16 mono from srcRate to dstRate
// by linear interpolation between neighbouring samples. Equal or
// non-positive rates return pcm as is. The output has
// floor(n*dstRate/srcRate) samples for n input samples.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / BytesPerSample
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	at := func(i int) int64 {
		if i >= n {
			i = n - 1
		}
		return int64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])))
	}

	out := make([]byte, outN*BytesPerSample)
	src, dst := int64(srcRate), int64(dstRate)
	for j := range outN {
		// Position j*src/dst in input samples, split into whole and remainder.
		pos := int64(j) * src
		i, rem := int(pos/dst), pos%dst
		s0 := at(i)
		v := s0 + (at(i+1)-s0)*rem/dst
		binary.LittleEndian.PutUint16(out[j*BytesPerSample:], uint16(int16(v)))
	}
	return out
}

// formatString returns e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
