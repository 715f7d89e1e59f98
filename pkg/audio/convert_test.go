package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/billvoice/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 48kHz -> 24kHz halves the sample count.
	pcm := samplesToBytes([]int16{0, 100, 200, 300, 400, 500, 600, 700})
	out := audio.ResampleMono16(pcm, 48000, 24000)
	got := bytesToSamples(out)
	want := []int16{0, 200, 400, 600}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000})
	out := audio.ResampleMono16(pcm, 12000, 24000)
	got := bytesToSamples(out)
	want := []int16{0, 500, 1000, 1000}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	if out := audio.ResampleMono16(pcm, 0, 24000); len(out) != len(pcm) {
		t.Errorf("srcRate=0: got %d bytes, want input unchanged (%d)", len(out), len(pcm))
	}
	if out := audio.ResampleMono16(pcm, 24000, 0); len(out) != len(pcm) {
		t.Errorf("dstRate=0: got %d bytes, want input unchanged (%d)", len(out), len(pcm))
	}
}

func TestFormatConverter_WireFormatIsNoOp(t *testing.T) {
	conv := audio.FormatConverter{Source: audio.Wire}
	in := []float32{0, 0.5, -0.5}
	got := conv.Convert(in)
	want := audio.EncodePCM16(in)
	if string(got) != string(want) {
		t.Errorf("Convert = %v; want %v", got, want)
	}
}

func TestFormatConverter_StereoDevice(t *testing.T) {
	// Interleaved L/R at 48kHz: the right channel must be ignored and the
	// result halved to 24kHz.
	conv := audio.FormatConverter{Source: audio.Format{SampleRate: 48000, Channels: 2}}
	in := []float32{0.5, -1, 0.5, -1, 0.5, -1, 0.5, -1}
	got := bytesToSamples(conv.Convert(in))
	if len(got) != 2 {
		t.Fatalf("len = %d; want 2", len(got))
	}
	for i, s := range got {
		if s != 16383 {
			t.Errorf("sample %d = %d; want 16383", i, s)
		}
	}
}
