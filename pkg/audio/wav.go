package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVHeaderSize is the byte length of the header EncodeWAV writes.
const WAVHeaderSize = 44

// EncodeWAV wraps mono PCM16 little-endian bytes in a WAV container. A
// trailing odd byte is dropped.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) < BytesPerSample {
		return nil, errors.New("audio: encode wav: no samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: sample rate must be positive, got %d", sampleRate)
	}
	pcm = pcm[:len(pcm)&^1]

	dataSize := uint32(len(pcm))
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * BytesPerSample,
		BlockAlign:    BytesPerSample,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode wav: write header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}
