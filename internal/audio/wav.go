// Package audio provides the canonical normalized-audio representation and
// the conversion boundary to it. The canonical form is linear PCM inside a
// RIFF/WAVE container; everything downstream (silence gate, recognition)
// works on Normalized.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	wav "github.com/youpy/go-wav"
)

const (
	// CanonicalSampleRate is what the recognition capability expects.
	CanonicalSampleRate = 16000
	canonicalBits       = 16
)

// Normalized is decoded canonical audio: the original container bytes for
// persistence, plus the raw frames for analysis.
type Normalized struct {
	// WAV is the full RIFF container, stored as-is in the blob store.
	WAV []byte
	// PCM holds the raw interleaved frames from the data chunk.
	PCM []byte

	SampleRate    int
	Channels      int
	BitsPerSample int
	Duration      time.Duration
}

// IsWAV reports whether data starts with a RIFF/WAVE header. Used to guard
// against converters that silently pass input through unchanged.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		bytes.Equal(data[:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE"))
}

// Decode parses a WAV container into Normalized.
func Decode(data []byte) (*Normalized, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("audio: not a RIFF/WAVE container")
	}

	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("audio: read wav format: %w", err)
	}
	if format.BitsPerSample != 16 && format.BitsPerSample != 32 {
		return nil, fmt.Errorf("audio: unsupported sample width: %d bits", format.BitsPerSample)
	}

	pcm, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read wav frames: %w", err)
	}

	n := &Normalized{
		WAV:           data,
		PCM:           pcm,
		SampleRate:    int(format.SampleRate),
		Channels:      int(format.NumChannels),
		BitsPerSample: int(format.BitsPerSample),
	}
	if format.SampleRate > 0 && format.BlockAlign > 0 {
		frames := len(pcm) / int(format.BlockAlign)
		n.Duration = time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
	}
	return n, nil
}

// NumSamples is the count of individual samples across all channels.
func (n *Normalized) NumSamples() int {
	width := n.BitsPerSample / 8
	if width == 0 {
		return 0
	}
	return len(n.PCM) / width
}

// Sample returns sample i scaled to [-1.0, 1.0].
func (n *Normalized) Sample(i int) float64 {
	switch n.BitsPerSample {
	case 16:
		v := int16(binary.LittleEndian.Uint16(n.PCM[i*2:]))
		return float64(v) / 32768.0
	case 32:
		v := int32(binary.LittleEndian.Uint32(n.PCM[i*4:]))
		return float64(v) / 2147483648.0
	default:
		return 0
	}
}

// EncodeWAV wraps raw PCM frames in a RIFF/WAVE container. Used by tests
// and the ingester to build canonical chunks.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	dataSize := uint32(len(pcm))
	blockAlign := uint16(channels * canonicalBits / 8)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*canonicalBits/8))
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(canonicalBits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}
