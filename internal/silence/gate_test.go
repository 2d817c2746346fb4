package silence

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoai/internal/audio"
)

func toneChunk(t *testing.T, amplitude int16, duration time.Duration) *audio.Normalized {
	t.Helper()
	samples := int(duration.Seconds() * float64(audio.CanonicalSampleRate))
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	n, err := audio.Decode(audio.EncodeWAV(pcm, audio.CanonicalSampleRate, 1))
	require.NoError(t, err)
	return n
}

func TestEvaluateSpeech(t *testing.T) {
	g := NewGate(-60.0, 500*time.Millisecond)
	v := g.Evaluate(toneChunk(t, 8000, time.Second))
	assert.False(t, v.IsSilent)
	assert.Greater(t, v.RMSDB, -60.0)
}

func TestEvaluateSilence(t *testing.T) {
	g := NewGate(-60.0, 500*time.Millisecond)
	v := g.Evaluate(toneChunk(t, 0, time.Second))
	assert.True(t, v.IsSilent)
	assert.Equal(t, -100.0, v.RMSDB)
}

func TestEvaluateQuietButAudible(t *testing.T) {
	// Around -55 dB, the level meeting clients produce for soft speech.
	// A -40 dB gate would drop this; ours must not.
	g := NewGate(-60.0, 500*time.Millisecond)
	v := g.Evaluate(toneChunk(t, 60, time.Second))
	assert.False(t, v.IsSilent)
	assert.Less(t, v.RMSDB, -40.0)
}

func TestEvaluateTooShort(t *testing.T) {
	g := NewGate(-60.0, 500*time.Millisecond)
	v := g.Evaluate(toneChunk(t, 8000, 100*time.Millisecond))
	assert.True(t, v.IsSilent)
	assert.Equal(t, -100.0, v.RMSDB)
}

func TestEvaluateFailsOpen(t *testing.T) {
	g := NewGate(-60.0, 0)
	v := g.Evaluate(nil)
	assert.False(t, v.IsSilent)
	assert.Equal(t, 0.0, v.RMSDB)
}

func TestThresholdBoundary(t *testing.T) {
	g := NewGate(-10.0, 500*time.Millisecond)
	v := g.Evaluate(toneChunk(t, 8000, time.Second))
	// ~ -12 dB tone against a -10 dB threshold is silent.
	assert.True(t, v.IsSilent)
}
