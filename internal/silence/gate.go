// Package silence decides whether a normalized audio chunk contains speech
// worth processing, using RMS signal-energy analysis.
package silence

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"chronoai/internal/audio"
	"chronoai/internal/logger"
)

// floorDB is the sentinel level reported for an all-zero signal.
const floorDB = -100.0

// Verdict is the gate's decision for one chunk. Never persisted.
type Verdict struct {
	IsSilent bool
	RMSDB    float64
}

// Gate evaluates chunks against a duration floor and an energy threshold.
//
// The default threshold of -60 dB is deliberately low: browser and
// meeting-client recordings of audible speech have been observed around
// -55 dB, so a conventional -40 dB gate drops real utterances.
type Gate struct {
	ThresholdDB       float64
	MinSpeechDuration time.Duration

	log *logrus.Entry
}

// NewGate returns a gate with the given threshold and minimum duration.
// Zero MinSpeechDuration means the 500 ms default.
func NewGate(thresholdDB float64, minSpeech time.Duration) *Gate {
	if minSpeech <= 0 {
		minSpeech = 500 * time.Millisecond
	}
	return &Gate{
		ThresholdDB:       thresholdDB,
		MinSpeechDuration: minSpeech,
		log:               logger.New().WithField("module", "silence"),
	}
}

// Evaluate returns the silence verdict for a normalized chunk.
//
// A nil or undecodable chunk fails open: the verdict is non-silent at
// 0 dB so a bug here can never drop audio from the pipeline.
func (g *Gate) Evaluate(n *audio.Normalized) Verdict {
	if n == nil || n.BitsPerSample == 0 {
		g.log.Warn("undecodable audio, assuming non-silence")
		return Verdict{IsSilent: false, RMSDB: 0}
	}

	if n.Duration < g.MinSpeechDuration {
		g.log.WithFields(logrus.Fields{
			"duration_ms": n.Duration.Milliseconds(),
			"min_ms":      g.MinSpeechDuration.Milliseconds(),
		}).Debug("audio too short")
		return Verdict{IsSilent: true, RMSDB: floorDB}
	}

	rmsDB := rmsToDB(rms(n))
	silent := rmsDB < g.ThresholdDB
	g.log.WithFields(logrus.Fields{
		"rms_db":       rmsDB,
		"threshold_db": g.ThresholdDB,
		"is_silent":    silent,
	}).Debug("silence check")
	return Verdict{IsSilent: silent, RMSDB: rmsDB}
}

func rms(n *audio.Normalized) float64 {
	count := n.NumSamples()
	if count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < count; i++ {
		v := n.Sample(i)
		sum += v * v
	}
	return math.Sqrt(sum / float64(count))
}

func rmsToDB(v float64) float64 {
	if v > 0 {
		return 20 * math.Log10(v)
	}
	return floorDB
}
