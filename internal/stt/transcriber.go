// Package stt orchestrates remote continuous-mode speech recognition into
// a single (text, confidence) pair per audio chunk.
package stt

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chronoai/internal/audio"
	"chronoai/internal/logger"
)

// RecognizedSegment is one continuous-recognition result emitted by the
// remote capability.
type RecognizedSegment struct {
	Text       string
	Confidence float64
}

// SpeechClient streams recognition results for a complete canonical PCM
// buffer. The returned channel is closed when the remote session ends;
// segments arrive in emission order.
type SpeechClient interface {
	Stream(ctx context.Context, n *audio.Normalized) (<-chan RecognizedSegment, error)
}

const (
	mockText       = "[STT not configured: test text]"
	mockConfidence = 0.5

	defaultMaxWait = 10 * time.Minute
)

// Transcriber adapts a SpeechClient into the pipeline's transcription
// stage. Continuous mode is used because utterances contain internal
// pauses that single-shot recognition would truncate.
//
// Transcribe never returns an error: a missing client yields a fixed
// development placeholder, and every remote failure yields ("", 0) — the
// signal the pipeline reads as "no actionable speech".
type Transcriber struct {
	client  SpeechClient
	maxWait time.Duration
	log     *logrus.Entry
}

// NewTranscriber wraps client; nil means unconfigured. Zero maxWait means
// the 10 minute default.
func NewTranscriber(client SpeechClient, maxWait time.Duration) *Transcriber {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	t := &Transcriber{
		client:  client,
		maxWait: maxWait,
		log:     logger.New().WithField("module", "stt"),
	}
	if client == nil {
		t.log.Warn("no speech recognition configured, using mock transcription")
	}
	return t
}

// IsConfigured reports whether a remote recognition capability is wired.
func (t *Transcriber) IsConfigured() bool {
	return t.client != nil
}

// Transcribe runs continuous recognition over the full buffer and returns
// the concatenated text with the mean confidence across segments.
func (t *Transcriber) Transcribe(ctx context.Context, n *audio.Normalized) (string, float64) {
	if t.client == nil {
		return mockText, mockConfidence
	}

	ctx, cancel := context.WithTimeout(ctx, t.maxWait)
	defer cancel()

	t.log.WithFields(logrus.Fields{
		"duration_ms": n.Duration.Milliseconds(),
		"bytes":       len(n.PCM),
		"sample_rate": n.SampleRate,
	}).Info("starting recognition")

	segments, err := t.client.Stream(ctx, n)
	if err != nil {
		t.log.WithField("error", err.Error()).Warn("recognition start failed")
		return "", 0.0
	}

	var texts []string
	var confidenceSum float64
	count := 0

loop:
	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				break loop
			}
			texts = append(texts, seg.Text)
			confidenceSum += seg.Confidence
			count++
			t.log.WithFields(logrus.Fields{
				"chars":      len(seg.Text),
				"confidence": seg.Confidence,
			}).Debug("recognized segment")
		case <-ctx.Done():
			// Hard wall-clock cap reached: force termination and keep
			// whatever was recognized so far.
			t.log.WithField("max_wait", t.maxWait.String()).Warn("recognition timeout, stopping")
			break loop
		}
	}

	if count == 0 {
		t.log.Debug("no speech recognized")
		return "", 0.0
	}

	combined := strings.Join(texts, "")
	avg := confidenceSum / float64(count)
	t.log.WithFields(logrus.Fields{
		"segments":       count,
		"chars":          len(combined),
		"avg_confidence": avg,
	}).Debug("transcription complete")
	return combined, avg
}
