// Package pipeline turns one uploaded audio chunk into at most one
// chronology entry, running normalization, the silence gate,
// transcription, affiliation resolution and classification in order.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chronoai/internal/audio"
	"chronoai/internal/classify"
	"chronoai/internal/hqmatch"
	"chronoai/internal/logger"
	"chronoai/internal/silence"
	"chronoai/internal/storage"
	"chronoai/internal/stt"
	"chronoai/internal/types"
)

// Outcome is how a chunk ended. Dropped means the chunk was legitimately
// discarded (silence, no speech); Failed means it could not be processed.
type Outcome int

const (
	Processed Outcome = iota
	Dropped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Dropped:
		return "dropped"
	default:
		return "failed"
	}
}

// Stage names reported in Result.Stage.
const (
	StageDecode      = "decode"
	StageSilence     = "silence"
	StageParticipant = "participant"
	StageAudioSave   = "audio_save"
	StageTranscribe  = "transcribe"
	StageClassify    = "classify"
	StageEntrySave   = "entry_save"
	StageDone        = "done"
)

// Result is the per-chunk diagnostic record returned to the uploader.
// Skipped distinguishes "dropped on purpose" from failure when OK is
// false.
type Result struct {
	OK      bool   `json:"ok"`
	Stage   string `json:"stage"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`

	RMSDB         float64 `json:"rms_db"`
	STTConfigured bool    `json:"stt_configured"`
	STTConfidence float64 `json:"stt_confidence,omitempty"`
	STTTextLen    int     `json:"stt_text_len,omitempty"`

	SegmentID string `json:"segment_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`

	DeclaredHQName    string         `json:"declared_hq_name,omitempty"`
	DeclaredHQCreated bool           `json:"declared_hq_created,omitempty"`
	Category          types.Category `json:"category,omitempty"`
	Summary           string         `json:"summary,omitempty"`
}

// Outcome collapses the OK/Skipped pair into the three-way verdict.
func (r *Result) Outcome() Outcome {
	switch {
	case r.OK:
		return Processed
	case r.Skipped:
		return Dropped
	default:
		return Failed
	}
}

// Notifier pushes an event to the session's live viewers. Delivery is
// best effort; the pipeline never fails on it.
type Notifier interface {
	Notify(sessionID string, event types.Event)
}

// Pipeline wires the chunk-processing capabilities together. All
// dependencies are injected; nil Converter means raw WAV input only and
// nil Notifier disables live updates.
type Pipeline struct {
	store      *storage.Service
	gate       *silence.Gate
	matcher    *hqmatch.Matcher
	classifier *classify.Classifier
	stt        *stt.Transcriber
	converter  audio.Converter
	notifier   Notifier
	log        *logrus.Entry
}

func New(store *storage.Service, gate *silence.Gate, matcher *hqmatch.Matcher, classifier *classify.Classifier, transcriber *stt.Transcriber, converter audio.Converter, notifier Notifier) *Pipeline {
	return &Pipeline{
		store:      store,
		gate:       gate,
		matcher:    matcher,
		classifier: classifier,
		stt:        transcriber,
		converter:  converter,
		notifier:   notifier,
		log:        logger.New().WithField("module", "pipeline"),
	}
}

func fail(res *Result, stage string, err error) *Result {
	res.OK = false
	res.Stage = stage
	res.Error = err.Error()
	return res
}

func skip(res *Result, stage string) *Result {
	res.OK = false
	res.Stage = stage
	res.Skipped = true
	return res
}

// Process runs the full chunk pipeline. format names the container of
// data ("wav", "webm", ...); ts is the chunk's effective timestamp and
// becomes the entry timestamp, so late-arriving chunks still land in
// speech order.
func (p *Pipeline) Process(ctx context.Context, sessionID, participantID string, data []byte, format string, ts time.Time) *Result {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res := &Result{STTConfigured: p.stt.IsConfigured()}
	log := p.log.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"participant_id": participantID,
		"bytes":          len(data),
	})

	// Stage 1: bring the chunk to canonical WAV.
	wavData := data
	if !audio.IsWAV(data) {
		if p.converter == nil {
			return fail(res, StageDecode, fmt.Errorf("chunk is not WAV and no converter is configured"))
		}
		converted, err := p.converter.ToWAV(ctx, data, format)
		if err != nil {
			return fail(res, StageDecode, fmt.Errorf("convert %s chunk: %w", format, err))
		}
		wavData = converted
	}
	normalized, err := audio.Decode(wavData)
	if err != nil {
		return fail(res, StageDecode, fmt.Errorf("decode chunk: %w", err))
	}

	// Stage 2: silence gate. Silent chunks end here, quietly.
	verdict := p.gate.Evaluate(normalized)
	res.RMSDB = verdict.RMSDB
	if verdict.IsSilent {
		log.WithField("rms_db", verdict.RMSDB).Debug("chunk below silence threshold, skipping")
		return skip(res, StageSilence)
	}

	// Stage 3: the chunk must belong to a known session participant.
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return fail(res, StageParticipant, err)
	}
	if sess == nil {
		return fail(res, StageParticipant, fmt.Errorf("session %s not found", sessionID))
	}
	participant, err := p.store.GetParticipant(ctx, sessionID, participantID)
	if err != nil {
		return fail(res, StageParticipant, err)
	}
	if participant == nil {
		return fail(res, StageParticipant, fmt.Errorf("participant %s not found in session %s", participantID, sessionID))
	}

	seg := types.Segment{
		SegmentID:     types.NewID(),
		ParticipantID: participantID,
		Timestamp:     ts,
	}

	// Stage 4: persist the audio before anything can go wrong downstream.
	audioPath, err := p.store.SaveAudio(ctx, sessionID, seg, normalized.WAV)
	if err != nil {
		return fail(res, StageAudioSave, err)
	}
	seg.AudioFile = audioPath
	res.AudioPath = audioPath

	// Stage 5: transcription. No speech is a skip, not an error.
	text, confidence := p.stt.Transcribe(ctx, normalized)
	res.STTConfidence = confidence
	res.STTTextLen = len([]rune(text))
	if strings.TrimSpace(text) == "" {
		log.Debug("no speech recognized, skipping")
		return skip(res, StageTranscribe)
	}
	seg.TextRaw = text
	seg.Confidence = confidence

	// Stage 6: raw segment save is diagnostic data, failure is non-fatal.
	if err := p.store.SaveSegment(ctx, sessionID, seg); err != nil {
		res.Warning = "segment save failed: " + err.Error()
		log.WithField("error", err.Error()).Warn("failed to save segment")
	}
	res.SegmentID = seg.SegmentID

	// Stage 7: affiliation. Unresolved speakers are still recorded.
	scope := storage.ScopeForSession(sess)
	hqID, hqName := p.resolveHQ(ctx, scope, sessionID, participant, text, res, log)

	// Stage 8: categorize and summarize.
	category, summary, note := p.classify(ctx, text, hqName, log)
	res.Category = category
	res.Summary = summary

	// Stage 9: the chronology entry is the one write that must succeed.
	entry := types.ChronologyEntry{
		EntryID:       types.NewID(),
		SegmentID:     seg.SegmentID,
		ParticipantID: participantID,
		HQID:          hqID,
		Timestamp:     ts,
		Category:      category,
		Summary:       summary,
		TextRaw:       text,
		AINote:        note,
		IsHQConfirmed: hqID != "",
		HasTask:       category.Actionable(),
	}
	if err := p.store.SaveEntry(ctx, sessionID, entry); err != nil {
		return fail(res, StageEntrySave, err)
	}
	res.EntryID = entry.EntryID

	// Stage 10: tell live viewers.
	if p.notifier != nil {
		p.notifier.Notify(sessionID, types.Event{Type: types.EventNewEntry, Data: entry})
	}

	log.WithFields(logrus.Fields{
		"entry_id": entry.EntryID,
		"category": string(category),
		"hq_id":    hqID,
	}).Info("chronology entry created")
	res.OK = true
	res.Stage = StageDone
	return res
}

// resolveHQ returns the entry's unit id and display name. Participants
// with a resolved unit keep it; otherwise a spoken declaration binds the
// participant to a registered unit, or registers the declared name as a
// new unit. Every failure here is non-fatal: the entry is simply
// unconfirmed.
func (p *Pipeline) resolveHQ(ctx context.Context, scope storage.HQScope, sessionID string, participant *types.Participant, text string, res *Result, log *logrus.Entry) (string, string) {
	units, err := p.store.HQMaster(ctx, scope)
	if err != nil {
		log.WithField("error", err.Error()).Warn("failed to load HQ registry")
		return participant.HQID, ""
	}

	if participant.HQID != "" {
		return participant.HQID, hqmatch.HQName(participant.HQID, units)
	}

	hqID := p.matcher.DetectDeclaration(text, units)
	if hqID == "" {
		declared := p.matcher.ExtractDeclarationName(text)
		if declared == "" {
			return "", ""
		}
		res.DeclaredHQName = declared
		hq, isNew, err := p.store.ResolveOrRegisterHQ(ctx, scope, declared)
		if err != nil {
			log.WithField("error", err.Error()).Warn("failed to register declared HQ")
			return "", ""
		}
		hqID = hq.HQID
		res.DeclaredHQCreated = isNew
		if isNew {
			units = append(units, hq)
		}
	}

	updated, err := p.store.UpdateParticipant(ctx, sessionID, participant.ParticipantID, func(pt *types.Participant) {
		pt.HQID = hqID
		pt.IsDeclared = true
	})
	if err != nil || updated == nil {
		log.WithField("hq_id", hqID).Warn("failed to bind participant to declared HQ")
	} else if p.notifier != nil {
		p.notifier.Notify(sessionID, types.Event{Type: types.EventParticipantUpdate, Data: updated})
	}
	return hqID, hqmatch.HQName(hqID, units)
}

// classify never lets a classifier panic take down the chunk; it
// substitutes the deterministic fallback.
func (p *Pipeline) classify(ctx context.Context, text, hqName string, log *logrus.Entry) (category types.Category, summary, note string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("classifier panicked, using fallback")
			category, summary, note = p.classifier.Fallback(text)
		}
	}()
	return p.classifier.Classify(ctx, text, hqName)
}
