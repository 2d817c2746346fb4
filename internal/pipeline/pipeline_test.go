package pipeline

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoai/internal/audio"
	"chronoai/internal/classify"
	"chronoai/internal/hqmatch"
	"chronoai/internal/silence"
	"chronoai/internal/storage"
	"chronoai/internal/stt"
	"chronoai/internal/types"
)

// scriptedSpeech returns a fixed transcription for every chunk.
type scriptedSpeech struct {
	text string
}

func (s *scriptedSpeech) Stream(ctx context.Context, _ *audio.Normalized) (<-chan stt.RecognizedSegment, error) {
	out := make(chan stt.RecognizedSegment, 1)
	out <- stt.RecognizedSegment{Text: s.text, Confidence: 0.9}
	close(out)
	return out, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) Notify(_ string, event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(t types.EventType) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func speechChunk(t *testing.T) []byte {
	t.Helper()
	samples := audio.CanonicalSampleRate // 1 second
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.EncodeWAV(pcm, audio.CanonicalSampleRate, 1)
}

func silentChunk(t *testing.T) []byte {
	t.Helper()
	return audio.EncodeWAV(make([]byte, audio.CanonicalSampleRate*2), audio.CanonicalSampleRate, 1)
}

type fixture struct {
	blob     *storage.MemoryBlob
	store    *storage.Service
	pipe     *Pipeline
	recorder *eventRecorder
	session  types.Session
	speaker  types.Participant
}

func newFixture(t *testing.T, spokenText string) *fixture {
	t.Helper()
	ctx := context.Background()

	blob := storage.NewMemoryBlob()
	store := storage.NewService(blob, "")
	recorder := &eventRecorder{}

	var speech stt.SpeechClient
	if spokenText != "" {
		speech = &scriptedSpeech{text: spokenText}
	}
	pipe := New(
		store,
		silence.NewGate(-60.0, 500*time.Millisecond),
		hqmatch.New(),
		classify.New(nil),
		stt.NewTranscriber(speech, time.Minute),
		nil,
		recorder,
	)

	sess, err := store.CreateSession(ctx, types.Session{Title: "活動指揮", SessionKind: types.KindActivityCommand})
	require.NoError(t, err)
	speaker, err := store.AddParticipant(ctx, sess.SessionID, types.Participant{DisplayName: "田中"})
	require.NoError(t, err)

	return &fixture{blob: blob, store: store, pipe: pipe, recorder: recorder, session: sess, speaker: speaker}
}

func TestProcessSilentChunkSkips(t *testing.T) {
	f := newFixture(t, "発言内容")
	res := f.pipe.Process(context.Background(), f.session.SessionID, f.speaker.ParticipantID, silentChunk(t), "wav", time.Time{})

	assert.False(t, res.OK)
	assert.True(t, res.Skipped)
	assert.Equal(t, StageSilence, res.Stage)
	assert.Equal(t, -100.0, res.RMSDB)

	entries, err := f.store.GetEntries(context.Background(), f.session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessUnknownParticipantFails(t *testing.T) {
	f := newFixture(t, "発言内容")
	res := f.pipe.Process(context.Background(), f.session.SessionID, "ghost", speechChunk(t), "wav", time.Time{})

	assert.False(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, StageParticipant, res.Stage)
	assert.Contains(t, res.Error, "ghost")
}

func TestProcessUnknownSessionFails(t *testing.T) {
	f := newFixture(t, "発言内容")
	res := f.pipe.Process(context.Background(), "ghost", f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})

	assert.False(t, res.OK)
	assert.Equal(t, StageParticipant, res.Stage)
}

func TestProcessNonWAVWithoutConverterFails(t *testing.T) {
	f := newFixture(t, "発言内容")
	res := f.pipe.Process(context.Background(), f.session.SessionID, f.speaker.ParticipantID, []byte("not audio"), "webm", time.Time{})

	assert.False(t, res.OK)
	assert.Equal(t, StageDecode, res.Stage)
}

func TestProcessDeclarationRegistersAndConfirms(t *testing.T) {
	f := newFixture(t, "北海道調整本部です。救急車の配備が完了しました。")
	ctx := context.Background()
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	res := f.pipe.Process(ctx, f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", ts)

	require.True(t, res.OK, "error: %s", res.Error)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, "北海道調整本部", res.DeclaredHQName)
	assert.True(t, res.DeclaredHQCreated)
	assert.Equal(t, types.CategoryReport, res.Category)

	// The declared unit is now registered and the speaker bound to it.
	units, err := f.store.HQMaster(ctx, storage.ScopeForSession(&f.session))
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "北海道調整本部", units[0].HQName)

	speaker, err := f.store.GetParticipant(ctx, f.session.SessionID, f.speaker.ParticipantID)
	require.NoError(t, err)
	assert.Equal(t, units[0].HQID, speaker.HQID)
	assert.True(t, speaker.IsDeclared)

	entries, err := f.store.GetEntries(ctx, f.session.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, units[0].HQID, entries[0].HQID)
	assert.True(t, entries[0].IsHQConfirmed)
	assert.False(t, entries[0].HasTask)
	assert.True(t, entries[0].Timestamp.Equal(ts), "entry keeps the chunk timestamp")

	assert.Len(t, f.recorder.ofType(types.EventNewEntry), 1)
	assert.Len(t, f.recorder.ofType(types.EventParticipantUpdate), 1)
}

func TestProcessDeclarationMatchesRegisteredUnit(t *testing.T) {
	f := newFixture(t, "物資班本部です。毛布200枚を手配しました。")
	ctx := context.Background()

	hq, err := f.store.AddHQ(ctx, storage.ScopeForSession(&f.session), types.NewHQMaster("物資班本部", "物資班"))
	require.NoError(t, err)

	res := f.pipe.Process(ctx, f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})
	require.True(t, res.OK, "error: %s", res.Error)
	assert.False(t, res.DeclaredHQCreated)

	speaker, err := f.store.GetParticipant(ctx, f.session.SessionID, f.speaker.ParticipantID)
	require.NoError(t, err)
	assert.Equal(t, hq.HQID, speaker.HQID)
	assert.True(t, speaker.IsDeclared)

	entries, err := f.store.GetEntries(ctx, f.session.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, hq.HQID, entries[0].HQID)
	assert.True(t, entries[0].IsHQConfirmed)

	units, err := f.store.HQMaster(ctx, storage.ScopeForSession(&f.session))
	require.NoError(t, err)
	assert.Len(t, units, 1, "no duplicate registration for a known unit")
}

func TestProcessSecondChunkReusesRegisteredHQ(t *testing.T) {
	f := newFixture(t, "北海道調整本部です。搬送をお願いします。")
	ctx := context.Background()

	first := f.pipe.Process(ctx, f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})
	require.True(t, first.OK)
	second := f.pipe.Process(ctx, f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})
	require.True(t, second.OK)
	assert.False(t, second.DeclaredHQCreated)

	units, err := f.store.HQMaster(ctx, storage.ScopeForSession(&f.session))
	require.NoError(t, err)
	assert.Len(t, units, 1)

	entries, err := f.store.GetEntries(ctx, f.session.SessionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	// "お願いします" marks the entry as a task for the receiving side.
	assert.Equal(t, types.CategoryRequest, entries[0].Category)
	assert.True(t, entries[0].HasTask)
}

func TestProcessWithoutDeclarationStaysUnconfirmed(t *testing.T) {
	f := newFixture(t, "救急車の配備が完了しました。")
	ctx := context.Background()

	res := f.pipe.Process(ctx, f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})
	require.True(t, res.OK)

	entries, err := f.store.GetEntries(ctx, f.session.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].HQID)
	assert.False(t, entries[0].IsHQConfirmed)
}

func TestProcessStorageFailure(t *testing.T) {
	f := newFixture(t, "発言内容です。")
	f.blob.FailWrites = true

	res := f.pipe.Process(context.Background(), f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})
	assert.False(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, StageAudioSave, res.Stage)
}

func TestProcessMockTranscriptionWhenUnconfigured(t *testing.T) {
	f := newFixture(t, "")
	res := f.pipe.Process(context.Background(), f.session.SessionID, f.speaker.ParticipantID, speechChunk(t), "wav", time.Time{})

	require.True(t, res.OK)
	assert.False(t, res.STTConfigured)
	assert.Equal(t, 0.5, res.STTConfidence)

	entries, err := f.store.GetEntries(context.Background(), f.session.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "[STT not configured: test text]", entries[0].TextRaw)
}
