package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoai/internal/classify"
	"chronoai/internal/types"
)

type fakeCompleter struct {
	reply       string
	err         error
	messages    []classify.Message
	temperature float64
	maxTokens   int
	calls       int
}

func (f *fakeCompleter) CompleteMessages(_ context.Context, messages []classify.Message, temperature float64, maxTokens int) (string, error) {
	f.calls++
	f.messages = messages
	f.temperature = temperature
	f.maxTokens = maxTokens
	return f.reply, f.err
}

func entryAt(hhmm string, category types.Category, hqID, summary string) types.ChronologyEntry {
	ts, _ := time.Parse("2006-01-02 15:04", "2026-01-15 "+hhmm)
	return types.ChronologyEntry{
		EntryID:   types.NewID(),
		Timestamp: ts,
		Category:  category,
		Summary:   summary,
		HQID:      hqID,
	}
}

func TestRespondUnconfiguredReturnsNotice(t *testing.T) {
	a := New(nil)
	thread := &types.ChatThread{ThreadID: "t1"}
	got := a.Respond(context.Background(), thread, "状況は？", nil, nil, "", "")
	assert.Contains(t, got, "AIサービスが設定されていません")
}

func TestRespondBuildsPromptWithChronology(t *testing.T) {
	fake := &fakeCompleter{reply: "搬送は2件完了しています。"}
	a := New(fake)

	units := []types.HQMaster{{HQID: "hq-1", HQName: "搬送調整本部"}}
	entries := []types.ChronologyEntry{
		entryAt("10:30", types.CategoryReport, "hq-1", "搬送1件完了"),
		entryAt("09:00", types.CategoryInstruction, "", "搬送を開始せよ"),
	}
	thread := &types.ChatThread{ThreadID: "t1"}

	got := a.Respond(context.Background(), thread, "搬送状況を教えて", entries, units, "令和8年台風第3号", "物資支援班")
	assert.Equal(t, "搬送は2件完了しています。", got)
	require.Len(t, fake.messages, 2)
	assert.Equal(t, "system", fake.messages[0].Role)
	assert.Equal(t, "user", fake.messages[1].Role)
	assert.Equal(t, "搬送状況を教えて", fake.messages[1].Content)
	assert.InDelta(t, 0.7, fake.temperature, 1e-9)
	assert.Equal(t, 1000, fake.maxTokens)

	system := fake.messages[0].Content
	assert.Contains(t, system, "災害名: 令和8年台風第3号")
	assert.Contains(t, system, "本部名: 物資支援班")
	assert.Contains(t, system, "- [09:00] [指示] (不明) 搬送を開始せよ")
	assert.Contains(t, system, "- [10:30] [報告] (搬送調整本部) 搬送1件完了")
	// Oldest first in the context block.
	assert.Less(t, strings.Index(system, "[09:00]"), strings.Index(system, "[10:30]"))
}

func TestRespondCarriesThreadHistory(t *testing.T) {
	fake := &fakeCompleter{reply: "了解しました。"}
	a := New(fake)

	thread := &types.ChatThread{
		ThreadID: "t1",
		Messages: []types.ChatMessage{
			{Role: types.ChatRoleUser, Content: "最初の質問"},
			{Role: types.ChatRoleAssistant, Content: "最初の回答"},
		},
	}
	a.Respond(context.Background(), thread, "続きの質問", nil, nil, "", "")

	require.Len(t, fake.messages, 4)
	assert.Equal(t, "system", fake.messages[0].Role)
	assert.Equal(t, "最初の質問", fake.messages[1].Content)
	assert.Equal(t, "assistant", fake.messages[2].Role)
	assert.Equal(t, "最初の回答", fake.messages[2].Content)
	assert.Equal(t, "続きの質問", fake.messages[3].Content)
}

func TestRespondEmptyChronologyContext(t *testing.T) {
	fake := &fakeCompleter{reply: "回答"}
	a := New(fake)
	a.Respond(context.Background(), &types.ChatThread{}, "質問", nil, nil, "", "")
	assert.Contains(t, fake.messages[0].Content, "（まだエントリがありません）")
	assert.Contains(t, fake.messages[0].Content, "災害名: 不明")
}

func TestRespondModelErrorReturnsApology(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("upstream down")}
	a := New(fake)
	got := a.Respond(context.Background(), &types.ChatThread{ThreadID: "t1"}, "質問", nil, nil, "", "")
	assert.Contains(t, got, "エラーが発生しました")
}

func TestFormatChronologyCapsAndTruncatesNotes(t *testing.T) {
	entries := make([]types.ChronologyEntry, 0, maxContextEntries+10)
	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < maxContextEntries+10; i++ {
		entries = append(entries, types.ChronologyEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Category:  types.CategoryReport,
			Summary:   "件名",
			AINote:    strings.Repeat("あ", 150),
		})
	}
	got := formatChronology(entries, nil)

	// Only the most recent entries survive; the oldest ten are cut.
	assert.NotContains(t, got, "[08:05]")
	assert.Contains(t, got, "[08:10]")
	assert.Contains(t, got, base.Add(time.Duration(maxContextEntries+9)*time.Minute).Format("[15:04]"))
	assert.Contains(t, got, "詳細: "+strings.Repeat("あ", maxNoteRunes)+"...")
	assert.NotContains(t, got, strings.Repeat("あ", maxNoteRunes+1))
}

func TestThreadTitleStripsQuotes(t *testing.T) {
	fake := &fakeCompleter{reply: "「搬送状況の確認」"}
	a := New(fake)
	got := a.ThreadTitle(context.Background(), "搬送状況を教えてください")
	assert.Equal(t, "搬送状況の確認", got)
	assert.InDelta(t, 0.3, fake.temperature, 1e-9)
	assert.Equal(t, 50, fake.maxTokens)
}

func TestThreadTitleFallsBackToTruncation(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("upstream down")}
	a := New(fake)
	long := strings.Repeat("あ", 40)
	got := a.ThreadTitle(context.Background(), long)
	assert.Equal(t, strings.Repeat("あ", 30)+"...", got)

	a = New(nil)
	assert.Equal(t, "短い質問", a.ThreadTitle(context.Background(), "短い質問"))
}
