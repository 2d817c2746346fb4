package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"chronoai/internal/storage"
	"chronoai/internal/types"
)

func TestWorkbook(t *testing.T) {
	ctx := context.Background()
	store := storage.NewService(storage.NewMemoryBlob(), "")

	sess, err := store.CreateSession(ctx, types.Session{Title: "活動指揮", SessionKind: types.KindActivityCommand})
	require.NoError(t, err)

	hq, err := store.AddHQ(ctx, storage.SessionScope(sess.SessionID), types.NewHQMaster("道庁本部", "道庁"))
	require.NoError(t, err)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveEntry(ctx, sess.SessionID, types.ChronologyEntry{
		EntryID:       types.NewID(),
		HQID:          hq.HQID,
		Timestamp:     base,
		Category:      types.CategoryInstruction,
		Summary:       "救急車配備",
		TextRaw:       "救急車を配備してください。",
		IsHQConfirmed: true,
		HasTask:       true,
	}))
	require.NoError(t, store.SaveEntry(ctx, sess.SessionID, types.ChronologyEntry{
		EntryID:   types.NewID(),
		Timestamp: base.Add(time.Minute),
		Category:  types.CategoryReport,
		Summary:   "配備完了",
		TextRaw:   "配備が完了しました。",
	}))

	data, err := New(store).Workbook(ctx, sess.SessionID)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, headers, rows[0][:len(headers)])

	assert.Equal(t, "道庁本部", rows[1][1])
	assert.Equal(t, "指示", rows[1][2])
	assert.Equal(t, "救急車配備", rows[1][3])
	assert.Equal(t, "○", rows[1][6])

	assert.Equal(t, "", rows[2][1], "unresolved HQ renders empty")
	assert.Equal(t, "報告", rows[2][2])
}

func TestWorkbookUnknownSession(t *testing.T) {
	store := storage.NewService(storage.NewMemoryBlob(), "")
	_, err := New(store).Workbook(context.Background(), "missing")
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "chronology_活動指揮_20260115.xlsx", Filename(&types.Session{Title: "活動指揮", StartAt: start}))
	assert.Equal(t, "chronology_sess-1_20260115.xlsx", Filename(&types.Session{SessionID: "sess-1", StartAt: start}))
}
