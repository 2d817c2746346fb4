// Package export renders a session's chronology as an Excel workbook for
// offline command review and record keeping.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"chronoai/internal/hqmatch"
	"chronoai/internal/storage"
	"chronoai/internal/types"
)

const sheetName = "クロノロジー"

var headers = []string{"時刻", "本部", "種別", "表題", "発言内容", "AIメモ", "要対応", "確認済"}

// Exporter builds chronology workbooks from stored session data.
type Exporter struct {
	store *storage.Service
}

func New(store *storage.Service) *Exporter {
	return &Exporter{store: store}
}

// Workbook renders the session's chronology, in timestamp order, as an
// xlsx file.
func (e *Exporter) Workbook(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("export: session %s not found", sessionID)
	}
	entries, err := e.store.GetEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	units, err := e.store.HQMaster(ctx, storage.ScopeForSession(sess))
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("export: create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return nil, fmt.Errorf("export: create style: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	f.SetCellStyle(sheetName, "A1", last, headerStyle)

	for row, entry := range entries {
		values := []interface{}{
			entry.Timestamp.In(time.Local).Format("2006-01-02 15:04:05"),
			hqmatch.HQName(entry.HQID, units),
			string(entry.Category),
			entry.Summary,
			entry.TextRaw,
			entry.AINote,
			boolMark(entry.HasTask),
			boolMark(entry.IsHQConfirmed),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheetName, cell, v)
		}
	}

	f.SetColWidth(sheetName, "A", "A", 20)
	f.SetColWidth(sheetName, "B", "B", 24)
	f.SetColWidth(sheetName, "C", "C", 8)
	f.SetColWidth(sheetName, "D", "D", 28)
	f.SetColWidth(sheetName, "E", "F", 48)
	f.SetColWidth(sheetName, "G", "H", 8)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns the download name for a session export.
func Filename(sess *types.Session) string {
	title := sess.Title
	if title == "" {
		title = sess.SessionID
	}
	return fmt.Sprintf("chronology_%s_%s.xlsx", title, sess.StartAt.Format("20060102"))
}

func boolMark(b bool) string {
	if b {
		return "○"
	}
	return ""
}
