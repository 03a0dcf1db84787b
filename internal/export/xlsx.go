package export

import (
	"fmt"
	"strings"

	"contenthistory/internal/store"
	"github.com/xuri/excelize/v2"
)

const actionSheet = "Actions"

var actionColumns = []string{"ID", "Time (UTC)", "Kind", "Type", "Object", "Actor", "Origin", "Timeline", "Fields", "Rollback to"}

// ActionRow is one line of the action log workbook.
type ActionRow struct {
	Action store.Action
	Fields []string
}

// renderActionLog writes rows into a single-sheet workbook.
func renderActionLog(rows []ActionRow) (*Result, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", actionSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for i, title := range actionColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(actionSheet, cell, title); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(actionColumns))
	if err := f.SetCellStyle(actionSheet, "A1", lastCol+"1", header); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}
	if err := f.SetColWidth(actionSheet, "B", "B", 22); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(actionSheet, "I", "I", 40); err != nil {
		return nil, err
	}

	for r, row := range rows {
		a := row.Action
		values := []any{
			a.ID,
			a.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			a.Kind.String(),
			a.Consumer.Type,
			a.Consumer.ID,
			deref(a.ActorName, deref(a.ActorID, "")),
			deref(a.Origin, ""),
			a.ShowInTimeline,
			strings.Join(row.Fields, ", "),
			"",
		}
		if a.RollbackTo != nil {
			values[9] = *a.RollbackTo
		}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(actionSheet, cell, v); err != nil {
				return nil, fmt.Errorf("write row %d: %w", r+1, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: "history-actions.xlsx",
		MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}, nil
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
