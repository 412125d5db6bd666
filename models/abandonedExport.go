package models

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const abandonedExportSheet = "Abandoned Processes"

var abandonedExportHeaders = []string{
	"ID", "Process Type", "Entity ID", "Status", "Detected At",
	"Last Notified At", "Resolved At", "Resolution Action", "Metadata",
}

func formatExportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteAbandonedProcessesXlsx renders records as a single-sheet workbook.
func WriteAbandonedProcessesXlsx(w io.Writer, records []*AbandonedProcess) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", abandonedExportSheet); err != nil {
		return err
	}

	for i, h := range abandonedExportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(abandonedExportSheet, cell, h); err != nil {
			return err
		}
	}

	for i, rec := range records {
		row := i + 2
		meta, err := EncodeProcessMetadata(rec.Metadata)
		if err != nil {
			return err
		}
		resolution := ""
		if rec.ResolutionAction != nil {
			resolution = *rec.ResolutionAction
		}
		detectedAt := rec.DetectedAt
		values := []interface{}{
			rec.ID,
			string(rec.ProcessType),
			rec.EntityId,
			string(rec.Status),
			formatExportTime(&detectedAt),
			formatExportTime(rec.LastNotifiedAt),
			formatExportTime(rec.ResolvedAt),
			resolution,
			string(meta),
		}
		if err := f.SetSheetRow(abandonedExportSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return err
		}
	}

	return f.Write(w)
}
