package report

import (
	"bytes"
	"fmt"

	"snapfile-go/internal/job"
	"snapfile-go/internal/statistics"

	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	jobsSheet    = "Jobs"
	summarySheet = "Summary"
)

var jobHeaders = []string{
	"File",
	"Output File",
	"Kind",
	"Format",
	"State",
	"Quality",
	"Original Bytes",
	"Output Bytes",
	"Saved %",
	"Error Code",
	"Error",
}

// BuildXLSX renders a batch as a workbook with a per-job sheet and a
// summary sheet.
func BuildXLSX(batchID string, jobs []job.Snapshot) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(jobsSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}

	for i, h := range jobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(jobsSheet, cell, h)
	}
	for r, j := range jobs {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(jobsSheet, cell, v)
		}
		write(1, j.Name)
		write(2, j.OutputName)
		write(3, string(j.Kind))
		write(4, j.Format)
		write(5, string(j.State))
		write(6, j.Quality)
		write(7, j.OriginalSize)
		if j.State == job.StateSucceeded || j.State == job.StateSkippedNoGain {
			write(8, j.OutputSize)
			if j.OriginalSize > 0 {
				write(9, roundPct(float64(j.OriginalSize-j.OutputSize)/float64(j.OriginalSize)))
			}
		}
		write(10, string(j.ErrCode))
		write(11, truncate(j.Error, 200))
	}
	_ = f.SetColWidth(jobsSheet, "A", "B", 36)
	_ = f.SetColWidth(jobsSheet, "C", "F", 12)
	_ = f.SetColWidth(jobsSheet, "G", "I", 16)
	_ = f.SetColWidth(jobsSheet, "J", "J", 22)
	_ = f.SetColWidth(jobsSheet, "K", "K", 60)
	_ = f.SetPanes(jobsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	s := statistics.Summarize(jobs)
	rows := [][2]any{
		{"Batch", batchID},
		{"Files", s.Total},
		{"Succeeded", s.Succeeded},
		{"Skipped (no gain)", s.Skipped},
		{"Failed", s.Failed},
		{"Cancelled", s.Cancelled},
		{"Original Bytes", s.TotalOriginalBytes},
		{"Output Bytes", s.TotalOutputBytes},
		{"Saved Bytes", s.SavedBytes},
		{"Saved %", roundPct(s.SavedRatio)},
	}
	for i, r := range rows {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), r[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), r[1])
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)

	idx, _ := f.GetSheetIndex(jobsSheet)
	f.SetActiveSheet(idx)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func roundPct(ratio float64) float64 {
	return float64(int(ratio*1000+0.5)) / 10
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
