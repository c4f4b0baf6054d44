package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docparse/internal/entity"
)

const (
	resultSheet  = "Result"
	summarySheet = "Jobs"
)

// Service renders job results as XLSX workbooks.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// JobResultXLSX writes one row per top-level field of the job's extracted JSON.
// Nested objects and arrays are written as compact JSON.
func (s *Service) JobResultXLSX(job *entity.Job) ([]byte, error) {
	start := time.Now()
	if len(job.JSONResult) == 0 {
		return nil, fmt.Errorf("job %s has no structured result", job.ID)
	}
	var fields map[string]any
	if err := json.Unmarshal(job.JSONResult, &fields); err != nil {
		return nil, fmt.Errorf("decode json result: %w", err)
	}

	f, err := newWorkbook(resultSheet)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	writeRow(f, resultSheet, 1, "Field", "Value")
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		writeRow(f, resultSheet, i+2, k, cellValue(fields[k]))
	}
	_ = f.SetColWidth(resultSheet, "A", "A", 28)
	_ = f.SetColWidth(resultSheet, "B", "B", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.result_ok",
		"job_id", job.ID,
		"rows", len(keys),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// JobsSummaryXLSX writes one row per job with its outcome.
func (s *Service) JobsSummaryXLSX(jobs []entity.Job) ([]byte, error) {
	start := time.Now()
	f, err := newWorkbook(summarySheet)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	writeRow(f, summarySheet, 1,
		"Job ID", "File", "Type", "Status", "Pages", "Tokens", "Processing (ms)", "Error Code", "Error", "Result")

	for i, j := range jobs {
		result := ""
		if len(j.JSONResult) > 0 {
			result = truncate(string(j.JSONResult), 500)
		} else if j.MarkdownResult != nil {
			result = truncate(*j.MarkdownResult, 500)
		}
		writeRow(f, summarySheet, i+2,
			j.ID,
			j.FileName,
			string(j.Type),
			string(j.Status),
			intOrEmpty(j.PageCount),
			intOrEmpty(j.TokenCount),
			int64OrEmpty(j.ProcessingTimeMs),
			entity.StringValue(j.ErrorCode),
			truncate(entity.StringValue(j.ErrorMessage), 140),
			result,
		)
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 24) // id
	_ = f.SetColWidth(summarySheet, "B", "B", 36) // file
	_ = f.SetColWidth(summarySheet, "C", "H", 14)
	_ = f.SetColWidth(summarySheet, "I", "I", 48) // error
	_ = f.SetColWidth(summarySheet, "J", "J", 80) // result

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.summary_ok",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func newWorkbook(sheet string) (*excelize.File, error) {
	f := excelize.NewFile()
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if sheet != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, float64:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func intOrEmpty(p *int) any {
	if p == nil {
		return ""
	}
	return *p
}

func int64OrEmpty(p *int64) any {
	if p == nil {
		return ""
	}
	return *p
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
