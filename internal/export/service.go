package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

const sheet = "Results"

// ResultSource reads a task and its per-file results.
type ResultSource interface {
	GetStatus(ctx context.Context, taskID string) (*entity.Task, error)
	GetResults(ctx context.Context, taskID string) ([]*entity.FileResult, error)
}

// Service produces XLSX bytes for a task's results.
type Service struct {
	source ResultSource
	logger *slog.Logger
}

func NewService(source ResultSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger}
}

// ExportTaskXLSX returns a workbook with one row per file. Unfinished tasks
// export whatever is recorded so far.
func (s *Service) ExportTaskXLSX(ctx context.Context, taskID string) ([]byte, error) {
	start := time.Now()

	task, err := s.source.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	results, err := s.source.GetResults(ctx, taskID)
	if err != nil {
		return nil, err
	}

	buf, err := Workbook(task, results)
	if err != nil {
		s.logger.Error("export.xlsx.failed", "task_id", taskID, "err", err)
		return nil, err
	}
	s.logger.Info("export.xlsx.ok",
		"task_id", taskID,
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf, nil
}

// Workbook renders results as XLSX. Fixed columns come first, followed by
// the sorted union of top-level extracted fields; nested values are written
// as JSON text.
func Workbook(task *entity.Task, results []*entity.FileResult) ([]byte, error) {
	rows := make([]map[string]any, len(results))
	fieldSet := map[string]struct{}{}
	for i, r := range results {
		rows[i] = map[string]any{}
		if len(r.ExtractedData) == 0 {
			continue
		}
		if err := json.Unmarshal(r.ExtractedData, &rows[i]); err != nil {
			// non-object payloads land in a single column
			rows[i] = map[string]any{"data": string(r.ExtractedData)}
		}
		for k := range rows[i] {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := append([]string{"Filename", "Status", "Error Kind", "Error Message"}, fields...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range results {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Filename)
		write(2, string(r.Status))
		if r.ErrorKind != nil {
			write(3, string(*r.ErrorKind))
		}
		if r.ErrorMessage != nil {
			write(4, *r.ErrorMessage)
		}
		for j, k := range fields {
			v, ok := rows[i][k]
			if !ok || v == nil {
				continue
			}
			write(5+j, cellValue(v))
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 32) // filename
	_ = f.SetColWidth(sheet, "B", "C", 18)
	_ = f.SetColWidth(sheet, "D", "D", 48)
	if task != nil {
		_ = f.SetDocProps(&excelize.DocProperties{
			Title:       "Extraction results " + task.ID,
			Description: fmt.Sprintf("%s: %d/%d files processed", task.Status, task.ProcessedFiles, task.TotalFiles),
		})
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func cellValue(v any) any {
	switch t := v.(type) {
	case string, float64, bool:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return truncate(string(b), 32000)
	}
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
