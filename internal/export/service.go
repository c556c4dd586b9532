// Package export renders an assignment's grades as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

const (
	gradesSheet   = "Grades"
	feedbackLimit = 2000
)

// Source is the read side of the document store the export needs.
type Source interface {
	GetAssignment(ctx context.Context, id uuid.UUID) (*entity.Assignment, error)
	ListSubmissions(ctx context.Context, assignmentID uuid.UUID) ([]*entity.Submission, error)
}

// Service produces XLSX bytes for grade exports.
type Service struct {
	src    Source
	logger *slog.Logger
}

func NewService(src Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{src: src, logger: logger}
}

var headers = []string{
	"Student",
	"Submission",
	"Evaluation Status",
	"Score",
	"Max Score",
	"Letter Grade",
	"Model",
	"Feedback / Error",
	"Graded At",
}

// ExportGradesXLSX returns one row per submission of the assignment, using the
// latest consensus result of each.
func (s *Service) ExportGradesXLSX(ctx context.Context, assignmentID uuid.UUID) ([]byte, error) {
	start := time.Now()

	a, err := s.src.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	subs, err := s.src.ListSubmissions(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", gradesSheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(gradesSheet, cell, h)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetRowStyle(gradesSheet, 1, 1, bold)
	}

	row := 2
	graded := 0
	for _, sub := range subs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(gradesSheet, cell, v)
		}
		write(1, sub.StudentID)
		write(2, sub.ID.String())
		write(3, string(sub.EvaluationStatus))

		if res, ok := sub.LatestResult(); ok && sub.EvaluationStatus == constants.EvalCompleted {
			write(4, res.Score)
			write(5, res.MaxScore)
			write(6, string(res.LetterGrade))
			write(7, res.ModelUsed)
			write(8, truncate(res.Feedback, feedbackLimit))
			write(9, res.CreatedAt.UTC().Format(time.RFC3339))
			graded++
		} else {
			write(5, a.ResolveTotalPoints())
			write(8, truncate(firstNonEmpty(sub.EvaluationError, sub.Processing.Error, sub.EvaluationMessage), feedbackLimit))
		}
		row++
	}

	_ = f.SetColWidth(gradesSheet, "A", "A", 18)
	_ = f.SetColWidth(gradesSheet, "B", "B", 38)
	_ = f.SetColWidth(gradesSheet, "C", "C", 18)
	_ = f.SetColWidth(gradesSheet, "D", "F", 12)
	_ = f.SetColWidth(gradesSheet, "G", "G", 22)
	_ = f.SetColWidth(gradesSheet, "H", "H", 80)
	_ = f.SetColWidth(gradesSheet, "I", "I", 22)
	_ = f.SetPanes(gradesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"assignment_id", assignmentID.String(),
		"rows", len(subs),
		"graded", graded,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// Filename suggests a download name for an assignment export.
func Filename(assignmentID uuid.UUID) string {
	return fmt.Sprintf("grades-%s.xlsx", assignmentID.String()[:8])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
