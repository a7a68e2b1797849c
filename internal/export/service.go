package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

// Reader is the slice of the result store the export needs.
type Reader interface {
	GetJob(ctx context.Context, id uuid.UUID) (entity.Job, error)
	ListPages(ctx context.Context, jobID uuid.UUID) ([]entity.PageUnit, error)
	ListCards(ctx context.Context, jobID uuid.UUID) ([]entity.QuestionCard, error)
}

// Service produces XLSX workbooks for a job's graded cards.
type Service struct {
	store  Reader
	logger *slog.Logger
}

func NewService(store Reader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

const (
	cardsSheet = "Cards"
	pagesSheet = "Pages"
)

// JobXLSX returns a workbook with one row per card and one per page. Jobs still running
// export whatever has been written so far.
func (s *Service) JobXLSX(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	start := time.Now()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	pages, err := s.store.ListPages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	cards, err := s.store.ListCards(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", cardsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(pagesSheet); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(cardsSheet)
	f.SetActiveSheet(idx)

	writeRow(f, cardsSheet, 1, "Page", "Question", "Card ID", "State", "Verdict", "Confidence",
		"Needs Review", "Student Answer", "Rationale", "Warnings")
	for i, c := range cards {
		writeRow(f, cardsSheet, i+2,
			c.PageIndex+1,
			c.QuestionNumber,
			c.ID,
			string(c.State),
			string(c.Verdict),
			c.Confidence,
			yesNo(c.NeedReview),
			truncate(c.StudentAnswer, 200),
			truncate(c.Rationale, 500),
			warningText(c.Warnings),
		)
	}
	_ = f.SetColWidth(cardsSheet, "A", "B", 10)
	_ = f.SetColWidth(cardsSheet, "C", "C", 14)
	_ = f.SetColWidth(cardsSheet, "D", "G", 14)
	_ = f.SetColWidth(cardsSheet, "H", "H", 30)
	_ = f.SetColWidth(cardsSheet, "I", "J", 60)

	writeRow(f, pagesSheet, 1, "Page", "Image", "Status", "Iterations", "Confidence", "Exit", "Summary", "Warnings", "Error")
	for i, p := range pages {
		writeRow(f, pagesSheet, i+2,
			p.Index+1,
			p.ImageRef,
			string(p.Status),
			p.Iterations,
			p.Confidence,
			p.ExitReason,
			truncate(p.Summary, 500),
			strings.Join(p.Warnings, "; "),
			p.Error,
		)
	}
	_ = f.SetColWidth(pagesSheet, "B", "B", 40)
	_ = f.SetColWidth(pagesSheet, "G", "I", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"job_id", jobID.String(),
		"status", string(job.Status),
		"cards", len(cards),
		"pages", len(pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func warningText(ws []entity.Warning) string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, string(w.Kind)+": "+w.Message)
	}
	return strings.Join(parts, "; ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
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
