package server

import (
	"time"

	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
)

// snapshotView flattens a job snapshot into plain JSON-compatible values. The same map feeds
// the HTTP encoder and structpb, so only types structpb.NewValue accepts are used.
func snapshotView(s jobs.Snapshot) map[string]any {
	pages := make([]any, 0, len(s.Pages))
	for _, p := range s.Pages {
		pages = append(pages, pageView(p))
	}
	cards := make([]any, 0, len(s.Cards))
	for _, c := range s.Cards {
		cards = append(cards, cardView(c))
	}
	return map[string]any{
		"job_id":       s.Job.ID.String(),
		"status":       string(s.Job.Status),
		"total_pages":  s.Job.TotalPages,
		"done_pages":   s.Job.DonePages,
		"failed_pages": s.Job.FailedPages,
		"created_at":   timeString(s.Job.CreatedAt),
		"updated_at":   timeString(s.Job.UpdatedAt),
		"budget": map[string]any{
			"cost_limit":     s.Budget.CostLimit,
			"cost_used":      s.Budget.CostUsed,
			"cost_exhausted": s.Budget.CostExhausted,
			"time_limit_ms":  s.Budget.TimeLimit.Milliseconds(),
			"started_at":     timeString(s.Budget.StartedAt),
		},
		"pages": pages,
		"cards": cards,
	}
}

func pageView(p entity.PageUnit) map[string]any {
	return map[string]any{
		"index":       p.Index,
		"image_ref":   p.ImageRef,
		"status":      string(p.Status),
		"attempt":     p.Attempt,
		"iterations":  p.Iterations,
		"confidence":  p.Confidence,
		"exit_reason": p.ExitReason,
		"summary":     p.Summary,
		"error":       p.Error,
		"warnings":    stringList(p.Warnings),
	}
}

func cardView(c entity.QuestionCard) map[string]any {
	warnings := make([]any, 0, len(c.Warnings))
	for _, w := range c.Warnings {
		warnings = append(warnings, map[string]any{"kind": string(w.Kind), "message": w.Message})
	}
	return map[string]any{
		"id":              c.ID,
		"page_index":      c.PageIndex,
		"question_number": c.QuestionNumber,
		"state":           string(c.State),
		"verdict":         string(c.Verdict),
		"answer_present":  c.AnswerPresent,
		"student_answer":  c.StudentAnswer,
		"rationale":       c.Rationale,
		"confidence":      c.Confidence,
		"need_review":     c.NeedReview,
		"warnings":        warnings,
		"version":         c.Version,
	}
}

func stringList(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
