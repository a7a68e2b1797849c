package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
)

// Job is one grading submission: an ordered set of page images.
type Job struct {
	ID          uuid.UUID           `json:"id"`
	Status      constants.JobStatus `json:"status"`
	PageRefs    []string            `json:"page_refs"`
	TotalPages  int                 `json:"total_pages"`
	DonePages   int                 `json:"done_pages"`
	FailedPages int                 `json:"failed_pages"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PageUnit is the unit of work a page worker claims.
type PageUnit struct {
	JobID      uuid.UUID            `json:"job_id"`
	Index      int                  `json:"index"`
	ImageRef   string               `json:"image_ref"`
	Status     constants.PageStatus `json:"status"`
	Warnings   []string             `json:"warnings,omitempty"`
	Error      string               `json:"error,omitempty"`
	LeaseOwner string               `json:"lease_owner,omitempty"`
	LeaseUntil time.Time            `json:"lease_until,omitempty"`
	Attempt    int                  `json:"attempt"`
	Iterations int                  `json:"iterations"`
	Confidence float64              `json:"confidence"`
	ExitReason string               `json:"exit_reason,omitempty"`
	Summary    string               `json:"summary,omitempty"`
	Trace      []ToolInvocation     `json:"trace,omitempty"`
	Version    int64                `json:"version"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Leased reports whether another worker holds a live lease on the page.
func (p PageUnit) Leased(now time.Time) bool {
	return p.LeaseOwner != "" && now.Before(p.LeaseUntil)
}

// ToolInvocation is one recorded capability call.
type ToolInvocation struct {
	Capability string               `json:"capability"`
	Args       map[string]any       `json:"args,omitempty"`
	Iteration  int                  `json:"iteration"`
	Elapsed    time.Duration        `json:"elapsed"`
	Status     constants.ToolStatus `json:"status"`
	ErrorCode  string               `json:"error_code,omitempty"`
	CostUnits  int64                `json:"cost_units"`
}

// RunBudget is the per-job ledger shared by every page of the job.
type RunBudget struct {
	JobID         uuid.UUID     `json:"job_id"`
	TimeLimit     time.Duration `json:"time_limit"`
	CostLimit     int64         `json:"cost_limit"`
	CostUsed      int64         `json:"cost_used"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	CostExhausted bool          `json:"cost_exhausted"`
	Version       int64         `json:"version"`
}

// TimeExhausted is false until the clock has been started.
func (b RunBudget) TimeExhausted(now time.Time) bool {
	if b.StartedAt.IsZero() || b.TimeLimit <= 0 {
		return false
	}
	return now.Sub(b.StartedAt) >= b.TimeLimit
}

func (b RunBudget) Remaining() int64 {
	if r := b.CostLimit - b.CostUsed; r > 0 {
		return r
	}
	return 0
}
