package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

// Store is the progressive result store. Every CompareAndSwap* method writes next only when
// the stored version equals next.Version-1 and returns common.ErrConflict otherwise.
// Missing rows are reported as common.ErrNotFound.
type Store interface {
	CreateJob(ctx context.Context, job entity.Job, pages []entity.PageUnit, budget entity.RunBudget) error
	GetJob(ctx context.Context, id uuid.UUID) (entity.Job, error)
	CompareAndSwapJob(ctx context.Context, next entity.Job) error

	GetPage(ctx context.Context, jobID uuid.UUID, index int) (entity.PageUnit, error)
	ListPages(ctx context.Context, jobID uuid.UUID) ([]entity.PageUnit, error)
	CompareAndSwapPage(ctx context.Context, next entity.PageUnit) error

	// CreateCards inserts cards that do not exist yet and leaves existing ones untouched.
	// It returns the number of cards inserted.
	CreateCards(ctx context.Context, cards []entity.QuestionCard) (int, error)
	// SaveCards upserts cards, bumping the stored version of each.
	SaveCards(ctx context.Context, cards []entity.QuestionCard) error
	GetCard(ctx context.Context, jobID uuid.UUID, id string) (entity.QuestionCard, error)
	CompareAndSwapCard(ctx context.Context, next entity.QuestionCard) error
	// ListCards orders by page index then ordinal.
	ListCards(ctx context.Context, jobID uuid.UUID) ([]entity.QuestionCard, error)

	LoadBudget(ctx context.Context, jobID uuid.UUID) (entity.RunBudget, error)
	CompareAndSwapBudget(ctx context.Context, next entity.RunBudget) error
}

func cloneJob(j entity.Job) entity.Job {
	j.PageRefs = append([]string(nil), j.PageRefs...)
	return j
}

func clonePage(p entity.PageUnit) entity.PageUnit {
	p.Warnings = append([]string(nil), p.Warnings...)
	if p.Trace != nil {
		trace := make([]entity.ToolInvocation, len(p.Trace))
		copy(trace, p.Trace)
		p.Trace = trace
	}
	return p
}

func cloneCard(c entity.QuestionCard) entity.QuestionCard {
	c.Warnings = append([]entity.Warning(nil), c.Warnings...)
	return c
}
