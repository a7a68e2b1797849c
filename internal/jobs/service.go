package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/queue"
	"github.com/joseph-ayodele/homework-grader/internal/store"
)

// SubmitRequest is a grading submission. Zero budget fields take the service defaults.
type SubmitRequest struct {
	PageRefs  []string
	TimeLimit time.Duration
	CostUnits int64
}

// Snapshot is a progressive view of a job: pages and cards as far as they got.
type Snapshot struct {
	Job    entity.Job
	Pages  []entity.PageUnit
	Cards  []entity.QuestionCard
	Budget entity.RunBudget
}

// Service is the submission and status API in front of the store and the page queue.
type Service struct {
	store     store.Store
	pages     queue.Queue
	timeLimit time.Duration
	costUnits int64
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(s store.Store, pages queue.Queue, timeLimit time.Duration, costUnits int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeLimit <= 0 {
		timeLimit = 10 * time.Minute
	}
	if costUnits <= 0 {
		costUnits = 1000
	}
	return &Service{store: s, pages: pages, timeLimit: timeLimit, costUnits: costUnits, logger: logger, now: time.Now}
}

func (s *Service) validate(req SubmitRequest) error {
	v := common.NewValidator().
		Field("page_refs", req.PageRefs, common.NonEmptyList, func(f string, val interface{}) *common.ValidationError {
			return common.MaxItems(f, val, constants.MaxPagesPerJob)
		}, common.Each(constants.IsSupportedImageRef, "must reference a jpg, jpeg, png, webp or heic image"))
	for i, ref := range req.PageRefs {
		v.Field(fmt.Sprintf("page_refs[%d]", i), ref, common.Required, func(f string, val interface{}) *common.ValidationError {
			return common.MaxLength(f, val, constants.MaxPageRefLength)
		})
	}
	if req.TimeLimit < 0 {
		v.Field("time_limit", req.TimeLimit, func(f string, val interface{}) *common.ValidationError {
			return &common.ValidationError{Field: f, Value: val, Message: "must not be negative"}
		})
	}
	if req.CostUnits < 0 {
		v.Field("cost_units", req.CostUnits, func(f string, val interface{}) *common.ValidationError {
			return &common.ValidationError{Field: f, Value: val, Message: "must not be negative"}
		})
	}
	return v.Error()
}

// Submit persists the job, its page units and its budget, then enqueues one token per page.
// It returns as soon as the tokens are queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := s.validate(req); err != nil {
		return uuid.Nil, err
	}
	refs := make([]string, len(req.PageRefs))
	for i, r := range req.PageRefs {
		refs[i] = strings.TrimSpace(r)
	}

	now := s.now().UTC()
	id := uuid.New()
	job := entity.Job{
		ID:         id,
		Status:     constants.JobStatusQueued,
		PageRefs:   refs,
		TotalPages: len(refs),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	pages := make([]entity.PageUnit, len(refs))
	for i, ref := range refs {
		pages[i] = entity.PageUnit{
			JobID:     id,
			Index:     i,
			ImageRef:  ref,
			Status:    constants.PageStatusQueued,
			Version:   1,
			UpdatedAt: now,
		}
	}
	b := entity.RunBudget{JobID: id, TimeLimit: s.timeLimit, CostLimit: s.costUnits, Version: 1}
	if req.TimeLimit > 0 {
		b.TimeLimit = req.TimeLimit
	}
	if req.CostUnits > 0 {
		b.CostLimit = req.CostUnits
	}

	if err := s.store.CreateJob(ctx, job, pages, b); err != nil {
		return uuid.Nil, common.WrapError(err, "create job")
	}
	for i := range refs {
		if err := s.pages.Push(ctx, queue.NewPageToken(id, i)); err != nil {
			s.logger.Error("jobs.submit.enqueue_failed", "job_id", id.String(), "page", i, "error", err)
			return id, fmt.Errorf("enqueue page %d: %w", i, err)
		}
	}
	s.logger.Info("jobs.submit", "job_id", id.String(), "pages", len(refs), "cost_units", b.CostLimit, "time_limit", b.TimeLimit.String())
	return id, nil
}

// Status returns the job with whatever pages and cards have been written so far.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	pages, err := s.store.ListPages(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	cards, err := s.store.ListCards(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	b, err := s.store.LoadBudget(ctx, id)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return Snapshot{}, err
	}
	return Snapshot{Job: job, Pages: pages, Cards: cards, Budget: b}, nil
}

// Requeue pushes a fresh token for every page that is not terminal yet. When every page
// is terminal but the job is not, one token is pushed so a handler reconciles the job
// counters. Handlers treat stale tokens as no-ops, so it is safe to call at any time.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (int, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	pages, err := s.store.ListPages(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	push := func(index int) error {
		if err := s.pages.Push(ctx, queue.NewPageToken(id, index)); err != nil {
			return fmt.Errorf("enqueue page %d: %w", index, err)
		}
		n++
		return nil
	}
	for _, p := range pages {
		if p.Status.Terminal() {
			continue
		}
		if err := push(p.Index); err != nil {
			return n, err
		}
	}
	if n == 0 && !job.Status.Terminal() && len(pages) > 0 {
		if err := push(pages[0].Index); err != nil {
			return n, err
		}
	}
	s.logger.Info("jobs.requeue", "job_id", id.String(), "pages", n)
	return n, nil
}
