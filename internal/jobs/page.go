package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/budget"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/orchestrator"
	"github.com/joseph-ayodele/homework-grader/internal/queue"
	"github.com/joseph-ayodele/homework-grader/internal/store"
)

const (
	maxCASAttempts = 64
	leaseSlack     = time.Second
)

// Runner grades one page. *orchestrator.Engine implements it.
type Runner interface {
	Run(ctx context.Context, in orchestrator.PageInput, guard orchestrator.BudgetGuard, sink orchestrator.PlaceholderSink) (orchestrator.RunResult, error)
}

type PageConfig struct {
	LeaseTTL    time.Duration
	MaxAttempts int
}

// PageHandler executes page tokens: claim, run the loop, write cards, finish the page
// and count it against the job.
type PageHandler struct {
	store   store.Store
	runner  Runner
	reviews queue.Queue
	cfg     PageConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewPageHandler(s store.Store, runner Runner, reviews queue.Queue, cfg PageConfig, logger *slog.Logger) *PageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &PageHandler{store: s, runner: runner, reviews: reviews, cfg: cfg, logger: logger, now: time.Now}
}

// Handle is safe to call with duplicate or stale tokens. Missing pages are discarded,
// terminal pages only reconcile the job counters, and pages leased by a live worker are
// deferred until the lease runs out. None of these touch the budget.
func (h *PageHandler) Handle(ctx context.Context, tok queue.Token) error {
	log := h.logger.With("job_id", tok.JobID.String(), "page", tok.PageIndex, "token_id", tok.ID.String())

	page, err := h.store.GetPage(ctx, tok.JobID, tok.PageIndex)
	if errors.Is(err, common.ErrNotFound) {
		log.Warn("worker.page.discard", "reason", "not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	if page.Status.Terminal() {
		log.Info("worker.page.discard", "reason", "terminal", "status", string(page.Status))
		return h.countPages(ctx, tok.JobID)
	}
	if now := h.now(); page.Leased(now) {
		log.Info("worker.page.defer", "reason", "leased", "lease_until", page.LeaseUntil)
		return queue.RetryAfter(fmt.Errorf("page %d leased by %s", page.Index, page.LeaseOwner),
			page.LeaseUntil.Sub(now)+leaseSlack)
	}
	if page.Attempt >= h.cfg.MaxAttempts {
		log.Warn("worker.page.give_up", "attempts", page.Attempt)
		return h.finish(ctx, page, func(p *entity.PageUnit) {
			p.Status = constants.PageStatusFailed
			p.Error = fmt.Sprintf("gave up after %d attempts", page.Attempt)
		})
	}

	claimed, err := h.claim(ctx, page)
	if errors.Is(err, common.ErrConflict) {
		log.Info("worker.page.discard", "reason", "claim_conflict")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim page: %w", err)
	}
	if err := h.markJobRunning(ctx, tok.JobID); err != nil {
		h.release(ctx, claimed)
		return err
	}

	guard := budget.NewGuard(h.store, tok.JobID, budget.WithLogger(h.logger))
	if err := guard.Start(ctx); err != nil {
		h.release(ctx, claimed)
		return fmt.Errorf("start budget: %w", err)
	}

	start := time.Now()
	ctx = common.WithJobID(ctx, tok.JobID.String())
	sink := func(ctx context.Context, cards []entity.QuestionCard) error {
		n, err := h.store.CreateCards(ctx, cards)
		if err != nil {
			return err
		}
		log.Debug("worker.page.placeholders", "detected", len(cards), "created", n)
		return nil
	}
	in := orchestrator.PageInput{JobID: tok.JobID, PageIndex: tok.PageIndex, ImageRef: claimed.ImageRef}
	res, err := h.runner.Run(ctx, in, guard, sink)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnrecoverable) {
			log.Error("worker.page.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
			return h.finish(ctx, claimed, func(p *entity.PageUnit) {
				p.Status = constants.PageStatusFailed
				p.Error = err.Error()
				p.Trace = res.Trace
			})
		}
		h.release(ctx, claimed)
		return fmt.Errorf("run page: %w", err)
	}

	cards := res.Cards
	var review []int
	for i := range cards {
		if cards[i].NeedReview && h.reviews != nil {
			if err := cards[i].Transition(constants.CardStateReviewPending); err == nil {
				review = append(review, i)
			}
		}
	}
	if err := h.store.SaveCards(ctx, cards); err != nil {
		h.release(ctx, claimed)
		return fmt.Errorf("save cards: %w", err)
	}
	for _, i := range review {
		c := cards[i]
		if err := h.reviews.Push(ctx, queue.NewReviewToken(c.JobID, c.PageIndex, c.ID)); err != nil {
			log.Warn("worker.review.enqueue_failed", "card_id", c.ID, "error", err)
			h.failReview(ctx, c.JobID, c.ID, "review could not be scheduled: "+err.Error())
		}
	}

	err = h.finish(ctx, claimed, func(p *entity.PageUnit) {
		p.Status = constants.PageStatusDone
		p.Warnings = res.Warnings
		p.Iterations = res.Iterations
		p.Confidence = res.Confidence
		p.ExitReason = string(res.Exit)
		p.Summary = res.Summary
		p.Trace = res.Trace
	})
	if err != nil {
		return err
	}
	log.Info("worker.page.done",
		"cards", len(cards),
		"review", len(review),
		"iterations", res.Iterations,
		"exit", string(res.Exit),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (h *PageHandler) claim(ctx context.Context, page entity.PageUnit) (entity.PageUnit, error) {
	next := page
	next.Status = constants.PageStatusRunning
	next.LeaseOwner = uuid.NewString()
	next.LeaseUntil = h.now().Add(h.cfg.LeaseTTL)
	next.Attempt++
	next.Version++
	if err := h.store.CompareAndSwapPage(ctx, next); err != nil {
		return entity.PageUnit{}, err
	}
	return next, nil
}

// release hands a claimed page back so a redelivered token can claim it before the lease
// would have expired.
func (h *PageHandler) release(ctx context.Context, page entity.PageUnit) {
	next := page
	next.Status = constants.PageStatusQueued
	next.LeaseOwner = ""
	next.LeaseUntil = time.Time{}
	next.Version++
	if err := h.store.CompareAndSwapPage(context.WithoutCancel(ctx), next); err != nil {
		h.logger.Warn("worker.page.release_failed", "job_id", page.JobID.String(), "page", page.Index, "error", err)
	}
}

// finish makes the page terminal and then brings the job counters up to date.
// If the page write fails the claim is handed back so the redelivery can retry.
func (h *PageHandler) finish(ctx context.Context, page entity.PageUnit, mutate func(*entity.PageUnit)) error {
	next := page
	mutate(&next)
	next.LeaseOwner = ""
	next.LeaseUntil = time.Time{}
	next.Version++
	if err := h.store.CompareAndSwapPage(ctx, next); err != nil {
		if errors.Is(err, common.ErrConflict) {
			h.logger.Warn("worker.page.finish_conflict", "job_id", page.JobID.String(), "page", page.Index)
			return h.countPages(ctx, page.JobID)
		}
		h.release(ctx, page)
		return fmt.Errorf("finish page: %w", err)
	}
	return h.countPages(ctx, page.JobID)
}

// countPages sets the job's done and failed counters from its terminal page rows. The
// worker whose write reaches the total decides the terminal status in the same write.
// Counting from the rows makes a retried or redelivered count a no-op, and a page that
// became terminal without being counted is picked up by the next token for that job.
func (h *PageHandler) countPages(ctx context.Context, jobID uuid.UUID) error {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := h.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if job.Status.Terminal() {
			return nil
		}
		pages, err := h.store.ListPages(ctx, jobID)
		if err != nil {
			return fmt.Errorf("list pages: %w", err)
		}
		done, failed := 0, 0
		for _, p := range pages {
			if !p.Status.Terminal() {
				continue
			}
			done++
			if p.Status == constants.PageStatusFailed {
				failed++
			}
		}

		next := job
		next.DonePages = max(job.DonePages, done)
		next.FailedPages = max(job.FailedPages, failed)
		switch {
		case next.DonePages < next.TotalPages:
			next.Status = constants.JobStatusRunning
		case next.FailedPages == next.TotalPages:
			next.Status = constants.JobStatusFailed
		default:
			next.Status = constants.JobStatusDone
		}
		if next.DonePages == job.DonePages && next.FailedPages == job.FailedPages && next.Status == job.Status {
			return nil
		}
		next.Version = job.Version + 1
		err = h.store.CompareAndSwapJob(ctx, next)
		if errors.Is(err, common.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if next.Status.Terminal() {
			h.logger.Info("worker.job.terminal", "job_id", jobID.String(), "status", string(next.Status),
				"pages", next.TotalPages, "failed_pages", next.FailedPages)
		}
		return nil
	}
	return fmt.Errorf("update job %s: %w", jobID, common.ErrConflict)
}

func (h *PageHandler) markJobRunning(ctx context.Context, jobID uuid.UUID) error {
	return updateJob(ctx, h.store, jobID, func(j *entity.Job) bool {
		if j.Status != constants.JobStatusQueued {
			return false
		}
		j.Status = constants.JobStatusRunning
		return true
	})
}

func (h *PageHandler) failReview(ctx context.Context, jobID uuid.UUID, cardID, reason string) {
	err := updateCard(ctx, h.store, jobID, cardID, func(c *entity.QuestionCard) bool {
		if c.Transition(constants.CardStateReviewFailed) != nil {
			return false
		}
		c.AddWarning(constants.WarningReview, reason)
		return true
	})
	if err != nil {
		h.logger.Error("worker.review.mark_failed", "job_id", jobID.String(), "card_id", cardID, "error", err)
	}
}

// updateJob applies mutate under optimistic concurrency, retrying on conflict.
// mutate returns false to leave the job untouched.
func updateJob(ctx context.Context, s store.Store, id uuid.UUID, mutate func(*entity.Job) bool) error {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		next := job
		if !mutate(&next) {
			return nil
		}
		next.Version = job.Version + 1
		err = s.CompareAndSwapJob(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrConflict) {
			return fmt.Errorf("update job: %w", err)
		}
	}
	return fmt.Errorf("update job %s: %w", id, common.ErrConflict)
}

func updateCard(ctx context.Context, s store.Store, jobID uuid.UUID, id string, mutate func(*entity.QuestionCard) bool) error {
	for i := 0; i < maxCASAttempts; i++ {
		card, err := s.GetCard(ctx, jobID, id)
		if err != nil {
			return fmt.Errorf("load card: %w", err)
		}
		next := card
		next.Warnings = append([]entity.Warning(nil), card.Warnings...)
		if !mutate(&next) {
			return nil
		}
		next.Version = card.Version + 1
		err = s.CompareAndSwapCard(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrConflict) {
			return fmt.Errorf("update card: %w", err)
		}
	}
	return fmt.Errorf("update card %s: %w", id, common.ErrConflict)
}
