package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

const maxCASAttempts = 64

// Ledger persists run budgets with optimistic versioning.
// CompareAndSwapBudget writes next only if the stored version equals next.Version-1,
// and reports common.ErrConflict otherwise.
type Ledger interface {
	LoadBudget(ctx context.Context, jobID uuid.UUID) (entity.RunBudget, error)
	CompareAndSwapBudget(ctx context.Context, next entity.RunBudget) error
}

// Guard is the per-job budget gate shared by every page of the job.
type Guard struct {
	ledger Ledger
	jobID  uuid.UUID
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

func NewGuard(ledger Ledger, jobID uuid.UUID, opts ...Option) *Guard {
	g := &Guard{ledger: ledger, jobID: jobID, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) JobID() uuid.UUID { return g.jobID }

// Start stamps the start time on first use; later calls are no-ops.
func (g *Guard) Start(ctx context.Context) error {
	return g.update(ctx, func(b *entity.RunBudget) (bool, error) {
		if !b.StartedAt.IsZero() {
			return false, nil
		}
		b.StartedAt = g.now()
		return true, nil
	})
}

// IsTimeExhausted fails closed: a ledger read error counts as exhausted.
func (g *Guard) IsTimeExhausted(ctx context.Context) bool {
	b, err := g.ledger.LoadBudget(ctx, g.jobID)
	if err != nil {
		g.logger.Warn("budget.load.failed", "job_id", g.jobID.String(), "error", err)
		return true
	}
	return b.TimeExhausted(g.now())
}

// IsCostExhausted fails closed like IsTimeExhausted.
func (g *Guard) IsCostExhausted(ctx context.Context) bool {
	b, err := g.ledger.LoadBudget(ctx, g.jobID)
	if err != nil {
		g.logger.Warn("budget.load.failed", "job_id", g.jobID.String(), "error", err)
		return true
	}
	return b.CostExhausted || b.CostUsed >= b.CostLimit
}

// Exhausted reports either kind of exhaustion.
func (g *Guard) Exhausted(ctx context.Context) bool {
	return g.IsTimeExhausted(ctx) || g.IsCostExhausted(ctx)
}

// Reserve atomically adds units to the consumed counter. A reservation that would
// cross the ceiling is refused and raises the exhaustion flag instead.
func (g *Guard) Reserve(ctx context.Context, units int64) (bool, error) {
	if units < 0 {
		return false, fmt.Errorf("reserve: negative units %d", units)
	}
	granted := false
	err := g.update(ctx, func(b *entity.RunBudget) (bool, error) {
		granted = false
		if b.CostExhausted {
			return false, nil
		}
		if b.TimeExhausted(g.now()) {
			return false, nil
		}
		if b.CostUsed+units > b.CostLimit {
			b.CostExhausted = true
			return true, nil
		}
		b.CostUsed += units
		if b.CostUsed >= b.CostLimit {
			b.CostExhausted = true
		}
		granted = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !granted {
		g.logger.Info("budget.reserve.refused", "job_id", g.jobID.String(), "units", units)
	}
	return granted, nil
}

// Charge records post-call consumption beyond the reservation, clamped at the ceiling.
func (g *Guard) Charge(ctx context.Context, units int64) error {
	if units <= 0 {
		return nil
	}
	return g.update(ctx, func(b *entity.RunBudget) (bool, error) {
		next := b.CostUsed + units
		if next >= b.CostLimit {
			next = b.CostLimit
			b.CostExhausted = true
		}
		b.CostUsed = next
		return true, nil
	})
}

// Snapshot returns the current ledger row.
func (g *Guard) Snapshot(ctx context.Context) (entity.RunBudget, error) {
	return g.ledger.LoadBudget(ctx, g.jobID)
}

// update runs a load/mutate/compare-and-swap loop until it wins or mutate declines.
func (g *Guard) update(ctx context.Context, mutate func(*entity.RunBudget) (bool, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := g.ledger.LoadBudget(ctx, g.jobID)
		if err != nil {
			return fmt.Errorf("load budget: %w", err)
		}
		write, err := mutate(&b)
		if err != nil || !write {
			return err
		}
		b.Version++
		err = g.ledger.CompareAndSwapBudget(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrConflict) {
			return fmt.Errorf("swap budget: %w", err)
		}
	}
	return fmt.Errorf("budget %s: %w after %d attempts", g.jobID, common.ErrConflict, maxCASAttempts)
}
