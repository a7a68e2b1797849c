package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

type Phase string

const (
	PhaseExtracting  Phase = "EXTRACTING"
	PhasePlanning    Phase = "PLANNING"
	PhaseExecuting   Phase = "EXECUTING"
	PhaseReflecting  Phase = "REFLECTING"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseDone        Phase = "DONE"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseExtracting:  {PhasePlanning, PhaseAggregating},
	PhasePlanning:    {PhaseExecuting},
	PhaseExecuting:   {PhaseReflecting},
	PhaseReflecting:  {PhasePlanning, PhaseAggregating},
	PhaseAggregating: {PhaseDone},
}

func canTransition(from, to Phase) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExitReason says why the loop stopped iterating.
type ExitReason string

const (
	ExitConverged         ExitReason = "converged"
	ExitEvidenceExemption ExitReason = "evidence_exemption"
	ExitIterationCap      ExitReason = "iteration_cap"
	ExitBudgetExhausted   ExitReason = "budget_exhausted"
	ExitNoProgress        ExitReason = "no_progress"
	ExitNoQuestions       ExitReason = "no_questions"
)

// BudgetGuard is the slice of the job budget the loop needs.
type BudgetGuard interface {
	IsTimeExhausted(ctx context.Context) bool
	IsCostExhausted(ctx context.Context) bool
	Reserve(ctx context.Context, units int64) (bool, error)
	Charge(ctx context.Context, units int64) error
}

// RunContext carries all state of one page run explicitly through the loop stages.
type RunContext struct {
	RunID     string
	JobID     uuid.UUID
	PageIndex int
	ImageRef  string
	Iteration int
	Phase     Phase
	Evidence  *Evidence
	Guard     BudgetGuard
	Trace     []entity.ToolInvocation
}

func (rc *RunContext) transition(to Phase) error {
	if !canTransition(rc.Phase, to) {
		return fmt.Errorf("orchestrator: illegal phase transition %s -> %s", rc.Phase, to)
	}
	rc.Phase = to
	return nil
}
