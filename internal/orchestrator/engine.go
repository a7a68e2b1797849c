package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// Invoker is the tool contract as seen by the loop.
type Invoker interface {
	Validate(call tool.Call) *tool.Error
	Invoke(ctx context.Context, call tool.Call) tool.Result
	Fallbacks(capability string) []string
}

// Estimator prices a call before dispatch.
type Estimator interface {
	Estimate(capability string, argsBytes int) int64
}

type Config struct {
	MaxIterations   int
	MinConfidence   float64
	TextFloorRunes  int
	PlanConcurrency int
}

func DefaultConfig() Config {
	return Config{MaxIterations: 3, MinConfidence: 0.75, TextFloorRunes: 400, PlanConcurrency: 4}
}

// PageInput identifies the page to grade.
type PageInput struct {
	JobID     uuid.UUID
	PageIndex int
	ImageRef  string
}

// PlaceholderSink receives placeholder cards as soon as questions are detected.
type PlaceholderSink func(ctx context.Context, cards []entity.QuestionCard) error

type RunResult struct {
	Cards      []entity.QuestionCard
	Summary    string
	Iterations int
	Confidence float64
	Exit       ExitReason
	Warnings   []string
	Trace      []entity.ToolInvocation
}

// Engine runs the plan, execute, reflect loop for one page at a time.
// It holds no per-run state and is safe for concurrent use.
type Engine struct {
	tools  Invoker
	costs  Estimator
	cfg    Config
	logger *slog.Logger
}

func NewEngine(tools Invoker, costs Estimator, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.TextFloorRunes <= 0 {
		cfg.TextFloorRunes = def.TextFloorRunes
	}
	if cfg.PlanConcurrency <= 0 {
		cfg.PlanConcurrency = def.PlanConcurrency
	}
	return &Engine{tools: tools, costs: costs, cfg: cfg, logger: logger}
}

// Run grades one page. An error means the page could not be graded (ErrUnrecoverable)
// or ctx ended; budget exhaustion and non-convergence are reported through the result.
func (e *Engine) Run(ctx context.Context, in PageInput, guard BudgetGuard, sink PlaceholderSink) (RunResult, error) {
	rc := &RunContext{
		RunID:     uuid.NewString(),
		JobID:     in.JobID,
		PageIndex: in.PageIndex,
		ImageRef:  in.ImageRef,
		Phase:     PhaseExtracting,
		Evidence:  newEvidence(),
		Guard:     guard,
	}
	ctx = common.WithRunID(ctx, rc.RunID)
	start := time.Now()
	e.logger.Info("orchestrator.run.start", "run_id", rc.RunID, "job_id", in.JobID.String(), "page", in.PageIndex)

	if err := e.extract(ctx, rc); err != nil {
		e.logger.Warn("orchestrator.run.failed", "run_id", rc.RunID, "job_id", in.JobID.String(), "page", in.PageIndex, "error", err)
		return RunResult{Trace: rc.Trace}, err
	}
	if sink != nil && len(rc.Evidence.Questions) > 0 {
		if err := sink(ctx, placeholders(rc)); err != nil {
			return RunResult{Trace: rc.Trace}, fmt.Errorf("write placeholders: %w", err)
		}
	}

	exit, refl, err := e.loop(ctx, rc)
	if err != nil {
		return RunResult{Trace: rc.Trace}, err
	}

	if err := rc.transition(PhaseAggregating); err != nil {
		return RunResult{Trace: rc.Trace}, err
	}
	cards := e.aggregate(rc)
	summary := e.summarize(ctx, rc, cards)
	if err := rc.transition(PhaseDone); err != nil {
		return RunResult{Trace: rc.Trace}, err
	}

	res := RunResult{
		Cards:      cards,
		Summary:    summary,
		Iterations: rc.Iteration,
		Confidence: refl.Confidence,
		Exit:       exit,
		Warnings:   pageWarnings(rc, exit),
		Trace:      rc.Trace,
	}
	e.logger.Info("orchestrator.run.done",
		"run_id", rc.RunID,
		"job_id", in.JobID.String(),
		"page", in.PageIndex,
		"exit", string(exit),
		"iterations", rc.Iteration,
		"confidence", refl.Confidence,
		"cards", len(cards),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) loop(ctx context.Context, rc *RunContext) (ExitReason, Reflection, error) {
	ev := rc.Evidence
	if ev.BudgetExhausted {
		return ExitBudgetExhausted, Reflection{}, nil
	}
	if len(ev.Questions) == 0 {
		return ExitNoQuestions, e.reflect(rc), nil
	}

	var refl Reflection
	for {
		if err := ctx.Err(); err != nil {
			return "", refl, err
		}
		if rc.Guard.IsTimeExhausted(ctx) || rc.Guard.IsCostExhausted(ctx) {
			ev.BudgetExhausted = true
			return ExitBudgetExhausted, refl, nil
		}
		rc.Iteration++
		if err := rc.transition(PhasePlanning); err != nil {
			return "", refl, err
		}
		plan := e.plan(rc)

		if err := rc.transition(PhaseExecuting); err != nil {
			return "", refl, err
		}
		outcomes, exhausted := e.execute(ctx, rc, plan)
		for i, out := range outcomes {
			if out.invocation != nil {
				e.apply(ev, plan[i], out.result)
			}
		}
		if exhausted {
			ev.BudgetExhausted = true
		}

		if err := rc.transition(PhaseReflecting); err != nil {
			return "", refl, err
		}
		refl = e.reflect(rc)
		e.logger.Debug("orchestrator.iteration",
			"run_id", rc.RunID, "iteration", rc.Iteration, "planned", len(plan),
			"pass", refl.Pass, "confidence", refl.Confidence, "pending", refl.Pending)

		switch {
		case refl.Pass && refl.Confidence >= e.cfg.MinConfidence:
			if refl.Exempt {
				return ExitEvidenceExemption, refl, nil
			}
			return ExitConverged, refl, nil
		case exhausted:
			return ExitBudgetExhausted, refl, nil
		case rc.Iteration >= e.cfg.MaxIterations:
			return ExitIterationCap, refl, nil
		case len(plan) == 0:
			return ExitNoProgress, refl, nil
		}
		if err := ctx.Err(); err != nil {
			return "", refl, err
		}
	}
}

// apply folds one executed call into the evidence.
func (e *Engine) apply(ev *Evidence, pc plannedCall, res tool.Result) {
	ev.record(pc.Call, res)
	switch pc.Purpose {
	case purposeDiagram:
		ev.applyDiagram(res)
	case purposeVerify:
		prev, had := ev.Verifications[pc.QuestionID]
		if had && prev.Result.Usable() && !res.Usable() {
			return
		}
		if had && prev.Result.OK() && res.Status == constants.ToolStatusDegraded && prev.WithFigure == pc.WithFigure {
			return
		}
		ev.Verifications[pc.QuestionID] = Verification{
			Capability: pc.Call.Capability,
			Key:        pc.Call.Key(),
			Result:     res,
			WithFigure: pc.WithFigure,
		}
	}
}

func pageWarnings(rc *RunContext, exit ExitReason) []string {
	var out []string
	ev := rc.Evidence
	if ev.TextSource != "" && ev.TextSource != constants.CapExtractText {
		out = append(out, "text extracted with fallback "+ev.TextSource)
	}
	if ev.TextStatus == constants.ToolStatusDegraded {
		out = append(out, "text extraction degraded")
	}
	if ev.DiagramUnavailable {
		out = append(out, "referenced figure unavailable")
	}
	switch exit {
	case ExitBudgetExhausted:
		out = append(out, string(constants.WarningBudgetExhausted))
	case ExitIterationCap:
		out = append(out, fmt.Sprintf("stopped after %d iterations without converging", rc.Iteration))
	case ExitNoProgress:
		out = append(out, "no further evidence could be gathered")
	}
	return out
}
