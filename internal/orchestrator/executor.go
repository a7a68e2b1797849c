package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

type dispatchOutcome struct {
	result     tool.Result
	invocation *entity.ToolInvocation
	exhausted  bool
	canceled   bool
}

// dispatch gates one call: arguments are validated before anything is spent, the guard is
// consulted and the estimate reserved, then the call runs. Reported cost above the
// estimate is charged afterwards.
func (e *Engine) dispatch(ctx context.Context, rc *RunContext, call tool.Call) dispatchOutcome {
	if verr := e.tools.Validate(call); verr != nil {
		res := tool.Result{Status: constants.ToolStatusError, Err: verr}
		inv := invocation(rc, call, res, 0)
		if rc.Phase == PhaseExtracting {
			rc.Trace = append(rc.Trace, *inv)
		}
		return dispatchOutcome{result: res, invocation: inv}
	}
	if ctx.Err() != nil {
		return dispatchOutcome{canceled: true}
	}
	if rc.Guard.IsTimeExhausted(ctx) || rc.Guard.IsCostExhausted(ctx) {
		return dispatchOutcome{exhausted: true}
	}
	estimate := e.costs.Estimate(call.Capability, call.ArgsSize())
	granted, err := rc.Guard.Reserve(ctx, estimate)
	if err != nil {
		if ctx.Err() != nil {
			return dispatchOutcome{canceled: true}
		}
		e.logger.Warn("orchestrator.reserve.failed", "run_id", rc.RunID, "capability", call.Capability, "error", err)
		return dispatchOutcome{exhausted: true}
	}
	if !granted {
		return dispatchOutcome{exhausted: true}
	}

	start := time.Now()
	res := e.tools.Invoke(ctx, call)
	elapsed := time.Since(start)

	if extra := res.CostUnits - estimate; extra > 0 {
		if err := rc.Guard.Charge(context.WithoutCancel(ctx), extra); err != nil {
			e.logger.Warn("orchestrator.charge.failed", "run_id", rc.RunID, "capability", call.Capability, "error", err)
		}
	}
	if res.CostUnits < estimate {
		res.CostUnits = estimate
	}

	inv := invocation(rc, call, res, elapsed)
	if rc.Phase == PhaseExtracting || rc.Phase == PhaseAggregating {
		rc.Trace = append(rc.Trace, *inv)
	}
	return dispatchOutcome{result: res, invocation: inv}
}

func invocation(rc *RunContext, call tool.Call, res tool.Result, elapsed time.Duration) *entity.ToolInvocation {
	return &entity.ToolInvocation{
		Capability: call.Capability,
		Args:       call.Args,
		Iteration:  rc.Iteration,
		Elapsed:    elapsed,
		Status:     res.Status,
		ErrorCode:  res.ErrorCode(),
		CostUnits:  res.CostUnits,
	}
}

// execute dispatches a plan with bounded concurrency. Once the budget refuses a call the
// rest of the plan is skipped; calls already in flight finish. Results come back in plan
// order; skipped entries have a nil invocation.
func (e *Engine) execute(ctx context.Context, rc *RunContext, plan []plannedCall) ([]dispatchOutcome, bool) {
	outcomes := make([]dispatchOutcome, len(plan))
	var (
		g       errgroup.Group
		aborted atomic.Bool
	)
	g.SetLimit(e.cfg.PlanConcurrency)
	for i, pc := range plan {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			out := e.dispatch(ctx, rc, pc.Call)
			if out.exhausted {
				aborted.Store(true)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.invocation != nil {
			rc.Trace = append(rc.Trace, *out.invocation)
		}
	}
	return outcomes, aborted.Load()
}
