package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
)

const defaultCallTimeout = 30 * time.Second

// Contract is the single gate between the engine and capability providers:
// registry lookup, argument validation, timeout, classification, sanitization and logging.
// It never retries.
type Contract struct {
	registry  *Registry
	provider  Provider
	sanitizer *Sanitizer
	logger    *slog.Logger
}

func NewContract(registry *Registry, provider Provider, sanitizer *Sanitizer, logger *slog.Logger) *Contract {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = NewSanitizer(0, logger)
	}
	return &Contract{registry: registry, provider: provider, sanitizer: sanitizer, logger: logger}
}

func (c *Contract) Registry() *Registry { return c.registry }

// Fallbacks lists the registered fallbacks of a capability.
func (c *Contract) Fallbacks(name string) []string { return c.registry.Fallbacks(name) }

// Validate checks the capability name and arguments without calling the provider.
func (c *Contract) Validate(call Call) *Error {
	capability, ok := c.registry.Lookup(call.Capability)
	if !ok {
		return &Error{Code: constants.ErrCodeUnknownCapability, Message: fmt.Sprintf("capability %q is not registered", call.Capability)}
	}
	if err := capability.ValidateArgs(call.Args); err != nil {
		return &Error{Code: constants.ErrCodeInvalidArgs, Message: err.Error()}
	}
	return nil
}

// Invoke runs one call and always returns a classified result.
func (c *Contract) Invoke(ctx context.Context, call Call) Result {
	start := time.Now()
	res := c.invoke(ctx, call)
	c.logger.Info("tool.invoke",
		"run_id", common.RunIDFromContext(ctx),
		"job_id", common.JobIDFromContext(ctx),
		"capability", call.Capability,
		"status", string(res.Status),
		"duration_ms", time.Since(start).Milliseconds(),
		"error_code", res.ErrorCode(),
		"cost_units", res.CostUnits,
	)
	return res
}

func (c *Contract) invoke(ctx context.Context, call Call) Result {
	if verr := c.Validate(call); verr != nil {
		return Result{Status: constants.ToolStatusError, Err: verr}
	}
	capability, _ := c.registry.Lookup(call.Capability)

	timeout := capability.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.provider.Invoke(cctx, call.Capability, call.Args, timeout)
	if err != nil {
		return classifyError(ctx, cctx, err, capability, res.CostUnits)
	}
	if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return timeoutResult(capability, res.CostUnits)
	}
	return c.finish(res, capability)
}

func classifyError(parent, cctx context.Context, err error, capability *Capability, cost int64) Result {
	var terr *Error
	switch {
	case errors.As(err, &terr):
		out := Result{Status: constants.ToolStatusError, Err: terr, CostUnits: cost}
		if len(terr.Suggested) == 0 && terr.Code != constants.ErrCodeInvalidArgs {
			cp := *terr
			cp.Suggested = capability.Fallbacks
			out.Err = &cp
		}
		return out
	case parent.Err() != nil:
		r := Failed(constants.ErrCodeCanceled, parent.Err().Error(), false)
		r.CostUnits = cost
		return r
	case errors.Is(err, context.DeadlineExceeded), cctx.Err() == context.DeadlineExceeded:
		return timeoutResult(capability, cost)
	case errors.Is(err, ErrUnavailable):
		r := Failed(constants.ErrCodeUnavailable, err.Error(), true, capability.Fallbacks...)
		r.CostUnits = cost
		return r
	default:
		r := Failed(constants.ErrCodeProvider, err.Error(), false, capability.Fallbacks...)
		r.CostUnits = cost
		return r
	}
}

func timeoutResult(capability *Capability, cost int64) Result {
	r := Failed(constants.ErrCodeTimeout,
		fmt.Sprintf("%s exceeded %s", capability.Name, capability.Timeout), false, capability.Fallbacks...)
	r.CostUnits = cost
	return r
}

// finish enforces the result invariants on a provider-supplied result.
func (c *Contract) finish(res Result, capability *Capability) Result {
	if res.CostUnits < 0 {
		res.CostUnits = 0
	}
	switch res.Status {
	case constants.ToolStatusError:
		res.Payload = nil
		if res.Err == nil {
			res.Err = &Error{Code: constants.ErrCodeProvider, Message: "provider reported an error without details"}
		}
		if len(res.Err.Suggested) == 0 {
			res.Err.Suggested = capability.Fallbacks
		}
		return res
	case constants.ToolStatusEmpty:
		res.Payload = nil
		return res
	case constants.ToolStatusOK, constants.ToolStatusDegraded:
	default:
		return Result{
			Status:    constants.ToolStatusError,
			Err:       &Error{Code: constants.ErrCodeMalformedResponse, Message: fmt.Sprintf("unknown status %q", res.Status), Suggested: capability.Fallbacks},
			CostUnits: res.CostUnits,
		}
	}

	if len(res.Payload) == 0 {
		return Result{Status: constants.ToolStatusEmpty, Warnings: res.Warnings, CostUnits: res.CostUnits}
	}
	if err := capability.ValidateOutput(res.Payload); err != nil {
		return Result{
			Status:    constants.ToolStatusError,
			Err:       &Error{Code: constants.ErrCodeMalformedResponse, Message: err.Error(), Suggested: capability.Fallbacks},
			CostUnits: res.CostUnits,
		}
	}

	clean, rep, err := c.sanitizer.Sanitize(res.Payload)
	if err != nil {
		return Result{
			Status:    constants.ToolStatusError,
			Err:       &Error{Code: constants.ErrCodeMalformedResponse, Message: err.Error(), Suggested: capability.Fallbacks},
			CostUnits: res.CostUnits,
		}
	}
	res.Payload = clean
	res.PII = res.PII || rep.PII
	for _, field := range rep.Truncated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %s truncated to %d characters", field, c.sanitizer.MaxTextRunes))
	}
	if len(rep.Truncated) > 0 {
		res.Status = constants.ToolStatusDegraded
	}
	if res.Status == constants.ToolStatusDegraded && len(res.Warnings) == 0 {
		res.Warnings = []string{capability.Name + " returned degraded output"}
	}
	for i, w := range res.Warnings {
		res.Warnings[i] = RedactSecrets(w)
	}
	return res
}
