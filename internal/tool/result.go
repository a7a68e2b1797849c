package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
)

// ErrUnavailable is returned (wrapped) by providers whose backend cannot be reached right now.
var ErrUnavailable = errors.New("capability unavailable")

// Result is the classified outcome of one capability call.
// Status error implies a nil Payload; status degraded implies at least one warning.
type Result struct {
	Status     constants.ToolStatus `json:"status"`
	Payload    map[string]any       `json:"payload,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	Err        *Error               `json:"error,omitempty"`
	NeedReview bool                 `json:"need_review,omitempty"`
	CostUnits  int64                `json:"cost_units"`
	PII        bool                 `json:"pii,omitempty"`
}

// Error is the structured failure attached to an error result.
type Error struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
	Suggested []string `json:"suggested,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (r Result) OK() bool { return r.Status == constants.ToolStatusOK }

// Usable reports whether the payload can be read at all.
func (r Result) Usable() bool {
	return r.Status == constants.ToolStatusOK || r.Status == constants.ToolStatusDegraded
}

// ErrorCode returns the error code or "".
func (r Result) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Code
}

func (r Result) String(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

func (r Result) Float(key string) (float64, bool) {
	if r.Payload == nil {
		return 0, false
	}
	switch v := r.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (r Result) Bool(key string) bool {
	if r.Payload == nil {
		return false
	}
	b, _ := r.Payload[key].(bool)
	return b
}

// Provider is the only way the engine reaches a capability backend.
type Provider interface {
	Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (Result, error)

func (f ProviderFunc) Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (Result, error) {
	return f(ctx, capability, args, timeout)
}

// OK builds a successful result.
func OK(payload map[string]any, cost int64) Result {
	return Result{Status: constants.ToolStatusOK, Payload: payload, CostUnits: cost}
}

// Degraded builds a usable but low quality result.
func Degraded(payload map[string]any, cost int64, warnings ...string) Result {
	return Result{Status: constants.ToolStatusDegraded, Payload: payload, Warnings: warnings, CostUnits: cost}
}

// Empty builds a result for a call that found nothing.
func Empty(cost int64, warnings ...string) Result {
	return Result{Status: constants.ToolStatusEmpty, Warnings: warnings, CostUnits: cost}
}

// Failed builds an error result.
func Failed(code, message string, retryable bool, suggested ...string) Result {
	return Result{
		Status: constants.ToolStatusError,
		Err:    &Error{Code: code, Message: message, Retryable: retryable, Suggested: suggested},
	}
}
