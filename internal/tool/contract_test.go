package tool

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
)

func newTestContract(t *testing.T, timeout time.Duration, p Provider) *Contract {
	t.Helper()
	reg, err := NewRegistry(DefaultDefinitions(timeout)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewContract(reg, p, NewSanitizer(64, nil), nil)
}

func verifyCall() Call {
	return Call{Capability: constants.CapVerifyAnswer, Args: map[string]any{
		"question":       "1",
		"prompt":         "2+2",
		"student_answer": "4",
	}}
}

func TestContractRejectsBeforeProvider(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestContract(t, time.Second, ProviderFunc(func(context.Context, string, map[string]any, time.Duration) (Result, error) {
		calls.Add(1)
		return OK(map[string]any{"verdict": "correct", "confidence": 1.0}, 1), nil
	}))

	res := c.Invoke(context.Background(), Call{Capability: "summon_demon", Args: map[string]any{}})
	if res.ErrorCode() != constants.ErrCodeUnknownCapability {
		t.Fatalf("unknown capability: got %+v", res)
	}
	res = c.Invoke(context.Background(), Call{Capability: constants.CapVerifyAnswer, Args: map[string]any{"question": "1"}})
	if res.ErrorCode() != constants.ErrCodeInvalidArgs || res.Payload != nil {
		t.Fatalf("missing args: got %+v", res)
	}
	res = c.Invoke(context.Background(), Call{Capability: constants.CapExtractText, Args: map[string]any{"image_ref": "a.png", "extra": 1}})
	if res.ErrorCode() != constants.ErrCodeInvalidArgs {
		t.Fatalf("extra args: got %+v", res)
	}
	if calls.Load() != 0 {
		t.Fatalf("provider called %d times for rejected calls", calls.Load())
	}
}

func TestContractTimeoutIsNotRetryable(t *testing.T) {
	t.Parallel()
	c := newTestContract(t, 20*time.Millisecond, ProviderFunc(func(ctx context.Context, _ string, _ map[string]any, _ time.Duration) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	res := c.Invoke(context.Background(), verifyCall())
	if res.Status != constants.ToolStatusError || res.Err == nil {
		t.Fatalf("expected error result, got %+v", res)
	}
	if res.Err.Code != constants.ErrCodeTimeout || res.Err.Retryable {
		t.Fatalf("expected non-retryable TIMEOUT, got %+v", res.Err)
	}
	if len(res.Err.Suggested) != 1 || res.Err.Suggested[0] != constants.CapVerifyAnswerLite {
		t.Fatalf("expected lite fallback suggestion, got %v", res.Err.Suggested)
	}
}

func TestContractClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		res       Result
		err       error
		status    constants.ToolStatus
		code      string
		retryable bool
	}{
		{name: "unavailable", err: fmt.Errorf("dial: %w", ErrUnavailable), status: constants.ToolStatusError, code: constants.ErrCodeUnavailable, retryable: true},
		{name: "provider error", err: fmt.Errorf("boom"), status: constants.ToolStatusError, code: constants.ErrCodeProvider},
		{name: "typed error", err: &Error{Code: constants.ErrCodeDiagramUnavailable, Message: "no figure"}, status: constants.ToolStatusError, code: constants.ErrCodeDiagramUnavailable},
		{name: "malformed", res: OK(map[string]any{"verdict": "maybe", "confidence": 0.5}, 3), status: constants.ToolStatusError, code: constants.ErrCodeMalformedResponse},
		{name: "out of range confidence", res: OK(map[string]any{"verdict": "correct", "confidence": 1.5}, 3), status: constants.ToolStatusError, code: constants.ErrCodeMalformedResponse},
		{name: "empty payload", res: OK(map[string]any{}, 3), status: constants.ToolStatusEmpty},
		{name: "error drops payload", res: Result{Status: constants.ToolStatusError, Payload: map[string]any{"x": 1}}, status: constants.ToolStatusError, code: constants.ErrCodeProvider},
		{name: "degraded gets warning", res: Result{Status: constants.ToolStatusDegraded, Payload: map[string]any{"verdict": "correct", "confidence": 0.6}}, status: constants.ToolStatusDegraded},
		{name: "ok", res: OK(map[string]any{"verdict": "correct", "confidence": 0.9}, 3), status: constants.ToolStatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestContract(t, time.Second, ProviderFunc(func(context.Context, string, map[string]any, time.Duration) (Result, error) {
				return tc.res, tc.err
			}))
			res := c.Invoke(context.Background(), verifyCall())
			if res.Status != tc.status {
				t.Fatalf("status: got %s want %s (%+v)", res.Status, tc.status, res.Err)
			}
			if res.ErrorCode() != tc.code {
				t.Fatalf("code: got %q want %q", res.ErrorCode(), tc.code)
			}
			if res.Err != nil && res.Err.Retryable != tc.retryable {
				t.Fatalf("retryable: got %v want %v", res.Err.Retryable, tc.retryable)
			}
			if res.Status == constants.ToolStatusError && res.Payload != nil {
				t.Fatalf("error result carries payload: %v", res.Payload)
			}
			if res.Status == constants.ToolStatusDegraded && len(res.Warnings) == 0 {
				t.Fatalf("degraded result without warnings")
			}
		})
	}
}

func TestContractSanitizesPayload(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 100)
	c := newTestContract(t, time.Second, ProviderFunc(func(context.Context, string, map[string]any, time.Duration) (Result, error) {
		return OK(map[string]any{
			"verdict":     "correct",
			"confidence":  0.9,
			"explanation": "see https://cdn.example.com/p.png?sig=abc123&w=10 Authorization: Bearer abc.def.ghi contact me@example.com " + long,
		}, 2), nil
	}))
	res := c.Invoke(context.Background(), verifyCall())
	if res.Status != constants.ToolStatusDegraded {
		t.Fatalf("truncation should degrade the result, got %s", res.Status)
	}
	expl := res.String("explanation")
	if strings.Contains(expl, "abc123") || strings.Contains(expl, "abc.def.ghi") {
		t.Fatalf("secrets leaked: %q", expl)
	}
	if len([]rune(expl)) != 64 {
		t.Fatalf("expected truncation to 64 runes, got %d", len([]rune(expl)))
	}
	if !res.PII {
		t.Fatalf("email should set the PII flag")
	}
	if res.CostUnits != 2 {
		t.Fatalf("cost lost: %d", res.CostUnits)
	}
}

func TestCallKeyIsCanonical(t *testing.T) {
	t.Parallel()
	a := Call{Capability: "verify_answer", Args: map[string]any{"b": 1, "a": "x"}}
	b := Call{Capability: "verify_answer", Args: map[string]any{"a": "x", "b": 1}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %s vs %s", a.Key(), b.Key())
	}
	b.Args["a"] = "y"
	if a.Key() == b.Key() {
		t.Fatalf("different args share key %s", a.Key())
	}
}
