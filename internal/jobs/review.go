package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/queue"
	"github.com/joseph-ayodele/homework-grader/internal/store"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// Invoker is the tool contract as the review pool uses it.
type Invoker interface {
	Invoke(ctx context.Context, call tool.Call) tool.Result
}

// Estimator prices a call before dispatch.
type Estimator interface {
	Estimate(capability string, argsBytes int) int64
}

type ReviewConfig struct {
	// CostUnits caps a single review; reviews do not draw on the job budget.
	CostUnits     int64
	MinConfidence float64
	MaxAttempts   int
}

// ReviewHandler re-verifies need-review cards and writes the outcome back by card id.
type ReviewHandler struct {
	store  store.Store
	tools  Invoker
	costs  Estimator
	cfg    ReviewConfig
	logger *slog.Logger
}

func NewReviewHandler(s store.Store, tools Invoker, costs Estimator, cfg ReviewConfig, logger *slog.Logger) *ReviewHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CostUnits <= 0 {
		cfg.CostUnits = 60
	}
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = 0.75
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &ReviewHandler{store: s, tools: tools, costs: costs, cfg: cfg, logger: logger}
}

func (h *ReviewHandler) Handle(ctx context.Context, tok queue.Token) error {
	log := h.logger.With("job_id", tok.JobID.String(), "card_id", tok.CardID)
	ctx = common.WithJobID(ctx, tok.JobID.String())

	card, err := h.store.GetCard(ctx, tok.JobID, tok.CardID)
	if errors.Is(err, common.ErrNotFound) {
		log.Warn("worker.review.discard", "reason", "not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load card: %w", err)
	}
	if card.State != constants.CardStateReviewPending {
		log.Info("worker.review.discard", "reason", "state", "state", string(card.State))
		return nil
	}
	if tok.Attempt > h.cfg.MaxAttempts {
		return h.write(ctx, card, func(c *entity.QuestionCard) error {
			c.AddWarning(constants.WarningReview, fmt.Sprintf("review gave up after %d attempts", tok.Attempt-1))
			return c.Transition(constants.CardStateReviewFailed)
		})
	}
	if !card.AnswerPresent {
		return h.write(ctx, card, func(c *entity.QuestionCard) error {
			c.AddWarning(constants.WarningReview, "nothing to re-verify: no answer detected")
			return c.Transition(constants.CardStateReviewFailed)
		})
	}

	call := tool.Call{Capability: constants.CapVerifyAnswer, Args: map[string]any{
		"question":       card.QuestionNumber,
		"prompt":         card.Prompt,
		"student_answer": card.StudentAnswer,
	}}
	if est := h.costs.Estimate(call.Capability, call.ArgsSize()); est > h.cfg.CostUnits {
		call.Capability = constants.CapVerifyAnswerLite
		if est := h.costs.Estimate(call.Capability, call.ArgsSize()); est > h.cfg.CostUnits {
			return h.write(ctx, card, func(c *entity.QuestionCard) error {
				c.AddWarning(constants.WarningReview, fmt.Sprintf("review skipped: estimate %d exceeds %d units", est, h.cfg.CostUnits))
				return c.Transition(constants.CardStateReviewFailed)
			})
		}
	}

	start := time.Now()
	res := h.tools.Invoke(ctx, call)
	if res.Status == constants.ToolStatusError && res.Err != nil && res.Err.Retryable && ctx.Err() == nil {
		return fmt.Errorf("review %s: %w", card.ID, res.Err)
	}

	err = h.write(ctx, card, func(c *entity.QuestionCard) error {
		h.apply(c, call.Capability, res)
		if !res.OK() {
			return c.Transition(constants.CardStateReviewFailed)
		}
		return c.Transition(constants.CardStateReviewReady)
	})
	if err != nil {
		return err
	}
	log.Info("worker.review.done",
		"capability", call.Capability,
		"status", string(res.Status),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// apply folds the review outcome into the card. Only a clean, confident re-verification
// replaces the verdict, and a correct verdict still has to pass the fail-closed check;
// anything else leaves the card uncertain.
func (h *ReviewHandler) apply(c *entity.QuestionCard, capability string, res tool.Result) {
	if !res.OK() {
		msg := fmt.Sprintf("review %s returned %s", capability, res.Status)
		if res.Err != nil {
			msg += " (" + res.Err.Code + ")"
		}
		c.AddWarning(constants.WarningReview, msg)
		return
	}
	verdict, known := constants.ParseVerdict(res.String("verdict"))
	conf, _ := res.Float("confidence")
	explanation := res.String("explanation")

	if conf < c.Confidence {
		c.AddWarning(constants.WarningReview, fmt.Sprintf("review lowered confidence from %.2f to %.2f: %s",
			c.Confidence, conf, reviewReason(explanation, verdict)))
	}
	c.Confidence = conf
	if !known || verdict == constants.VerdictUncertain || conf < h.cfg.MinConfidence {
		c.Verdict = constants.VerdictUncertain
		c.NeedReview = true
		c.AddWarning(constants.WarningReview, fmt.Sprintf("review inconclusive (confidence %.2f)", conf))
		return
	}
	c.Verdict = verdict
	c.NeedReview = false
	c.Rationale = fmt.Sprintf("re-verified by %s (confidence %.2f)", capability, conf)
	if explanation != "" {
		c.Rationale = explanation + "; " + c.Rationale
	}

	// the review re-checks the answer text only; text and figure evidence stay as they were
	if capability == constants.CapVerifyAnswer {
		c.ResolveEvidence(constants.EvidenceVerification)
	} else {
		c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceVerification, "re-verified with fallback "+capability)
	}
	c.EnforceFailClosed()
	if c.Verdict != verdict {
		c.AddWarning(constants.WarningReview, fmt.Sprintf("review found the answer %s but the verdict stays uncertain: %s",
			verdict, strings.Join(unresolvedEvidence(*c), ", ")))
	}
}

// unresolvedEvidence lists the sources still carrying degraded or missing evidence warnings.
func unresolvedEvidence(c entity.QuestionCard) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range c.Warnings {
		if w.Kind != constants.WarningDegradedEvidence && w.Kind != constants.WarningMissingEvidence {
			continue
		}
		src := string(w.Evidence)
		if src == "" {
			src = "unattributed"
		}
		label := src + " " + strings.TrimSuffix(string(w.Kind), "-evidence")
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}

func reviewReason(explanation string, verdict constants.Verdict) string {
	if explanation != "" {
		return explanation
	}
	return "re-verification returned " + string(verdict)
}

func (h *ReviewHandler) write(ctx context.Context, card entity.QuestionCard, mutate func(*entity.QuestionCard) error) error {
	next := card
	next.Warnings = append([]entity.Warning(nil), card.Warnings...)
	if err := mutate(&next); err != nil {
		return fmt.Errorf("review %s: %w", card.ID, err)
	}
	next.Version = card.Version + 1
	// a conflict is returned too: the redelivery re-reads the card
	if err := h.store.CompareAndSwapCard(ctx, next); err != nil {
		return fmt.Errorf("write review %s: %w", card.ID, err)
	}
	return nil
}
