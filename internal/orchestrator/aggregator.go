package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// aggregate turns the evidence into one card per question. A card is only correct when
// no degraded, empty, failed or missing outcome bears on it.
func (e *Engine) aggregate(rc *RunContext) []entity.QuestionCard {
	ev := rc.Evidence
	cards := placeholders(rc)
	for i := range cards {
		q := ev.Questions[i]
		c := &cards[i]
		e.judge(ev, q, c)
		if err := c.Transition(constants.CardStateVerdictReady); err != nil {
			e.logger.Error("orchestrator.card.transition", "run_id", rc.RunID, "card_id", c.ID, "error", err)
		}
		c.EnforceFailClosed()
		if c.Verdict == constants.VerdictUncertain {
			c.NeedReview = true
		}
	}
	return cards
}

func (e *Engine) judge(ev *Evidence, q Question, c *entity.QuestionCard) {
	var used []string
	textNote := fmt.Sprintf("text from %s (%s)", ev.TextSource, ev.TextStatus)
	used = append(used, textNote)
	if ev.TextStatus == constants.ToolStatusDegraded {
		c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceText, "text extraction degraded: "+strings.Join(ev.TextWarnings, "; "))
	}

	if !q.Answered() {
		if ev.TextStatus == constants.ToolStatusOK {
			c.Verdict = constants.VerdictIncorrect
			c.Confidence = ev.TextConfidence
			c.Rationale = "no answer detected; evidence: " + textNote
		} else {
			c.Verdict = constants.VerdictUncertain
			c.Rationale = "no answer detected in a degraded extraction; evidence: " + textNote
		}
		e.flagLowConfidence(c)
		return
	}

	if q.NeedsDiagram {
		switch {
		case ev.DiagramResolved():
			used = append(used, "figure from "+constants.CapIsolateDiagram)
		case ev.DiagramStatus == constants.ToolStatusDegraded:
			used = append(used, "figure from "+constants.CapIsolateDiagram+" (degraded)")
			c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceFigure, "figure isolation degraded: "+strings.Join(ev.DiagramWarnings, "; "))
		case ev.DiagramUnavailable:
			c.AddEvidenceWarning(constants.WarningMissingEvidence, constants.EvidenceFigure, "the referenced figure could not be isolated")
		default:
			c.AddEvidenceWarning(constants.WarningMissingEvidence, constants.EvidenceFigure, "the referenced figure was never isolated")
		}
	}

	v, ok := ev.Verifications[q.ID]
	switch {
	case !ok:
		c.Verdict = constants.VerdictUncertain
		msg := "answer was not verified"
		if ev.BudgetExhausted {
			msg += " before the budget ran out"
			c.AddWarning(constants.WarningBudgetExhausted, "budget exhausted before verification")
		}
		c.AddEvidenceWarning(constants.WarningMissingEvidence, constants.EvidenceVerification, msg)
		c.Rationale = msg + "; evidence: " + strings.Join(used, ", ")
	case v.Result.Status == constants.ToolStatusError || v.Result.Status == constants.ToolStatusEmpty:
		c.Verdict = constants.VerdictUncertain
		c.AddEvidenceWarning(constants.WarningMissingEvidence, constants.EvidenceVerification, fmt.Sprintf("%s returned %s%s", v.Capability, v.Result.Status, errSuffix(v.Result)))
		c.Rationale = "verification unavailable; evidence: " + strings.Join(used, ", ")
	default:
		verdict, known := constants.ParseVerdict(v.Result.String("verdict"))
		if !known {
			verdict = constants.VerdictUncertain
		}
		c.Verdict = verdict
		c.Confidence, _ = v.Result.Float("confidence")
		if v.Result.Status == constants.ToolStatusDegraded {
			c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceVerification, v.Capability+" degraded: "+strings.Join(v.Result.Warnings, "; "))
		}
		if v.Capability != constants.CapVerifyAnswer {
			c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceVerification, "verified with fallback "+v.Capability)
		}
		used = append(used, fmt.Sprintf("verdict from %s (confidence %.2f)", v.Capability, c.Confidence))
		c.Rationale = strings.TrimSpace(v.Result.String("explanation"))
		if c.Rationale != "" {
			c.Rationale += "; "
		}
		c.Rationale += "evidence: " + strings.Join(used, ", ")
	}
	e.flagLowConfidence(c)
}

func (e *Engine) flagLowConfidence(c *entity.QuestionCard) {
	if c.Verdict == constants.VerdictUncertain {
		c.AddWarning(constants.WarningLowConfidence, "verdict could not be established")
		return
	}
	if c.Confidence < e.cfg.MinConfidence {
		c.AddWarning(constants.WarningLowConfidence, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, e.cfg.MinConfidence))
		c.Verdict = constants.VerdictUncertain
	}
}

func errSuffix(res tool.Result) string {
	if res.Err == nil {
		return ""
	}
	return " (" + res.Err.Code + ")"
}

// summarize asks draft_narrative for a page summary when the budget allows,
// otherwise it writes a local tally.
func (e *Engine) summarize(ctx context.Context, rc *RunContext, cards []entity.QuestionCard) string {
	local := localSummary(rc.PageIndex, cards)
	if len(cards) == 0 || rc.Evidence.BudgetExhausted || ctx.Err() != nil {
		return local
	}
	items := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		items = append(items, map[string]any{"id": c.ID, "verdict": string(c.Verdict)})
	}
	call := tool.Call{Capability: constants.CapDraftNarrative, Args: map[string]any{"page": rc.PageIndex, "cards": items}}
	out := e.dispatch(ctx, rc, call)
	if out.exhausted {
		rc.Evidence.BudgetExhausted = true
		return local
	}
	if out.canceled || !out.result.Usable() {
		return local
	}
	if s := strings.TrimSpace(out.result.String("summary")); s != "" {
		return s
	}
	return local
}

func localSummary(pageIndex int, cards []entity.QuestionCard) string {
	if len(cards) == 0 {
		return fmt.Sprintf("Page %d: no questions detected.", pageIndex+1)
	}
	counts := map[constants.Verdict]int{}
	review := 0
	for _, c := range cards {
		counts[c.Verdict]++
		if c.NeedReview {
			review++
		}
	}
	return fmt.Sprintf("Page %d: %d correct, %d incorrect, %d uncertain (%d need review).",
		pageIndex+1, counts[constants.VerdictCorrect], counts[constants.VerdictIncorrect], counts[constants.VerdictUncertain], review)
}
