package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// ErrUnrecoverable marks a page that cannot be graded at all.
var ErrUnrecoverable = errors.New("unrecoverable page failure")

var (
	reQuestionLine = regexp.MustCompile(`(?i)^\s*(?:q(?:uestion)?\.?\s*)?(\d{1,3}[a-z]?)\s*[\).:]\s*(.*)$`)
	reAnswerLine   = regexp.MustCompile(`(?i)^\s*(?:ans(?:wer)?|a)\s*[:=\-]\s*(.*)$`)
	reFigureRef    = regexp.MustCompile(`(?i)\b(figure|fig\.|diagram|graph|chart|picture|shown below|shown above)\b`)
)

// extract runs text extraction with its fallback chain. It returns without error and
// without text when the budget ran out first.
func (e *Engine) extract(ctx context.Context, rc *RunContext) error {
	ev := rc.Evidence
	args := map[string]any{"image_ref": rc.ImageRef, "page": rc.PageIndex}
	chain := []string{constants.CapExtractText}
	tried := map[string]bool{}
	var lastErr string

	for i := 0; i < len(chain); i++ {
		capability := chain[i]
		if tried[capability] {
			continue
		}
		tried[capability] = true

		call := tool.Call{Capability: capability, Args: args}
		out := e.dispatch(ctx, rc, call)
		if out.canceled {
			return ctx.Err()
		}
		if out.exhausted {
			ev.BudgetExhausted = true
			return nil
		}
		res := out.result
		ev.record(call, res)

		text := strings.TrimSpace(res.String("text"))
		if res.Usable() && (text != "" || hasQuestions(res)) {
			ev.Text = text
			ev.TextStatus = res.Status
			ev.TextSource = capability
			ev.TextWarnings = res.Warnings
			if c, ok := res.Float("confidence"); ok {
				ev.TextConfidence = c
			} else {
				ev.TextConfidence = 1
			}
			ev.Questions = detectQuestions(rc.PageIndex, text, res.Payload["questions"])
			return nil
		}

		if res.Err != nil {
			lastErr = res.Err.Code + ": " + res.Err.Message
			chain = append(chain, res.Err.Suggested...)
		} else {
			lastErr = fmt.Sprintf("%s returned %s", capability, res.Status)
		}
		chain = append(chain, e.tools.Fallbacks(capability)...)
	}
	return fmt.Errorf("%w: text extraction failed: %s", ErrUnrecoverable, lastErr)
}

func hasQuestions(res tool.Result) bool {
	qs, ok := res.Payload["questions"].([]any)
	return ok && len(qs) > 0
}

// detectQuestions prefers the structured list from the provider and falls back to
// scanning the text for numbered lines.
func detectQuestions(pageIndex int, text string, structured any) []Question {
	var qs []Question
	if items, ok := structured.([]any); ok {
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			q := Question{}
			q.Number, _ = m["number"].(string)
			q.Prompt, _ = m["prompt"].(string)
			q.Answer, _ = m["answer"].(string)
			refs, _ := m["references_figure"].(bool)
			q.NeedsDiagram = refs || reFigureRef.MatchString(q.Prompt)
			qs = append(qs, q)
		}
	}
	if len(qs) == 0 {
		qs = scanQuestions(text)
	}

	numbers := make([]string, len(qs))
	for i, q := range qs {
		numbers[i] = q.Number
	}
	ids := entity.CardIDs(pageIndex, numbers)
	for i := range qs {
		qs[i].ID = ids[i]
		qs[i].Ordinal = i
		qs[i].Prompt = strings.TrimSpace(qs[i].Prompt)
		qs[i].Answer = strings.TrimSpace(qs[i].Answer)
		if qs[i].Number == "" {
			qs[i].Number = fmt.Sprintf("%d", i+1)
		}
	}
	return qs
}

func scanQuestions(text string) []Question {
	var (
		qs  []Question
		cur *Question
	)
	flush := func() {
		if cur != nil {
			cur.NeedsDiagram = reFigureRef.MatchString(cur.Prompt)
			qs = append(qs, *cur)
			cur = nil
		}
	}
	inAnswer := false
	for _, line := range strings.Split(text, "\n") {
		if m := reQuestionLine.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Question{Number: m[1], Prompt: m[2]}
			inAnswer = false
			continue
		}
		if cur == nil {
			continue
		}
		if m := reAnswerLine.FindStringSubmatch(line); m != nil {
			cur.Answer = strings.TrimSpace(cur.Answer + " " + m[1])
			inAnswer = true
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if inAnswer {
			cur.Answer += " " + trimmed
		} else {
			cur.Prompt += " " + trimmed
		}
	}
	flush()
	return qs
}

func placeholders(rc *RunContext) []entity.QuestionCard {
	cards := make([]entity.QuestionCard, 0, len(rc.Evidence.Questions))
	for _, q := range rc.Evidence.Questions {
		cards = append(cards, entity.QuestionCard{
			ID:             q.ID,
			JobID:          rc.JobID,
			PageIndex:      rc.PageIndex,
			Ordinal:        q.Ordinal,
			QuestionNumber: q.Number,
			State:          constants.CardStatePlaceholder,
			AnswerPresent:  q.Answered(),
			Prompt:         q.Prompt,
			StudentAnswer:  q.Answer,
		})
	}
	return cards
}
