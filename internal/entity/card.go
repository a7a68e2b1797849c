package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
)

var ErrInvalidTransition = errors.New("invalid card transition")

// QuestionCard is the progressively disclosed result for one question.
type QuestionCard struct {
	ID             string              `json:"id"`
	JobID          uuid.UUID           `json:"job_id"`
	PageIndex      int                 `json:"page_index"`
	Ordinal        int                 `json:"ordinal"`
	QuestionNumber string              `json:"question_number"`
	State          constants.CardState `json:"state"`
	Verdict        constants.Verdict   `json:"verdict,omitempty"`
	AnswerPresent  bool                `json:"answer_present"`
	Prompt         string              `json:"prompt,omitempty"`
	StudentAnswer  string              `json:"student_answer,omitempty"`
	Rationale      string              `json:"rationale,omitempty"`
	Confidence     float64             `json:"confidence"`
	NeedReview     bool                `json:"need_review"`
	Warnings       []Warning           `json:"warnings,omitempty"`
	Version        int64               `json:"version"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type Warning struct {
	Kind     constants.WarningKind    `json:"kind"`
	Evidence constants.EvidenceSource `json:"evidence,omitempty"`
	Message  string                   `json:"message"`
}

var cardTransitions = map[constants.CardState][]constants.CardState{
	constants.CardStatePlaceholder:   {constants.CardStateVerdictReady},
	constants.CardStateVerdictReady:  {constants.CardStateReviewPending},
	constants.CardStateReviewPending: {constants.CardStateReviewReady, constants.CardStateReviewFailed},
}

func CanTransition(from, to constants.CardState) bool {
	for _, next := range cardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the card to the next state or returns ErrInvalidTransition.
func (c *QuestionCard) Transition(to constants.CardState) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s (card %s)", ErrInvalidTransition, c.State, to, c.ID)
	}
	c.State = to
	return nil
}

// AddWarning appends a warning unless an identical one is already present.
func (c *QuestionCard) AddWarning(kind constants.WarningKind, message string) {
	for _, w := range c.Warnings {
		if w.Kind == kind && w.Message == message {
			return
		}
	}
	c.Warnings = append(c.Warnings, Warning{Kind: kind, Message: message})
}

// AddEvidenceWarning is AddWarning for a warning about one source of evidence.
func (c *QuestionCard) AddEvidenceWarning(kind constants.WarningKind, source constants.EvidenceSource, message string) {
	for _, w := range c.Warnings {
		if w.Kind == kind && w.Evidence == source && w.Message == message {
			return
		}
	}
	c.Warnings = append(c.Warnings, Warning{Kind: kind, Evidence: source, Message: message})
}

// ResolveEvidence drops the degraded and missing evidence warnings about source and
// returns how many were dropped. Untagged warnings are never dropped.
func (c *QuestionCard) ResolveEvidence(source constants.EvidenceSource) int {
	kept := c.Warnings[:0:0]
	for _, w := range c.Warnings {
		if w.Evidence == source && isEvidenceWarning(w.Kind) {
			continue
		}
		kept = append(kept, w)
	}
	n := len(c.Warnings) - len(kept)
	if len(kept) == 0 {
		kept = nil
	}
	c.Warnings = kept
	return n
}

func isEvidenceWarning(kind constants.WarningKind) bool {
	return kind == constants.WarningDegradedEvidence || kind == constants.WarningMissingEvidence
}

func (c QuestionCard) HasWarning(kinds ...constants.WarningKind) bool {
	for _, w := range c.Warnings {
		for _, k := range kinds {
			if w.Kind == k {
				return true
			}
		}
	}
	return false
}

// EnforceFailClosed downgrades a correct verdict that rests on degraded or missing evidence.
func (c *QuestionCard) EnforceFailClosed() {
	if c.Verdict != constants.VerdictCorrect {
		return
	}
	if c.HasWarning(constants.WarningDegradedEvidence, constants.WarningMissingEvidence) {
		c.Verdict = constants.VerdictUncertain
		c.NeedReview = true
	}
}

// CardIDs assigns stable ids of the form p<page>-q<number> to the questions of one page,
// in order. Repeated numbers get a -2, -3 ... suffix; missing numbers fall back to the ordinal.
func CardIDs(pageIndex int, numbers []string) []string {
	ids := make([]string, len(numbers))
	seen := make(map[string]int, len(numbers))
	for i, n := range numbers {
		key := NormalizeQuestionNumber(n)
		if key == "" {
			key = fmt.Sprintf("%d", i+1)
		}
		base := fmt.Sprintf("p%d-q%s", pageIndex+1, key)
		seen[base]++
		if seen[base] == 1 {
			ids[i] = base
			continue
		}
		ids[i] = fmt.Sprintf("%s-%d", base, seen[base])
	}
	return ids
}

// NormalizeQuestionNumber keeps lowercase letters and digits: "Q 3(b)." -> "3b".
func NormalizeQuestionNumber(n string) string {
	n = strings.TrimSpace(strings.ToLower(n))
	n = strings.TrimPrefix(n, "question")
	n = strings.TrimPrefix(n, "q")
	var b strings.Builder
	for _, r := range n {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
