package entity

import (
	"errors"
	"testing"

	"github.com/joseph-ayodele/homework-grader/constants"
)

func TestCardIDs(t *testing.T) {
	t.Parallel()
	got := CardIDs(0, []string{"1", "Q2(a)", "1", "", "1"})
	want := []string{"p1-q1", "p1-q2a", "p1-q1-2", "p1-q4", "p1-q1-3"}
	if len(got) != len(want) {
		t.Fatalf("CardIDs: got %d ids", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CardIDs[%d]: got %q want %q", i, got[i], want[i])
		}
	}
	if again := CardIDs(0, []string{"1", "Q2(a)", "1", "", "1"}); again[2] != "p1-q1-2" {
		t.Fatalf("CardIDs not stable: %v", again)
	}
	if id := CardIDs(2, []string{"7"})[0]; id != "p3-q7" {
		t.Fatalf("CardIDs page offset: %q", id)
	}
}

func TestCardTransitions(t *testing.T) {
	t.Parallel()
	c := QuestionCard{ID: "p1-q1", State: constants.CardStatePlaceholder}
	if err := c.Transition(constants.CardStateReviewReady); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("placeholder -> review_ready: expected ErrInvalidTransition, got %v", err)
	}
	for _, next := range []constants.CardState{
		constants.CardStateVerdictReady,
		constants.CardStateReviewPending,
		constants.CardStateReviewFailed,
	} {
		if err := c.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if c.ID != "p1-q1" {
		t.Fatalf("id changed across transitions: %q", c.ID)
	}
	if err := c.Transition(constants.CardStateReviewReady); err == nil {
		t.Fatalf("review_failed must be terminal")
	}
}

func TestEnforceFailClosed(t *testing.T) {
	t.Parallel()
	c := QuestionCard{Verdict: constants.VerdictCorrect}
	c.EnforceFailClosed()
	if c.Verdict != constants.VerdictCorrect || c.NeedReview {
		t.Fatalf("clean correct card changed: %+v", c)
	}
	c.AddWarning(constants.WarningDegradedEvidence, "diagram blurry")
	c.AddWarning(constants.WarningDegradedEvidence, "diagram blurry")
	if len(c.Warnings) != 1 {
		t.Fatalf("AddWarning should dedupe, got %d", len(c.Warnings))
	}
	c.EnforceFailClosed()
	if c.Verdict != constants.VerdictUncertain || !c.NeedReview {
		t.Fatalf("degraded correct card not downgraded: %+v", c)
	}
}

func TestResolveEvidence(t *testing.T) {
	t.Parallel()
	var c QuestionCard
	c.AddEvidenceWarning(constants.WarningMissingEvidence, constants.EvidenceVerification, "answer was not verified")
	c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceVerification, "verified with fallback verify_answer_lite")
	c.AddEvidenceWarning(constants.WarningDegradedEvidence, constants.EvidenceFigure, "figure isolation degraded")
	c.AddEvidenceWarning(constants.WarningLowConfidence, constants.EvidenceVerification, "confidence 0.40 below 0.75")

	if n := c.ResolveEvidence(constants.EvidenceVerification); n != 2 {
		t.Fatalf("resolved %d warnings, want 2", n)
	}
	if len(c.Warnings) != 2 || c.Warnings[0].Evidence != constants.EvidenceFigure || c.Warnings[1].Kind != constants.WarningLowConfidence {
		t.Fatalf("remaining warnings: %+v", c.Warnings)
	}

	c.Verdict = constants.VerdictCorrect
	c.EnforceFailClosed()
	if c.Verdict != constants.VerdictUncertain || !c.NeedReview {
		t.Fatalf("figure warning must still hold the card: %+v", c)
	}
}
