package constants

// JobStatus is the canonical status for rows in grading_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"   // every page terminal, at least one graded
	JobStatusFailed  JobStatus = "failed" // every page failed
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// PageStatus is the status of a single page unit.
type PageStatus string

const (
	PageStatusQueued  PageStatus = "queued"
	PageStatusRunning PageStatus = "running"
	PageStatusDone    PageStatus = "done"
	PageStatusFailed  PageStatus = "failed"
)

func (s PageStatus) Terminal() bool {
	return s == PageStatusDone || s == PageStatusFailed
}

// CardState is the progressive-disclosure state of a question card.
type CardState string

const (
	CardStatePlaceholder   CardState = "placeholder"
	CardStateVerdictReady  CardState = "verdict_ready"
	CardStateReviewPending CardState = "review_pending"
	CardStateReviewReady   CardState = "review_ready"
	CardStateReviewFailed  CardState = "review_failed"
)

// Verdict is the graded outcome of one question. Empty until computed.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictUncertain Verdict = "uncertain"
)

func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictCorrect, VerdictIncorrect, VerdictUncertain:
		return Verdict(s), true
	}
	return "", false
}

// ToolStatus classifies the outcome of one capability call.
type ToolStatus string

const (
	ToolStatusOK       ToolStatus = "ok"
	ToolStatusDegraded ToolStatus = "degraded"
	ToolStatusEmpty    ToolStatus = "empty"
	ToolStatusError    ToolStatus = "error"
)

// WarningKind tags a warning attached to a question card.
type WarningKind string

const (
	WarningDegradedEvidence WarningKind = "degraded-evidence"
	WarningMissingEvidence  WarningKind = "missing-evidence"
	WarningLowConfidence    WarningKind = "low-confidence"
	WarningBudgetExhausted  WarningKind = "budget-exhausted"
	WarningReview           WarningKind = "review"
)

// EvidenceSource names the evidence a degraded or missing warning is about.
type EvidenceSource string

const (
	EvidenceText         EvidenceSource = "text"
	EvidenceFigure       EvidenceSource = "figure"
	EvidenceVerification EvidenceSource = "verification"
)
