package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// Question is one detected question on the page.
type Question struct {
	ID           string
	Ordinal      int
	Number       string
	Prompt       string
	Answer       string
	NeedsDiagram bool
}

func (q Question) Answered() bool { return strings.TrimSpace(q.Answer) != "" }

// Verification is the latest verification outcome for a question.
type Verification struct {
	Capability string
	Key        string
	Result     tool.Result
	WithFigure bool
}

// Evidence accumulates everything the capabilities returned for one page.
type Evidence struct {
	Text           string
	TextStatus     constants.ToolStatus
	TextSource     string
	TextWarnings   []string
	TextConfidence float64
	Questions      []Question

	DiagramStatus      constants.ToolStatus
	DiagramDescription string
	DiagramWarnings    []string
	DiagramAttempts    int
	DiagramEmptyStreak int
	DiagramUnavailable bool

	Verifications map[string]Verification
	// failed holds calls that ended in a non-retryable error, by call key.
	failed    map[string]*tool.Error
	succeeded map[string]bool

	BudgetExhausted bool
}

func newEvidence() *Evidence {
	return &Evidence{
		Verifications: make(map[string]Verification),
		failed:        make(map[string]*tool.Error),
		succeeded:     make(map[string]bool),
	}
}

func (ev *Evidence) TextRunes() int { return utf8.RuneCountInString(ev.Text) }

func (ev *Evidence) DiagramResolved() bool { return ev.DiagramStatus == constants.ToolStatusOK }

func (ev *Evidence) blocked(key string) bool {
	_, ok := ev.failed[key]
	return ok
}

// record folds a result into the bookkeeping shared by every capability.
func (ev *Evidence) record(call tool.Call, res tool.Result) {
	key := call.Key()
	if res.OK() {
		ev.succeeded[key] = true
	}
	if res.Status == constants.ToolStatusError && res.Err != nil && !res.Err.Retryable {
		ev.failed[key] = res.Err
	}
}

func (ev *Evidence) applyDiagram(res tool.Result) {
	ev.DiagramAttempts++
	switch res.Status {
	case constants.ToolStatusOK, constants.ToolStatusDegraded:
		if res.Bool("unavailable") {
			ev.DiagramUnavailable = true
			ev.DiagramEmptyStreak = 0
			return
		}
		ev.DiagramEmptyStreak = 0
		ev.DiagramStatus = res.Status
		ev.DiagramDescription = res.String("description")
		ev.DiagramWarnings = res.Warnings
	case constants.ToolStatusEmpty:
		ev.DiagramEmptyStreak++
		if ev.DiagramEmptyStreak >= 2 {
			ev.DiagramUnavailable = true
		}
		if ev.DiagramStatus == "" {
			ev.DiagramStatus = constants.ToolStatusEmpty
		}
	case constants.ToolStatusError:
		ev.DiagramEmptyStreak = 0
		if res.ErrorCode() == constants.ErrCodeDiagramUnavailable {
			ev.DiagramUnavailable = true
		}
		if ev.DiagramStatus == "" {
			ev.DiagramStatus = constants.ToolStatusError
		}
	}
}

func (ev *Evidence) question(id string) (Question, bool) {
	for _, q := range ev.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
