package orchestrator

import (
	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

type purpose int

const (
	purposeDiagram purpose = iota
	purposeVerify
)

type plannedCall struct {
	Call       tool.Call
	Purpose    purpose
	QuestionID string
	WithFigure bool
}

// plan decides which calls the next iteration needs. It never re-issues a call whose
// identical arguments already failed with a non-retryable error: the first unblocked
// fallback is used instead, or the call is dropped.
func (e *Engine) plan(rc *RunContext) []plannedCall {
	ev := rc.Evidence
	var (
		out  []plannedCall
		seen = map[string]bool{}
	)
	add := func(pc plannedCall) bool {
		call, ok := e.resolve(ev, pc.Call)
		if !ok || seen[call.Key()] || ev.succeeded[call.Key()] {
			return false
		}
		seen[call.Key()] = true
		pc.Call = call
		out = append(out, pc)
		return true
	}

	var dependents []string
	for _, q := range ev.Questions {
		if q.NeedsDiagram && q.Answered() {
			dependents = append(dependents, q.Number)
		}
	}
	diagramPlanned := false
	if len(dependents) > 0 && !ev.DiagramResolved() && !ev.DiagramUnavailable {
		diagramPlanned = add(plannedCall{
			Call: tool.Call{Capability: constants.CapIsolateDiagram, Args: map[string]any{
				"image_ref": rc.ImageRef,
				"questions": dependents,
			}},
			Purpose: purposeDiagram,
		})
	}

	for _, q := range ev.Questions {
		if !q.Answered() {
			continue
		}
		// wait for the first figure attempt before verifying figure-dependent answers
		if q.NeedsDiagram && diagramPlanned && ev.DiagramAttempts == 0 {
			continue
		}
		args := map[string]any{
			"question":       q.Number,
			"prompt":         q.Prompt,
			"student_answer": q.Answer,
		}
		withFigure := false
		if q.NeedsDiagram && ev.DiagramDescription != "" {
			args["diagram"] = ev.DiagramDescription
			withFigure = true
		}
		add(plannedCall{
			Call:       tool.Call{Capability: constants.CapVerifyAnswer, Args: args},
			Purpose:    purposeVerify,
			QuestionID: q.ID,
			WithFigure: withFigure,
		})
	}
	return out
}

// resolve substitutes a blocked call with the first fallback that is not blocked,
// searching suggested and registered fallbacks breadth first.
func (e *Engine) resolve(ev *Evidence, call tool.Call) (tool.Call, bool) {
	if !ev.blocked(call.Key()) {
		return call, true
	}
	visited := map[string]bool{call.Capability: true}
	queue := []string{call.Capability}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		var next []string
		if ferr, ok := ev.failed[tool.Call{Capability: name, Args: call.Args}.Key()]; ok {
			next = append(next, ferr.Suggested...)
		}
		next = append(next, e.tools.Fallbacks(name)...)
		for _, fb := range next {
			if visited[fb] {
				continue
			}
			visited[fb] = true
			alt := tool.Call{Capability: fb, Args: call.Args}
			if !ev.blocked(alt.Key()) {
				return alt, true
			}
			queue = append(queue, fb)
		}
	}
	return tool.Call{}, false
}
