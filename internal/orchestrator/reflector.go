package orchestrator

import (
	"github.com/joseph-ayodele/homework-grader/constants"
)

// Reflection is the reflector's judgement after an iteration.
type Reflection struct {
	Pass       bool
	Confidence float64
	Exempt     bool
	Pending    []string
}

// reflect scores the evidence. Confidence is the weakest question's confidence.
// The evidence-sufficiency exemption passes a page whose only gap is a figure that was
// reported unavailable, provided the text is long enough and every other question passes;
// confidence is then clamped to the threshold.
func (e *Engine) reflect(rc *RunContext) Reflection {
	ev := rc.Evidence
	minConf := e.cfg.MinConfidence
	textOK := ev.TextStatus == constants.ToolStatusOK

	if len(ev.Questions) == 0 {
		return Reflection{Pass: textOK, Confidence: ev.TextConfidence}
	}

	var (
		r             = Reflection{Pass: textOK, Confidence: 1}
		nonFigurePass = textOK
		nonFigureConf = 1.0
	)
	if ev.TextConfidence < r.Confidence {
		r.Confidence = ev.TextConfidence
		nonFigureConf = ev.TextConfidence
	}
	for _, q := range ev.Questions {
		pass, conf := e.scoreQuestion(ev, q)
		if !pass {
			r.Pass = false
			r.Pending = append(r.Pending, q.ID)
		}
		if conf < r.Confidence {
			r.Confidence = conf
		}
		if q.NeedsDiagram {
			continue
		}
		if !pass || conf < minConf {
			nonFigurePass = false
		}
		if conf < nonFigureConf {
			nonFigureConf = conf
		}
	}

	if !(r.Pass && r.Confidence >= minConf) && ev.DiagramUnavailable && nonFigurePass &&
		ev.TextRunes() >= e.cfg.TextFloorRunes && nonFigureConf >= minConf {
		r.Pass = true
		r.Exempt = true
		r.Confidence = minConf
	}
	return r
}

func (e *Engine) scoreQuestion(ev *Evidence, q Question) (bool, float64) {
	if !q.Answered() {
		// nothing to verify: the extraction itself is the evidence
		if ev.TextStatus == constants.ToolStatusOK {
			return true, ev.TextConfidence
		}
		return false, 0
	}
	v, ok := ev.Verifications[q.ID]
	if !ok || !v.Result.OK() {
		return false, 0
	}
	conf, ok := v.Result.Float("confidence")
	if !ok {
		conf = 0
	}
	if q.NeedsDiagram && !(ev.DiagramResolved() && v.WithFigure) {
		return false, conf
	}
	return true, conf
}
