package openai

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/homework-grader/constants"
)

const jsonOnly = "Return ONLY a JSON object. Never output null; omit fields that do not apply."

func systemPrompt(capability string) string {
	switch capability {
	case constants.CapExtractText:
		return strings.Join([]string{
			"You transcribe photographed homework pages.",
			"Copy the page text faithfully in reading order into 'text'.",
			"List every question in 'questions' with its printed number, the question prompt and the student's written answer ('answer' empty when none was written).",
			"Set 'references_figure' when the question depends on a figure, graph or diagram.",
			"Set 'confidence' between 0 and 1 for how legible the page was.",
			jsonOnly,
		}, " ")
	case constants.CapIsolateDiagram:
		return strings.Join([]string{
			"You describe the figure that the listed questions refer to.",
			"Put a precise description of labels, values, axes and shapes into 'description'.",
			"If the page has no such figure or it is unreadable, set 'unavailable' to true and 'description' to an empty string.",
			"Set 'confidence' between 0 and 1.",
			jsonOnly,
		}, " ")
	case constants.CapVerifyAnswer, constants.CapVerifyAnswerLite:
		return strings.Join([]string{
			"You check a student's answer to one homework question.",
			"Work the problem yourself, then compare.",
			"'verdict' must be one of correct, incorrect, uncertain.",
			"'confidence' is between 0 and 1. 'explanation' is one or two sentences a teacher could show the student.",
			"Use uncertain when the question or answer is illegible or ambiguous.",
			jsonOnly,
		}, " ")
	case constants.CapDraftNarrative:
		return "You write a two sentence summary of a graded homework page for a teacher, in 'summary'. " + jsonOnly
	}
	return jsonOnly
}

func verifyPrompt(args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question %v", args["question"])
	if p, _ := args["prompt"].(string); p != "" {
		b.WriteString(": ")
		b.WriteString(p)
	}
	if d, _ := args["diagram"].(string); d != "" {
		b.WriteString("\nFigure: ")
		b.WriteString(d)
	}
	fmt.Fprintf(&b, "\nStudent answer: %v", args["student_answer"])
	return b.String()
}

func narrativePrompt(args map[string]any) string {
	var b strings.Builder
	page, _ := args["page"].(int)
	if f, ok := args["page"].(float64); ok {
		page = int(f)
	}
	fmt.Fprintf(&b, "Page %d verdicts:\n", page+1)
	cards, _ := args["cards"].([]map[string]any)
	for _, c := range cards {
		fmt.Fprintf(&b, "- %v: %v\n", c["id"], c["verdict"])
	}
	if items, ok := args["cards"].([]any); ok {
		for _, it := range items {
			if c, ok := it.(map[string]any); ok {
				fmt.Fprintf(&b, "- %v: %v\n", c["id"], c["verdict"])
			}
		}
	}
	return b.String()
}

func diagramPrompt(args map[string]any) string {
	var nums []string
	switch qs := args["questions"].(type) {
	case []string:
		nums = qs
	case []any:
		for _, q := range qs {
			nums = append(nums, fmt.Sprint(q))
		}
	}
	if len(nums) == 0 {
		return "Describe the figure on this page."
	}
	return "Describe the figure used by question(s) " + strings.Join(nums, ", ") + "."
}
