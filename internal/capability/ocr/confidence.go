package ocr

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reNumbered  = regexp.MustCompile(`(?m)^\s*(?:q(?:uestion)?\.?\s*)?\d{1,3}[a-z]?\s*[\).:]`)
	reAnswerTag = regexp.MustCompile(`(?im)^\s*(?:ans(?:wer)?|a)\s*[:=\-]`)
	reMath      = regexp.MustCompile(`[=+\-*/^×÷]|\d`)
	reNoise     = regexp.MustCompile(`[|_~]{3,}`)
	reSpaces    = regexp.MustCompile(`[ \t]+`)
	reBlank     = regexp.MustCompile(`\n{3,}`)
)

// Normalize strips scanner line noise and collapses whitespace.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reNoise.ReplaceAllString(s, "")
	s = reSpaces.ReplaceAllString(s, " ")
	s = reBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// heuristicConfidence scores how much the text looks like a worksheet.
func heuristicConfidence(txt string) float64 {
	score := 0.2
	if reNumbered.MatchString(txt) {
		score += 0.2
	}
	if reAnswerTag.MatchString(txt) {
		score += 0.15
	}
	if reMath.MatchString(txt) {
		score += 0.15
	}
	if len(txt) > 120 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// meanTSVConfidence returns tesseract's mean word confidence in 0..1, or 0 when absent.
func meanTSVConfidence(tsv string) float64 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		c := cols[10]
		if c == "" || c == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(c, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n / 100
}
