package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// jobView mirrors the JSON served by GET /v1/jobs/{jobID}.
type jobView struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	TotalPages  int        `json:"total_pages"`
	DonePages   int        `json:"done_pages"`
	FailedPages int        `json:"failed_pages"`
	Budget      budgetView `json:"budget"`
	Pages       []pageView `json:"pages"`
	Cards       []cardView `json:"cards"`
}

type budgetView struct {
	CostLimit     int64 `json:"cost_limit"`
	CostUsed      int64 `json:"cost_used"`
	CostExhausted bool  `json:"cost_exhausted"`
}

type pageView struct {
	Index      int      `json:"index"`
	Status     string   `json:"status"`
	ExitReason string   `json:"exit_reason"`
	Summary    string   `json:"summary"`
	Warnings   []string `json:"warnings"`
}

type cardView struct {
	ID             string        `json:"id"`
	PageIndex      int           `json:"page_index"`
	QuestionNumber string        `json:"question_number"`
	State          string        `json:"state"`
	Verdict        string        `json:"verdict"`
	StudentAnswer  string        `json:"student_answer"`
	Rationale      string        `json:"rationale"`
	Confidence     float64       `json:"confidence"`
	NeedReview     bool          `json:"need_review"`
	Warnings       []warningView `json:"warnings"`
}

type warningView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// settled means nothing about the job will change without a requeue.
func (v jobView) settled() bool {
	if v.Status != "done" && v.Status != "failed" {
		return false
	}
	for _, c := range v.Cards {
		if c.State == "review_pending" {
			return false
		}
	}
	return true
}

type jobSource interface {
	Fetch(ctx context.Context, id uuid.UUID) (jobView, error)
}

type httpSource struct {
	base   string
	client *http.Client
}

func (s *httpSource) Fetch(ctx context.Context, id uuid.UUID) (jobView, error) {
	var v jobView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/v1/jobs/"+id.String(), nil)
	if err != nil {
		return v, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return v, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return v, fmt.Errorf("GET job: %s: %s", resp.Status, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("decode job: %w", err)
	}
	return v, nil
}
