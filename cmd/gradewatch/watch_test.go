package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

type staticSource struct {
	view jobView
	err  error
}

func (s staticSource) Fetch(context.Context, uuid.UUID) (jobView, error) { return s.view, s.err }

func sampleView(status string, cardState string) jobView {
	return jobView{
		Status:     status,
		TotalPages: 2,
		DonePages:  1,
		Budget:     budgetView{CostLimit: 100, CostUsed: 42},
		Cards: []cardView{
			{ID: "p1-q1", QuestionNumber: "1", State: "verdict_ready", Verdict: "correct", Confidence: 0.9},
			{ID: "p1-q2", QuestionNumber: "2", State: cardState, Verdict: "uncertain", NeedReview: true,
				Warnings: []warningView{{Kind: "low-confidence", Message: "confidence 0.40 below 0.75"}}},
		},
	}
}

func TestSnapshotKeepsPollingUntilSettled(t *testing.T) {
	m := newWatchModel(staticSource{}, uuid.New(), time.Millisecond)

	model, cmd := m.Update(snapshotMsg{view: sampleView("running", "review_pending")})
	m2 := model.(watchModel)
	if !m2.loaded || cmd == nil {
		t.Fatal("expected a scheduled poll while the job runs")
	}

	model, cmd = m2.Update(snapshotMsg{view: sampleView("done", "review_ready")})
	if cmd != nil {
		t.Fatal("expected polling to stop once the job settled")
	}
	if !strings.Contains(model.(watchModel).View(), "p1-q2") {
		t.Fatal("expected cards in the view")
	}
}

func TestReviewPendingIsNotSettled(t *testing.T) {
	if sampleView("done", "review_pending").settled() {
		t.Fatal("a pending review must keep the watcher polling")
	}
	if !sampleView("failed", "review_failed").settled() {
		t.Fatal("failed job with terminal cards should be settled")
	}
}

func TestCursorStaysInRange(t *testing.T) {
	m := newWatchModel(staticSource{}, uuid.New(), time.Second)
	model, _ := m.Update(snapshotMsg{view: sampleView("done", "review_ready")})
	m2 := model.(watchModel)

	for i := 0; i < 5; i++ {
		model, _ = m2.Update(tea.KeyMsg{Type: tea.KeyDown})
		m2 = model.(watchModel)
	}
	if m2.cursor != 1 {
		t.Fatalf("expected cursor 1, got %d", m2.cursor)
	}
	model, _ = m2.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	if got := model.(watchModel).cursor; got != 0 {
		t.Fatalf("expected cursor 0 after k, got %d", got)
	}
}

func TestRepeatedFetchErrorsBeforeLoadQuit(t *testing.T) {
	m := newWatchModel(staticSource{}, uuid.New(), time.Millisecond)
	var model tea.Model = m
	for i := 0; i < 3; i++ {
		model, _ = model.Update(snapshotMsg{err: errors.New("connection refused")})
	}
	if model.(watchModel).fatalErr == nil {
		t.Fatal("expected fatal error after three failed fetches")
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/"+id.String() {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"job_id":"` + id.String() + `","status":"running","total_pages":3,"done_pages":1,
			"budget":{"cost_limit":100,"cost_used":10},"cards":[{"id":"p1-q1","state":"placeholder"}]}`))
	}))
	defer srv.Close()

	src := &httpSource{base: srv.URL, client: srv.Client()}
	v, err := src.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if v.TotalPages != 3 || len(v.Cards) != 1 || v.Cards[0].State != "placeholder" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if _, err := src.Fetch(context.Background(), uuid.New()); err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
