package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

func scriptedProvider() tool.ProviderFunc {
	return func(_ context.Context, capability string, args map[string]any, _ time.Duration) (tool.Result, error) {
		switch capability {
		case constants.CapExtractText:
			return tool.OK(map[string]any{
				"text": "1) 2+2\nanswer: 4\n2) 3+3\nanswer: 7",
				"questions": []any{
					map[string]any{"number": "1", "prompt": "2+2", "answer": "4", "references_figure": false},
					map[string]any{"number": "2", "prompt": "3+3", "answer": "7", "references_figure": false},
				},
				"confidence": 0.95,
			}, 3), nil
		case constants.CapVerifyAnswer, constants.CapVerifyAnswerLite:
			if args["student_answer"] == "7" {
				return tool.OK(map[string]any{"verdict": "incorrect", "confidence": 0.4, "explanation": "3+3 is 6"}, 1), nil
			}
			return tool.OK(map[string]any{"verdict": "correct", "confidence": 0.95, "explanation": "2+2 is 4"}, 1), nil
		case constants.CapDraftNarrative:
			return tool.OK(map[string]any{"summary": "one right, one needs a second look"}, 1), nil
		}
		return tool.Result{}, errors.New("unexpected capability " + capability)
	}
}

func testConfig() *common.Config {
	cfg := common.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Workers.QueueBackend = "memory"
	cfg.Workers.PageWorkers = 2
	cfg.Workers.ReviewWorkers = 1
	cfg.Workers.ProcessTimeout = 5 * time.Second
	cfg.Orchestrator.CallTimeout = time.Second
	return cfg
}

func waitSettled(t *testing.T, load func() jobs.Snapshot) jobs.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := load()
		settled := snap.Job.Status.Terminal()
		for _, c := range snap.Cards {
			if c.State == constants.CardStateReviewPending || c.State == constants.CardStatePlaceholder {
				settled = false
			}
		}
		if settled {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job did not settle in time: %+v", load().Job)
	return jobs.Snapshot{}
}

func TestAppGradesJobEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, WithProvider(scriptedProvider()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(sctx)
	})

	id, err := a.Jobs.Submit(ctx, jobs.SubmitRequest{PageRefs: []string{"page1.png", "page2.png"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitSettled(t, func() jobs.Snapshot {
		s, err := a.Jobs.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		return s
	})

	if snap.Job.Status != constants.JobStatusDone || snap.Job.DonePages != 2 {
		t.Fatalf("job: %+v", snap.Job)
	}
	if len(snap.Cards) != 4 {
		t.Fatalf("cards: %d", len(snap.Cards))
	}
	for _, c := range snap.Cards {
		switch c.QuestionNumber {
		case "1":
			if c.Verdict != constants.VerdictCorrect || c.NeedReview {
				t.Fatalf("card %s: %+v", c.ID, c)
			}
		case "2":
			if c.State != constants.CardStateReviewReady || c.Verdict == constants.VerdictCorrect || !c.NeedReview {
				t.Fatalf("card %s: %+v", c.ID, c)
			}
		}
	}
	if snap.Budget.CostUsed > snap.Budget.CostLimit {
		t.Fatalf("budget overrun: %+v", snap.Budget)
	}

	xlsx, err := a.Export.JobXLSX(ctx, id)
	if err != nil || len(xlsx) == 0 {
		t.Fatalf("JobXLSX: %v", err)
	}
}

func TestNewRejectsSQLQueueWithoutDatabase(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers.QueueBackend = "sql"
	if _, err := New(context.Background(), cfg, nil); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("New: expected ErrInvalidInput, got %v", err)
	}
}
