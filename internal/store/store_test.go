package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "grader.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close(nil) })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}
	return NewSQLStore(db, nil)
}

func seedJob(t *testing.T, s Store, pages int) entity.Job {
	t.Helper()
	now := time.Now().UTC()
	job := entity.Job{
		ID:         uuid.New(),
		Status:     constants.JobStatusQueued,
		TotalPages: pages,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var units []entity.PageUnit
	for i := 0; i < pages; i++ {
		ref := filepath.Join("pages", "p"+string(rune('a'+i))+".png")
		job.PageRefs = append(job.PageRefs, ref)
		units = append(units, entity.PageUnit{JobID: job.ID, Index: i, ImageRef: ref, Status: constants.PageStatusQueued, Version: 1, UpdatedAt: now})
	}
	b := entity.RunBudget{JobID: job.ID, TimeLimit: time.Minute, CostLimit: 100, Version: 1}
	if err := s.CreateJob(context.Background(), job, units, b); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestStores(t *testing.T) {
	t.Parallel()
	for name, open := range map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return openSQLiteStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			t.Run("jobs", func(t *testing.T) { testJobs(t, open(t)) })
			t.Run("pages", func(t *testing.T) { testPages(t, open(t)) })
			t.Run("cards", func(t *testing.T) { testCards(t, open(t)) })
			t.Run("budget", func(t *testing.T) { testBudget(t, open(t)) })
		})
	}
}

func testJobs(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, 2)

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != constants.JobStatusQueued || len(got.PageRefs) != 2 || got.PageRefs[1] != job.PageRefs[1] {
		t.Fatalf("GetJob: unexpected %+v", got)
	}

	got.DonePages = 1
	got.Status = constants.JobStatusRunning
	got.Version++
	if err := s.CompareAndSwapJob(ctx, got); err != nil {
		t.Fatalf("CompareAndSwapJob: %v", err)
	}
	if err := s.CompareAndSwapJob(ctx, got); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("stale CompareAndSwapJob: expected ErrConflict, got %v", err)
	}
	again, _ := s.GetJob(ctx, job.ID)
	if again.DonePages != 1 || again.Version != 2 {
		t.Fatalf("job after swap: %+v", again)
	}

	if _, err := s.GetJob(ctx, uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("GetJob missing: expected ErrNotFound, got %v", err)
	}
}

func testPages(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, 3)

	pages, err := s.ListPages(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(pages) != 3 || pages[2].Index != 2 {
		t.Fatalf("ListPages: %+v", pages)
	}

	p := pages[1]
	p.Status = constants.PageStatusDone
	p.Warnings = []string{"budget-exhausted"}
	p.Trace = []entity.ToolInvocation{{Capability: constants.CapExtractText, Status: constants.ToolStatusOK, Iteration: 0, Elapsed: time.Second, CostUnits: 4}}
	p.Confidence = 0.8
	p.Version++
	if err := s.CompareAndSwapPage(ctx, p); err != nil {
		t.Fatalf("CompareAndSwapPage: %v", err)
	}
	if err := s.CompareAndSwapPage(ctx, p); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("stale CompareAndSwapPage: expected ErrConflict, got %v", err)
	}

	got, err := s.GetPage(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Status != constants.PageStatusDone || len(got.Trace) != 1 || got.Trace[0].Elapsed != time.Second || got.Confidence != 0.8 {
		t.Fatalf("GetPage: %+v", got)
	}
	if _, err := s.GetPage(ctx, job.ID, 9); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("GetPage missing: expected ErrNotFound, got %v", err)
	}
}

func testCards(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, 2)
	mk := func(page, ord int, id string) entity.QuestionCard {
		return entity.QuestionCard{ID: id, JobID: job.ID, PageIndex: page, Ordinal: ord, QuestionNumber: id, State: constants.CardStatePlaceholder}
	}
	cards := []entity.QuestionCard{mk(1, 0, "p2-q1"), mk(0, 1, "p1-q2"), mk(0, 0, "p1-q1")}

	n, err := s.CreateCards(ctx, cards)
	if err != nil || n != 3 {
		t.Fatalf("CreateCards: n=%d err=%v", n, err)
	}
	n, err = s.CreateCards(ctx, cards)
	if err != nil || n != 0 {
		t.Fatalf("CreateCards again: n=%d err=%v", n, err)
	}

	list, err := s.ListCards(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListCards: %v", err)
	}
	if len(list) != 3 || list[0].ID != "p1-q1" || list[1].ID != "p1-q2" || list[2].ID != "p2-q1" {
		t.Fatalf("ListCards order: %+v", list)
	}

	c := list[0]
	c.State = constants.CardStateVerdictReady
	c.Verdict = constants.VerdictUncertain
	c.NeedReview = true
	c.AddWarning(constants.WarningMissingEvidence, "no verification")
	if err := s.SaveCards(ctx, []entity.QuestionCard{c}); err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	got, err := s.GetCard(ctx, job.ID, "p1-q1")
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if got.Version != 2 || got.Verdict != constants.VerdictUncertain || !got.NeedReview || len(got.Warnings) != 1 {
		t.Fatalf("GetCard after save: %+v", got)
	}

	got.State = constants.CardStateReviewPending
	got.Version++
	if err := s.CompareAndSwapCard(ctx, got); err != nil {
		t.Fatalf("CompareAndSwapCard: %v", err)
	}
	if err := s.CompareAndSwapCard(ctx, got); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("stale CompareAndSwapCard: expected ErrConflict, got %v", err)
	}
	if _, err := s.GetCard(ctx, job.ID, "p9-q9"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("GetCard missing: expected ErrNotFound, got %v", err)
	}
}

func testBudget(t *testing.T, s Store) {
	ctx := context.Background()
	job := seedJob(t, s, 1)
	b, err := s.LoadBudget(ctx, job.ID)
	if err != nil {
		t.Fatalf("LoadBudget: %v", err)
	}
	if b.CostLimit != 100 || b.TimeLimit != time.Minute || !b.StartedAt.IsZero() {
		t.Fatalf("LoadBudget: %+v", b)
	}
	b.CostUsed = 40
	b.StartedAt = time.Now()
	b.Version++
	if err := s.CompareAndSwapBudget(ctx, b); err != nil {
		t.Fatalf("CompareAndSwapBudget: %v", err)
	}
	if err := s.CompareAndSwapBudget(ctx, b); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("stale CompareAndSwapBudget: expected ErrConflict, got %v", err)
	}
	got, _ := s.LoadBudget(ctx, job.ID)
	if got.CostUsed != 40 || got.StartedAt.IsZero() {
		t.Fatalf("budget after swap: %+v", got)
	}
}

func TestSQLStats(t *testing.T) {
	t.Parallel()
	s := openSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, s, 2)
	cards := []entity.QuestionCard{
		{ID: "p1-q1", JobID: job.ID, State: constants.CardStatePlaceholder},
		{ID: "p1-q2", JobID: job.ID, State: constants.CardStatePlaceholder, NeedReview: true},
	}
	if _, err := s.CreateCards(ctx, cards); err != nil {
		t.Fatalf("CreateCards: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.JobsByStatus["queued"] != 1 || st.PagesByStatus["queued"] != 2 {
		t.Fatalf("status counts: %+v", st)
	}
	if st.Cards != 2 || st.NeedReview != 1 {
		t.Fatalf("card counts: %+v", st)
	}
}
