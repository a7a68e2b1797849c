package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
	"github.com/joseph-ayodele/homework-grader/internal/orchestrator"
	"github.com/joseph-ayodele/homework-grader/internal/queue"
	"github.com/joseph-ayodele/homework-grader/internal/store"
)

type runFunc func(ctx context.Context, in orchestrator.PageInput, guard orchestrator.BudgetGuard, sink orchestrator.PlaceholderSink) (orchestrator.RunResult, error)

type stubRunner struct {
	mu    sync.Mutex
	calls int
	run   runFunc
}

func (r *stubRunner) Run(ctx context.Context, in orchestrator.PageInput, guard orchestrator.BudgetGuard, sink orchestrator.PlaceholderSink) (orchestrator.RunResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.run(ctx, in, guard, sink)
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// gradeOne spends 10 units and produces one card per page; refs containing "blank" fail.
func gradeOne(verdict constants.Verdict, needReview bool) runFunc {
	return func(ctx context.Context, in orchestrator.PageInput, guard orchestrator.BudgetGuard, sink orchestrator.PlaceholderSink) (orchestrator.RunResult, error) {
		if ok, err := guard.Reserve(ctx, 10); err != nil || !ok {
			return orchestrator.RunResult{}, fmt.Errorf("reserve: ok=%v err=%v", ok, err)
		}
		if in.ImageRef == "blank.png" {
			return orchestrator.RunResult{}, fmt.Errorf("%w: nothing readable", orchestrator.ErrUnrecoverable)
		}
		card := entity.QuestionCard{
			ID:             fmt.Sprintf("p%d-q1", in.PageIndex+1),
			JobID:          in.JobID,
			PageIndex:      in.PageIndex,
			QuestionNumber: "1",
			State:          constants.CardStatePlaceholder,
			AnswerPresent:  true,
			Prompt:         "2+2",
			StudentAnswer:  "4",
		}
		if err := sink(ctx, []entity.QuestionCard{card}); err != nil {
			return orchestrator.RunResult{}, err
		}
		if err := card.Transition(constants.CardStateVerdictReady); err != nil {
			return orchestrator.RunResult{}, err
		}
		card.Verdict = verdict
		card.Confidence = 0.9
		card.NeedReview = needReview
		return orchestrator.RunResult{
			Cards:      []entity.QuestionCard{card},
			Summary:    "ok",
			Iterations: 1,
			Confidence: 0.9,
			Exit:       orchestrator.ExitConverged,
		}, nil
	}
}

type fixture struct {
	store   *store.MemoryStore
	pages   *queue.MemoryQueue
	reviews *queue.MemoryQueue
	svc     *Service
	runner  *stubRunner
	handler *PageHandler
}

func newFixture(t *testing.T, run runFunc) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	pages := queue.NewMemoryQueue("pages", nil, queue.WithQueueSize(64))
	reviews := queue.NewMemoryQueue("reviews", nil, queue.WithQueueSize(64))
	t.Cleanup(func() {
		_ = pages.Close()
		_ = reviews.Close()
	})
	r := &stubRunner{run: run}
	return fixture{
		store:   s,
		pages:   pages,
		reviews: reviews,
		svc:     NewService(s, pages, time.Minute, 100, nil),
		runner:  r,
		handler: NewPageHandler(s, r, reviews, PageConfig{LeaseTTL: time.Minute, MaxAttempts: 2}, nil),
	}
}

func (f fixture) submit(t *testing.T, refs ...string) uuid.UUID {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), SubmitRequest{PageRefs: refs})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

// drain handles every queued page token.
func (f fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for f.pages.Len() > 0 {
		d, err := f.pages.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if err := f.handler.Handle(ctx, d.Token); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
}

func TestSubmitValidatesPageRefs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
	cases := []SubmitRequest{
		{},
		{PageRefs: []string{"notes.txt"}},
		{PageRefs: []string{"a.png", ""}},
		{PageRefs: make([]string, constants.MaxPagesPerJob+1)},
		{PageRefs: []string{"a.png"}, CostUnits: -1},
	}
	for i, req := range cases {
		if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, common.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if f.pages.Len() != 0 {
		t.Fatalf("rejected submissions enqueued %d tokens", f.pages.Len())
	}
}

func TestSubmitEnqueuesOneTokenPerPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
	id, err := f.svc.Submit(context.Background(), SubmitRequest{
		PageRefs:  []string{"a.png", "https://example.com/b.jpg", "c.heic"},
		CostUnits: 300,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.pages.Len() != 3 {
		t.Fatalf("tokens: %d", f.pages.Len())
	}
	snap, err := f.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Job.Status != constants.JobStatusQueued || snap.Job.TotalPages != 3 || len(snap.Pages) != 3 {
		t.Fatalf("job: %+v", snap.Job)
	}
	if snap.Budget.CostLimit != 300 || snap.Budget.TimeLimit != time.Minute {
		t.Fatalf("budget: %+v", snap.Budget)
	}
	for _, p := range snap.Pages {
		if p.Status != constants.PageStatusQueued {
			t.Fatalf("page %d: %s", p.Index, p.Status)
		}
	}
}

func TestDuplicateTokenIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
	id := f.submit(t, "a.png")

	tok := queue.NewPageToken(id, 0)
	for i := 0; i < 3; i++ {
		if err := f.handler.Handle(ctx, tok); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if f.runner.count() != 1 {
		t.Fatalf("page graded %d times", f.runner.count())
	}
	snap, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(snap.Cards) != 1 {
		t.Fatalf("cards: %d", len(snap.Cards))
	}
	if snap.Budget.CostUsed != 10 {
		t.Fatalf("cost used: %d", snap.Budget.CostUsed)
	}
	if snap.Job.Status != constants.JobStatusDone || snap.Job.DonePages != 1 {
		t.Fatalf("job: %+v", snap.Job)
	}
}

func TestJobTerminalStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		refs   []string
		status constants.JobStatus
		failed int
	}{
		{"all done", []string{"a.png", "b.png"}, constants.JobStatusDone, 0},
		{"partial failure", []string{"a.png", "blank.png", "c.png"}, constants.JobStatusDone, 1},
		{"all failed", []string{"blank.png", "blank.png"}, constants.JobStatusFailed, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
			id := f.submit(t, tc.refs...)
			f.drain(t)

			snap, err := f.svc.Status(context.Background(), id)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if snap.Job.Status != tc.status || snap.Job.FailedPages != tc.failed || snap.Job.DonePages != len(tc.refs) {
				t.Fatalf("job: %+v", snap.Job)
			}
			for _, p := range snap.Pages {
				if !p.Status.Terminal() || p.LeaseOwner != "" {
					t.Fatalf("page %d: %+v", p.Index, p)
				}
				if p.Status == constants.PageStatusFailed && p.Error == "" {
					t.Fatalf("failed page %d has no error", p.Index)
				}
			}
		})
	}
}

// recordingStore captures every successful job write.
type recordingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes []entity.Job
}

func (s *recordingStore) CompareAndSwapJob(ctx context.Context, next entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.MemoryStore.CompareAndSwapJob(ctx, next); err != nil {
		return err
	}
	s.writes = append(s.writes, next)
	return nil
}

func TestDonePagesMonotonicUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rs := &recordingStore{MemoryStore: store.NewMemoryStore()}
	pages := queue.NewMemoryQueue("pages", nil, queue.WithQueueSize(64))
	t.Cleanup(func() { _ = pages.Close() })
	svc := NewService(rs, pages, time.Minute, 1000, nil)
	h := NewPageHandler(rs, &stubRunner{run: gradeOne(constants.VerdictCorrect, false)}, nil, PageConfig{}, nil)

	const n = 12
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("page-%02d.png", i)
	}
	id, err := svc.Submit(ctx, SubmitRequest{PageRefs: refs})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every page is delivered twice
			for j := 0; j < 2; j++ {
				if err := h.Handle(ctx, queue.NewPageToken(id, i)); err != nil {
					t.Errorf("Handle(%d): %v", i, err)
				}
			}
		}(i)
	}
	wg.Wait()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	last := 0
	for _, w := range rs.writes {
		if w.DonePages < last {
			t.Fatalf("done pages went backwards: %d -> %d", last, w.DonePages)
		}
		last = w.DonePages
		if w.Status.Terminal() != (w.DonePages == w.TotalPages) {
			t.Fatalf("status %s at %d/%d", w.Status, w.DonePages, w.TotalPages)
		}
	}
	if last != n {
		t.Fatalf("final done pages: %d", last)
	}
	job, err := rs.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != constants.JobStatusDone {
		t.Fatalf("job status: %s", job.Status)
	}
}

func TestTransientFailureReleasesPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, func(context.Context, orchestrator.PageInput, orchestrator.BudgetGuard, orchestrator.PlaceholderSink) (orchestrator.RunResult, error) {
		return orchestrator.RunResult{}, context.DeadlineExceeded
	})
	id := f.submit(t, "a.png")

	if err := f.handler.Handle(ctx, queue.NewPageToken(id, 0)); err == nil {
		t.Fatalf("expected an error so the token is redelivered")
	}
	page, err := f.store.GetPage(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if page.Status != constants.PageStatusQueued || page.LeaseOwner != "" || page.Attempt != 1 {
		t.Fatalf("page after transient failure: %+v", page)
	}

	// a second failure exhausts MaxAttempts; the next delivery gives up
	if err := f.handler.Handle(ctx, queue.NewPageToken(id, 0)); err == nil {
		t.Fatalf("expected an error on the second attempt")
	}
	if err := f.handler.Handle(ctx, queue.NewPageToken(id, 0)); err != nil {
		t.Fatalf("Handle after max attempts: %v", err)
	}
	page, _ = f.store.GetPage(ctx, id, 0)
	if page.Status != constants.PageStatusFailed {
		t.Fatalf("page status: %s", page.Status)
	}
	job, _ := f.store.GetJob(ctx, id)
	if job.Status != constants.JobStatusFailed {
		t.Fatalf("job status: %s", job.Status)
	}
	if f.runner.count() != 2 {
		t.Fatalf("runner calls: %d", f.runner.count())
	}
}

func TestLeasedPageIsDeferred(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
	id := f.submit(t, "a.png")

	page, _ := f.store.GetPage(ctx, id, 0)
	page.Status = constants.PageStatusRunning
	page.LeaseOwner = "other-worker"
	page.LeaseUntil = time.Now().Add(time.Hour)
	page.Version++
	if err := f.store.CompareAndSwapPage(ctx, page); err != nil {
		t.Fatalf("CompareAndSwapPage: %v", err)
	}
	err := f.handler.Handle(ctx, queue.NewPageToken(id, 0))
	delay, ok := queue.RetryDelay(err)
	if !ok || delay < 59*time.Minute {
		t.Fatalf("leased page must be deferred past the lease, got err=%v delay=%v", err, delay)
	}
	if f.runner.count() != 0 {
		t.Fatalf("leased page was graded")
	}

	page, _ = f.store.GetPage(ctx, id, 0)
	page.LeaseUntil = time.Now().Add(-time.Second)
	page.Version++
	if err := f.store.CompareAndSwapPage(ctx, page); err != nil {
		t.Fatalf("CompareAndSwapPage: %v", err)
	}
	if err := f.handler.Handle(ctx, queue.NewPageToken(id, 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.runner.count() != 1 {
		t.Fatalf("expired lease was not reclaimed")
	}
}

// flakyJobStore fails the next job writes that match.
type flakyJobStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
	match func(entity.Job) bool
}

func (s *flakyJobStore) CompareAndSwapJob(ctx context.Context, next entity.Job) error {
	s.mu.Lock()
	if s.fails > 0 && s.match(next) {
		s.fails--
		s.mu.Unlock()
		return errors.New("transient: connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.CompareAndSwapJob(ctx, next)
}

func TestUncountedTerminalPageIsReconciled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &flakyJobStore{MemoryStore: store.NewMemoryStore(), fails: 1, match: func(j entity.Job) bool { return j.DonePages > 0 }}
	pages := queue.NewMemoryQueue("pages", nil)
	t.Cleanup(func() { _ = pages.Close() })
	svc := NewService(fs, pages, time.Minute, 100, nil)
	r := &stubRunner{run: gradeOne(constants.VerdictCorrect, false)}
	h := NewPageHandler(fs, r, nil, PageConfig{LeaseTTL: time.Minute}, nil)

	id, err := svc.Submit(ctx, SubmitRequest{PageRefs: []string{"a.png"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tok := queue.NewPageToken(id, 0)
	if err := h.Handle(ctx, tok); err == nil {
		t.Fatalf("expected the failed job write to surface so the token is redelivered")
	}
	page, _ := fs.GetPage(ctx, id, 0)
	if page.Status != constants.PageStatusDone {
		t.Fatalf("page: %s", page.Status)
	}

	if err := h.Handle(ctx, tok); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	job, _ := fs.GetJob(ctx, id)
	if job.Status != constants.JobStatusDone || job.DonePages != 1 {
		t.Fatalf("job after redelivery: %+v", job)
	}
	if r.count() != 1 {
		t.Fatalf("page graded %d times", r.count())
	}

	// a further duplicate leaves the counters alone
	if err := h.Handle(ctx, tok); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	again, _ := fs.GetJob(ctx, id)
	if again.Version != job.Version {
		t.Fatalf("duplicate token rewrote the job")
	}
}

func TestClaimIsReleasedWhenJobUpdateFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &flakyJobStore{MemoryStore: store.NewMemoryStore(), fails: 1, match: func(j entity.Job) bool {
		return j.Status == constants.JobStatusRunning && j.DonePages == 0
	}}
	pages := queue.NewMemoryQueue("pages", nil)
	t.Cleanup(func() { _ = pages.Close() })
	svc := NewService(fs, pages, time.Minute, 100, nil)
	r := &stubRunner{run: gradeOne(constants.VerdictCorrect, false)}
	h := NewPageHandler(fs, r, nil, PageConfig{LeaseTTL: time.Hour}, nil)

	id, err := svc.Submit(ctx, SubmitRequest{PageRefs: []string{"a.png"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tok := queue.NewPageToken(id, 0)
	if err := h.Handle(ctx, tok); err == nil {
		t.Fatalf("expected an error from the failed job write")
	}
	page, _ := fs.GetPage(ctx, id, 0)
	if page.Status != constants.PageStatusQueued || page.LeaseOwner != "" {
		t.Fatalf("claim was not released: %+v", page)
	}

	if err := h.Handle(ctx, tok); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	job, _ := fs.GetJob(ctx, id)
	if job.Status != constants.JobStatusDone || r.count() != 1 {
		t.Fatalf("job=%s runner_calls=%d", job.Status, r.count())
	}
}

func TestRequeueRecoversUncountedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, gradeOne(constants.VerdictCorrect, false))
	id := f.submit(t, "a.png", "b.png")
	f.drain(t)

	// simulate a worker that died between finishing the last page and counting it
	job, _ := f.store.GetJob(ctx, id)
	job.Status = constants.JobStatusRunning
	job.DonePages = 1
	job.Version++
	if err := f.store.CompareAndSwapJob(ctx, job); err != nil {
		t.Fatalf("CompareAndSwapJob: %v", err)
	}

	n, err := f.svc.Requeue(ctx, id)
	if err != nil || n != 1 {
		t.Fatalf("Requeue: n=%d err=%v", n, err)
	}
	f.drain(t)
	job, _ = f.store.GetJob(ctx, id)
	if job.Status != constants.JobStatusDone || job.DonePages != 2 {
		t.Fatalf("job: %+v", job)
	}
	if f.runner.count() != 2 {
		t.Fatalf("requeue regraded a page: %d runs", f.runner.count())
	}
}

func TestNeedReviewCardsAreQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, gradeOne(constants.VerdictUncertain, true))
	id := f.submit(t, "a.png", "b.png")
	f.drain(t)

	if f.reviews.Len() != 2 {
		t.Fatalf("review tokens: %d", f.reviews.Len())
	}
	cards, err := f.store.ListCards(ctx, id)
	if err != nil {
		t.Fatalf("ListCards: %v", err)
	}
	for _, c := range cards {
		if c.State != constants.CardStateReviewPending {
			t.Fatalf("card %s state %s", c.ID, c.State)
		}
	}
	d, err := f.reviews.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if d.Token.Kind != queue.KindReview || d.Token.JobID != id || d.Token.CardID == "" {
		t.Fatalf("review token: %+v", d.Token)
	}
}
