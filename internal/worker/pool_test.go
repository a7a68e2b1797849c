package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/queue"
)

func TestPoolAcksAndRetries(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue("pages", nil)
	var (
		mu       sync.Mutex
		attempts = map[int]int{}
		done     = make(chan struct{}, 16)
	)
	h := HandlerFunc(func(_ context.Context, tok queue.Token) error {
		mu.Lock()
		attempts[tok.PageIndex]++
		n := attempts[tok.PageIndex]
		mu.Unlock()
		if tok.PageIndex == 1 && n == 1 {
			return errors.New("transient")
		}
		done <- struct{}{}
		return nil
	})
	p := NewPool("pages", q, h, nil, WithWorkers(2), WithRetryDelay(0))
	p.Start(context.Background())

	jobID := uuid.New()
	for i := 0; i < 3; i++ {
		if err := q.Push(context.Background(), queue.NewPageToken(jobID, i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 tokens handled", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	if attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 1 {
		t.Fatalf("attempts: %v", attempts)
	}
}

func TestPoolHandlerTimeout(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue("reviews", nil)
	seen := make(chan error, 1)
	h := HandlerFunc(func(ctx context.Context, _ queue.Token) error {
		<-ctx.Done()
		select {
		case seen <- ctx.Err():
		default:
		}
		return nil
	})
	p := NewPool("reviews", q, h, nil, WithWorkers(1), WithProcessTimeout(20*time.Millisecond))
	p.Start(context.Background())
	_ = q.Push(context.Background(), queue.NewReviewToken(uuid.New(), 0, "p1-q1"))

	select {
	case err := <-seen:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never timed out")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestPoolHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue("pages", nil)
	var (
		mu    sync.Mutex
		times []time.Time
	)
	done := make(chan struct{})
	h := HandlerFunc(func(context.Context, queue.Token) error {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) == 1 {
			return queue.RetryAfter(errors.New("page leased"), 150*time.Millisecond)
		}
		close(done)
		return nil
	})
	p := NewPool("pages", q, h, nil, WithWorkers(1), WithRetryDelay(0))
	p.Start(context.Background())
	_ = q.Push(context.Background(), queue.NewPageToken(uuid.New(), 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deferred token was never redelivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	if gap := times[1].Sub(times[0]); gap < 150*time.Millisecond {
		t.Fatalf("redelivered after %v, want at least 150ms", gap)
	}
}
