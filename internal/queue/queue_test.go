package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/store"
)

func openSQLQueue(t *testing.T, visibility time.Duration) (*SQLQueue, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "queue.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close(nil) })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewSQLQueue(db, "pages", nil, WithVisibility(visibility), WithPollInterval(5*time.Millisecond)), db
}

func popWithin(t *testing.T, q Queue, d time.Duration) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	del, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return del
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue("pages", nil, WithQueueSize(4))
	jobID := uuid.New()
	if err := q.Push(context.Background(), NewPageToken(jobID, 2)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d := popWithin(t, q, time.Second)
	if d.Token.JobID != jobID || d.Token.PageIndex != 2 || d.Token.Attempt != 1 {
		t.Fatalf("unexpected token %+v", d.Token)
	}
	if err := d.Nack(context.Background(), 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	again := popWithin(t, q, time.Second)
	if again.Token.ID != d.Token.ID || again.Token.Attempt != 2 {
		t.Fatalf("redelivery: %+v", again.Token)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue("pages", nil)
	_ = q.Push(context.Background(), NewPageToken(uuid.New(), 0))
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Push(context.Background(), NewPageToken(uuid.New(), 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close: expected ErrClosed, got %v", err)
	}
	popWithin(t, q, time.Second)
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Pop on drained closed queue: expected ErrClosed, got %v", err)
	}
}

func TestMemoryQueueCloseUnblocksFullPush(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue("reviews", nil, WithQueueSize(1))
	if err := q.Push(context.Background(), NewPageToken(uuid.New(), 0)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	blocked := make(chan error, 1)
	go func() { blocked <- q.Push(context.Background(), NewPageToken(uuid.New(), 1)) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- q.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close deadlocked behind a blocked Push")
	}
	if err := <-blocked; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked Push: expected ErrClosed, got %v", err)
	}
	popWithin(t, q, time.Second)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("handle: %w", RetryAfter(errors.New("page leased"), 90*time.Second))
	d, ok := RetryDelay(err)
	if !ok || d != 90*time.Second {
		t.Fatalf("RetryDelay: %v %v", d, ok)
	}
	if _, ok := RetryDelay(errors.New("plain")); ok {
		t.Fatalf("plain error carries no delay")
	}
}

func TestSQLQueueAckRemovesToken(t *testing.T) {
	t.Parallel()
	q, _ := openSQLQueue(t, time.Minute)
	ctx := context.Background()
	tok := NewReviewToken(uuid.New(), 1, "p2-q3")
	if err := q.Push(ctx, tok); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d := popWithin(t, q, time.Second)
	if d.Token.ID != tok.ID || d.Token.Kind != KindReview || d.Token.CardID != "p2-q3" || d.Token.Attempt != 1 {
		t.Fatalf("unexpected token %+v", d.Token)
	}

	empty, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(empty); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("leased token must be invisible, got %v", err)
	}

	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len after ack: n=%d err=%v", n, err)
	}
}

func TestSQLQueueRedeliversExpiredLease(t *testing.T) {
	t.Parallel()
	q, _ := openSQLQueue(t, 30*time.Millisecond)
	ctx := context.Background()
	tok := NewPageToken(uuid.New(), 0)
	if err := q.Push(ctx, tok); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first := popWithin(t, q, time.Second)
	// the first worker "crashes": no ack, no nack
	second := popWithin(t, q, time.Second)
	if second.Token.ID != tok.ID || second.Token.Attempt != 2 {
		t.Fatalf("redelivery: %+v", second.Token)
	}
	// a stale ack from the crashed worker must not delete the re-leased token
	if err := first.Ack(ctx); err != nil {
		t.Fatalf("stale Ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("stale ack removed the token")
	}
	if err := second.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("token not removed by current lease holder")
	}
}

func TestSQLQueueNackAndClose(t *testing.T) {
	t.Parallel()
	q, _ := openSQLQueue(t, time.Minute)
	ctx := context.Background()
	if err := q.Push(ctx, NewPageToken(uuid.New(), 0)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d := popWithin(t, q, time.Second)
	if err := d.Nack(ctx, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	again := popWithin(t, q, time.Second)
	if again.Token.Attempt != 2 {
		t.Fatalf("attempt after nack: %d", again.Token.Attempt)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Pop after Close: expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop did not return after Close")
	}
}
