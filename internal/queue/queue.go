package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Push and Pop once the queue is closed.
var ErrClosed = errors.New("queue closed")

type Kind string

const (
	KindPage   Kind = "page"
	KindReview Kind = "review"
)

// Token is a work item. It carries ids only; handlers re-derive state from the store.
type Token struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	JobID      uuid.UUID `json:"job_id"`
	PageIndex  int       `json:"page_index"`
	CardID     string    `json:"card_id,omitempty"`
	Attempt    int       `json:"-"` // deliveries so far, including the current one
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewPageToken(jobID uuid.UUID, index int) Token {
	return Token{ID: uuid.New(), Kind: KindPage, JobID: jobID, PageIndex: index, EnqueuedAt: time.Now().UTC()}
}

func NewReviewToken(jobID uuid.UUID, pageIndex int, cardID string) Token {
	return Token{ID: uuid.New(), Kind: KindReview, JobID: jobID, PageIndex: pageIndex, CardID: cardID, EnqueuedAt: time.Now().UTC()}
}

// Delivery is a popped token that must be acked or nacked.
// A delivery that is neither is redelivered once its lease expires (durable queues only).
type Delivery struct {
	Token Token
	ack   func(ctx context.Context) error
	nack  func(ctx context.Context, delay time.Duration) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack makes the token visible again after delay.
func (d Delivery) Nack(ctx context.Context, delay time.Duration) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, delay)
}

// RetryError asks the worker to redeliver the token no sooner than After.
type RetryError struct {
	Err   error
	After time.Duration
}

func (e *RetryError) Error() string { return e.Err.Error() }

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the token is nacked with at least delay.
func RetryAfter(err error, delay time.Duration) error {
	return &RetryError{Err: err, After: delay}
}

// RetryDelay reports the delay requested by a RetryError anywhere in err's chain.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}

// Queue is an at-least-once work queue.
type Queue interface {
	Push(ctx context.Context, tok Token) error
	// Pop blocks until a token is available, ctx is done, or the queue is closed.
	Pop(ctx context.Context) (Delivery, error)
	Close() error
}
