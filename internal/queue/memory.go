package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is a bounded in-process channel queue. Tokens do not survive a restart.
type MemoryQueue struct {
	name   string
	logger *slog.Logger
	ch     chan Token
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

type MemoryOption func(*MemoryQueue)

func WithQueueSize(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.ch = make(chan Token, n)
		}
	}
}

func NewMemoryQueue(name string, logger *slog.Logger, opts ...MemoryOption) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{name: name, logger: logger, ch: make(chan Token, 256), done: make(chan struct{})}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push blocks while the buffer is full, until ctx is done or the queue is closed.
func (q *MemoryQueue) Push(ctx context.Context, tok Token) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("queue.push.closed", "queue", q.name, "token_id", tok.ID.String())
		return ErrClosed
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.ch <- tok:
		return nil
	default:
	}
	q.logger.Warn("queue.push.backpressure", "queue", q.name, "token_id", tok.ID.String())
	select {
	case q.ch <- tok:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Delivery, error) {
	select {
	case tok, ok := <-q.ch:
		if !ok {
			return Delivery{}, ErrClosed
		}
		tok.Attempt++
		return Delivery{
			Token: tok,
			nack: func(_ context.Context, delay time.Duration) error {
				q.redeliver(tok, delay)
				return nil
			},
		}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) redeliver(tok Token, delay time.Duration) {
	push := func() {
		if err := q.Push(context.Background(), tok); err != nil {
			q.logger.Warn("queue.redeliver.dropped", "queue", q.name, "token_id", tok.ID.String(), "error", err)
		}
	}
	if delay <= 0 {
		go push()
		return
	}
	time.AfterFunc(delay, push)
}

// Close stops accepting tokens and unblocks pending pushes; tokens already buffered are
// still delivered.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.senders.Wait()
	close(q.ch)
	return nil
}

// Len is the number of buffered tokens.
func (q *MemoryQueue) Len() int { return len(q.ch) }
