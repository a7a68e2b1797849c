package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/homework-grader/internal/queue"
)

// Handler processes one token. Returning an error nacks the token for redelivery, after
// the delay carried by a queue.RetryError if there is one; returning nil acks it, including
// when the handler decided to discard it.
type Handler interface {
	Handle(ctx context.Context, tok queue.Token) error
}

type HandlerFunc func(ctx context.Context, tok queue.Token) error

func (f HandlerFunc) Handle(ctx context.Context, tok queue.Token) error { return f(ctx, tok) }

// Pool is a fixed set of workers, each handling one token at a time.
type Pool struct {
	name       string
	q          queue.Queue
	handler    Handler
	logger     *slog.Logger
	workers    int
	timeout    time.Duration
	retryDelay time.Duration

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetryDelay sets how long a failed token stays invisible before redelivery.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

func NewPool(name string, q queue.Queue, h Handler, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:       name,
		q:          q,
		handler:    h,
		logger:     logger,
		workers:    4,
		timeout:    3 * time.Minute,
		retryDelay: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers once; later calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx, i+1)
		}
	})
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker.started", "pool", p.name, "worker_id", workerID)
	defer p.logger.Info("worker.stopped", "pool", p.name, "worker_id", workerID)

	for {
		d, err := p.q.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Warn("worker.pop.failed", "pool", p.name, "worker_id", workerID, "error", err)
			continue
		}
		p.handle(ctx, workerID, d)
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d queue.Delivery) {
	tok := d.Token
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.handler.Handle(hctx, tok)
	cancel()

	// settle on a fresh context so shutdown does not strand the token
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()
	if err != nil {
		delay := p.retryDelay
		if after, ok := queue.RetryDelay(err); ok {
			delay = max(delay, after)
			p.logger.Info("worker.token.deferred",
				"pool", p.name, "worker_id", workerID, "job_id", tok.JobID.String(), "page", tok.PageIndex,
				"attempt", tok.Attempt, "delay_ms", delay.Milliseconds(), "reason", err.Error())
		} else {
			p.logger.Error("worker.token.failed",
				"pool", p.name, "worker_id", workerID, "job_id", tok.JobID.String(), "page", tok.PageIndex,
				"card_id", tok.CardID, "attempt", tok.Attempt, "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		}
		if nerr := d.Nack(sctx, delay); nerr != nil {
			p.logger.Warn("worker.nack.failed", "pool", p.name, "token_id", tok.ID.String(), "error", nerr)
		}
		return
	}
	if aerr := d.Ack(sctx); aerr != nil {
		p.logger.Warn("worker.ack.failed", "pool", p.name, "token_id", tok.ID.String(), "error", aerr)
	}
	p.logger.Debug("worker.token.done", "pool", p.name, "worker_id", workerID, "job_id", tok.JobID.String(),
		"page", tok.PageIndex, "elapsed_ms", time.Since(start).Milliseconds())
}

// Shutdown closes the queue, lets in-flight tokens finish and waits for the workers
// or for ctx, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) {
	if err := p.q.Close(); err != nil {
		p.logger.Warn("worker.queue.close_failed", "pool", p.name, "error", err)
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("worker.shutdown.interrupted", "pool", p.name)
		if p.cancel != nil {
			p.cancel()
		}
	case <-done:
		p.logger.Info("worker.shutdown.complete", "pool", p.name)
	}
}
