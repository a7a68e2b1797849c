package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/store"
)

const tableTokens = "queue_tokens"

// SQLQueue is a durable at-least-once queue over the queue_tokens table.
// A popped token stays invisible for the visibility timeout; if it is neither acked
// nor nacked by then (the worker crashed) it is delivered again.
type SQLQueue struct {
	db         *sql.DB
	dialect    string
	name       string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
	logger     *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

type SQLOption func(*SQLQueue)

func WithVisibility(d time.Duration) SQLOption {
	return func(q *SQLQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithPollInterval(d time.Duration) SQLOption {
	return func(q *SQLQueue) {
		if d > 0 {
			q.poll = d
		}
	}
}

func NewSQLQueue(db *store.DB, name string, logger *slog.Logger, opts ...SQLOption) *SQLQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &SQLQueue{
		db:         db.SQL,
		dialect:    db.Dialect,
		name:       name,
		visibility: 5 * time.Minute,
		poll:       500 * time.Millisecond,
		now:        time.Now,
		logger:     logger,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *SQLQueue) b() *entsql.DialectBuilder { return entsql.Dialect(q.dialect) }

func (q *SQLQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *SQLQueue) Push(ctx context.Context, tok Token) error {
	if q.isClosed() {
		return ErrClosed
	}
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	if tok.EnqueuedAt.IsZero() {
		tok.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	now := q.now().UnixNano()
	query, args := q.b().Insert(tableTokens).
		Columns("id", "queue", "payload", "attempts", "lease_owner", "visible_at", "enqueued_at").
		Values(tok.ID.String(), q.name, string(payload), 0, "", now, tok.EnqueuedAt.UnixNano()).
		Query()
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("push %s: %w", q.name, err)
	}
	return nil
}

func (q *SQLQueue) Pop(ctx context.Context) (Delivery, error) {
	for {
		if q.isClosed() {
			return Delivery{}, ErrClosed
		}
		d, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			q.logger.Warn("queue.claim.failed", "queue", q.name, "error", err)
		}
		if ok {
			return d, nil
		}
		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return Delivery{}, ErrClosed
		case <-timer.C:
		}
	}
}

// claim picks the oldest visible token and takes it with a compare-and-set on visible_at.
func (q *SQLQueue) claim(ctx context.Context) (Delivery, bool, error) {
	b := q.b()
	now := q.now()
	query, args := b.Select("id", "payload", "attempts", "visible_at").
		From(b.Table(tableTokens)).
		Where(entsql.And(entsql.EQ("queue", q.name), entsql.LTE("visible_at", now.UnixNano()))).
		OrderBy("visible_at").
		Limit(1).
		Query()
	var (
		id, payload string
		attempts    int
		visibleAt   int64
	)
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&id, &payload, &attempts, &visibleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}

	lease := uuid.NewString()
	query, args = b.Update(tableTokens).
		Set("attempts", attempts+1).
		Set("lease_owner", lease).
		Set("visible_at", now.Add(q.visibility).UnixNano()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("visible_at", visibleAt))).
		Query()
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Delivery{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return Delivery{}, false, err
	}

	var tok Token
	if err := json.Unmarshal([]byte(payload), &tok); err != nil {
		// poison row: drop it so it cannot block the queue
		q.logger.Error("queue.token.corrupt", "queue", q.name, "token_id", id, "error", err)
		_ = q.delete(ctx, id, lease)
		return Delivery{}, false, nil
	}
	tok.Attempt = attempts + 1
	return Delivery{
		Token: tok,
		ack:   func(ctx context.Context) error { return q.delete(ctx, id, lease) },
		nack: func(ctx context.Context, delay time.Duration) error {
			return q.release(ctx, id, lease, delay)
		},
	}, true, nil
}

func (q *SQLQueue) delete(ctx context.Context, id, lease string) error {
	query, args := q.b().Delete(tableTokens).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("lease_owner", lease))).
		Query()
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *SQLQueue) release(ctx context.Context, id, lease string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	query, args := q.b().Update(tableTokens).
		Set("lease_owner", "").
		Set("visible_at", q.now().Add(delay).UnixNano()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("lease_owner", lease))).
		Query()
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return nil
}

// Len counts tokens in this queue, visible or leased.
func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	b := q.b()
	query, args := b.Select(entsql.Count("*")).From(b.Table(tableTokens)).Where(entsql.EQ("queue", q.name)).Query()
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close stops Pop loops; rows stay in the table for the next process.
func (q *SQLQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
