package store

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/homework-grader/internal/common"
)

// Stats is a coarse view of the result tables, used by health tooling.
type Stats struct {
	JobsByStatus  map[string]int
	PagesByStatus map[string]int
	Cards         int
	NeedReview    int
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	out := Stats{}
	var err error
	if out.JobsByStatus, err = s.countBy(ctx, tableJobs, "status"); err != nil {
		return out, err
	}
	if out.PagesByStatus, err = s.countBy(ctx, tablePages, "status"); err != nil {
		return out, err
	}
	b := s.b()
	q, args := b.Select(entsql.Count("*")).From(b.Table(tableCards)).Query()
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&out.Cards); err != nil {
		return out, fmt.Errorf("%w: count cards: %v", common.ErrDatabase, err)
	}
	q, args = b.Select(entsql.Count("*")).From(b.Table(tableCards)).Where(entsql.EQ("need_review", true)).Query()
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&out.NeedReview); err != nil {
		return out, fmt.Errorf("%w: count need_review: %v", common.ErrDatabase, err)
	}
	return out, nil
}

func (s *SQLStore) countBy(ctx context.Context, table, column string) (map[string]int, error) {
	b := s.b()
	q, args := b.Select(column, entsql.Count("*")).From(b.Table(table)).GroupBy(column).Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: count %s: %v", common.ErrDatabase, table, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("%w: count %s: %v", common.ErrDatabase, table, err)
		}
		out[key] = n
	}
	return out, rows.Err()
}
