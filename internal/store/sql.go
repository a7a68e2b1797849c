package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

const (
	tableJobs    = "grading_jobs"
	tablePages   = "page_units"
	tableCards   = "question_cards"
	tableBudgets = "run_budgets"
)

var jobColumns = []string{
	"id", "status", "page_refs", "total_pages", "done_pages", "failed_pages", "version", "created_at", "updated_at",
}

var pageColumns = []string{
	"job_id", "page_index", "image_ref", "status", "warnings", "error", "lease_owner", "lease_until",
	"attempt", "iterations", "confidence", "exit_reason", "summary", "trace", "version", "updated_at",
}

var cardColumns = []string{
	"job_id", "id", "page_index", "ordinal", "question_number", "state", "verdict", "answer_present",
	"prompt", "student_answer", "rationale", "confidence", "need_review", "warnings", "version", "updated_at",
}

var budgetColumns = []string{
	"job_id", "time_limit", "cost_limit", "cost_used", "started_at", "cost_exhausted", "version",
}

// SQLStore persists the result store in Postgres or SQLite. Queries are built with
// ent's dialect-aware SQL builder.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
	logger  *slog.Logger
}

func NewSQLStore(db *DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db.SQL, dialect: db.Dialect, now: time.Now, logger: logger}
}

func (s *SQLStore) b() *entsql.DialectBuilder { return entsql.Dialect(s.dialect) }

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (s *SQLStore) CreateJob(ctx context.Context, job entity.Job, pages []entity.PageUnit, budget entity.RunBudget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	q, args := s.b().Insert(tableJobs).Columns(jobColumns...).Values(
		job.ID.String(), string(job.Status), mustJSON(job.PageRefs), job.TotalPages, job.DonePages, job.FailedPages,
		job.Version, nanos(job.CreatedAt), nanos(job.UpdatedAt),
	).Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: insert job: %v", common.ErrDatabase, err)
	}

	if len(pages) > 0 {
		ins := s.b().Insert(tablePages).Columns(pageColumns...)
		for _, p := range pages {
			ins.Values(pageValues(p)...)
		}
		q, args = ins.Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: insert pages: %v", common.ErrDatabase, err)
		}
	}

	q, args = s.b().Insert(tableBudgets).Columns(budgetColumns...).Values(
		budget.JobID.String(), int64(budget.TimeLimit), budget.CostLimit, budget.CostUsed,
		nanos(budget.StartedAt), budget.CostExhausted, budget.Version,
	).Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: insert budget: %v", common.ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	s.logger.Debug("store.job.created", "job_id", job.ID.String(), "pages", len(pages))
	return nil
}

func scanJob(r rowScanner) (entity.Job, error) {
	var (
		j                    entity.Job
		id, status, refs     string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&id, &status, &refs, &j.TotalPages, &j.DonePages, &j.FailedPages, &j.Version, &createdAt, &updatedAt); err != nil {
		return j, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return j, fmt.Errorf("job id %q: %w", id, err)
	}
	j.ID = parsed
	j.Status = constants.JobStatus(status)
	if err := json.Unmarshal([]byte(refs), &j.PageRefs); err != nil {
		return j, fmt.Errorf("job page_refs: %w", err)
	}
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return j, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id uuid.UUID) (entity.Job, error) {
	b := s.b()
	q, args := b.Select(jobColumns...).From(b.Table(tableJobs)).Where(entsql.EQ("id", id.String())).Query()
	j, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return j, fmt.Errorf("%w: get job: %v", common.ErrDatabase, err)
	}
	return j, nil
}

func (s *SQLStore) CompareAndSwapJob(ctx context.Context, next entity.Job) error {
	q, args := s.b().Update(tableJobs).
		Set("status", string(next.Status)).
		Set("done_pages", next.DonePages).
		Set("failed_pages", next.FailedPages).
		Set("version", next.Version).
		Set("updated_at", nanos(s.now())).
		Where(entsql.And(entsql.EQ("id", next.ID.String()), entsql.EQ("version", next.Version-1))).
		Query()
	return s.swap(ctx, s.db, q, args, func() error {
		_, err := s.GetJob(ctx, next.ID)
		return err
	}, fmt.Sprintf("job %s", next.ID))
}

// swap runs a versioned update and distinguishes a lost race from a missing row.
func (s *SQLStore) swap(ctx context.Context, ex execer, q string, args []any, exists func() error, what string) error {
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%w: update %s: %v", common.ErrDatabase, what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected %s: %v", common.ErrDatabase, what, err)
	}
	if n == 1 {
		return nil
	}
	if err := exists(); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", what, common.ErrConflict)
}

func pageValues(p entity.PageUnit) []any {
	return []any{
		p.JobID.String(), p.Index, p.ImageRef, string(p.Status), mustJSON(nonNilStrings(p.Warnings)), p.Error,
		p.LeaseOwner, nanos(p.LeaseUntil), p.Attempt, p.Iterations, p.Confidence, p.ExitReason, p.Summary,
		mustJSON(nonNilTrace(p.Trace)), p.Version, nanos(p.UpdatedAt),
	}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilTrace(v []entity.ToolInvocation) []entity.ToolInvocation {
	if v == nil {
		return []entity.ToolInvocation{}
	}
	return v
}

func scanPage(r rowScanner) (entity.PageUnit, error) {
	var (
		p                              entity.PageUnit
		jobID, status, warnings, trace string
		leaseUntil, updatedAt          int64
	)
	if err := r.Scan(&jobID, &p.Index, &p.ImageRef, &status, &warnings, &p.Error, &p.LeaseOwner, &leaseUntil,
		&p.Attempt, &p.Iterations, &p.Confidence, &p.ExitReason, &p.Summary, &trace, &p.Version, &updatedAt); err != nil {
		return p, err
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return p, fmt.Errorf("page job id %q: %w", jobID, err)
	}
	p.JobID = id
	p.Status = constants.PageStatus(status)
	if err := json.Unmarshal([]byte(warnings), &p.Warnings); err != nil {
		return p, fmt.Errorf("page warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(trace), &p.Trace); err != nil {
		return p, fmt.Errorf("page trace: %w", err)
	}
	if len(p.Warnings) == 0 {
		p.Warnings = nil
	}
	if len(p.Trace) == 0 {
		p.Trace = nil
	}
	p.LeaseUntil = fromNanos(leaseUntil)
	p.UpdatedAt = fromNanos(updatedAt)
	return p, nil
}

func (s *SQLStore) GetPage(ctx context.Context, jobID uuid.UUID, index int) (entity.PageUnit, error) {
	b := s.b()
	q, args := b.Select(pageColumns...).From(b.Table(tablePages)).
		Where(entsql.And(entsql.EQ("job_id", jobID.String()), entsql.EQ("page_index", index))).
		Query()
	p, err := scanPage(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("page %s/%d: %w", jobID, index, common.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("%w: get page: %v", common.ErrDatabase, err)
	}
	return p, nil
}

func (s *SQLStore) ListPages(ctx context.Context, jobID uuid.UUID) ([]entity.PageUnit, error) {
	b := s.b()
	q, args := b.Select(pageColumns...).From(b.Table(tablePages)).
		Where(entsql.EQ("job_id", jobID.String())).
		OrderBy("page_index").
		Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list pages: %v", common.ErrDatabase, err)
	}
	defer rows.Close()
	var out []entity.PageUnit
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan page: %v", common.ErrDatabase, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list pages: %v", common.ErrDatabase, err)
	}
	if len(out) == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) CompareAndSwapPage(ctx context.Context, next entity.PageUnit) error {
	q, args := s.b().Update(tablePages).
		Set("status", string(next.Status)).
		Set("warnings", mustJSON(nonNilStrings(next.Warnings))).
		Set("error", next.Error).
		Set("lease_owner", next.LeaseOwner).
		Set("lease_until", nanos(next.LeaseUntil)).
		Set("attempt", next.Attempt).
		Set("iterations", next.Iterations).
		Set("confidence", next.Confidence).
		Set("exit_reason", next.ExitReason).
		Set("summary", next.Summary).
		Set("trace", mustJSON(nonNilTrace(next.Trace))).
		Set("version", next.Version).
		Set("updated_at", nanos(s.now())).
		Where(entsql.And(
			entsql.EQ("job_id", next.JobID.String()),
			entsql.EQ("page_index", next.Index),
			entsql.EQ("version", next.Version-1),
		)).
		Query()
	return s.swap(ctx, s.db, q, args, func() error {
		_, err := s.GetPage(ctx, next.JobID, next.Index)
		return err
	}, fmt.Sprintf("page %s/%d", next.JobID, next.Index))
}

func cardValues(c entity.QuestionCard, version int64, updatedAt int64) []any {
	warnings := c.Warnings
	if warnings == nil {
		warnings = []entity.Warning{}
	}
	return []any{
		c.JobID.String(), c.ID, c.PageIndex, c.Ordinal, c.QuestionNumber, string(c.State), string(c.Verdict),
		c.AnswerPresent, c.Prompt, c.StudentAnswer, c.Rationale, c.Confidence, c.NeedReview,
		mustJSON(warnings), version, updatedAt,
	}
}

func scanCard(r rowScanner) (entity.QuestionCard, error) {
	var (
		c                               entity.QuestionCard
		jobID, state, verdict, warnings string
		updatedAt                       int64
	)
	if err := r.Scan(&jobID, &c.ID, &c.PageIndex, &c.Ordinal, &c.QuestionNumber, &state, &verdict, &c.AnswerPresent,
		&c.Prompt, &c.StudentAnswer, &c.Rationale, &c.Confidence, &c.NeedReview, &warnings, &c.Version, &updatedAt); err != nil {
		return c, err
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return c, fmt.Errorf("card job id %q: %w", jobID, err)
	}
	c.JobID = id
	c.State = constants.CardState(state)
	c.Verdict = constants.Verdict(verdict)
	if err := json.Unmarshal([]byte(warnings), &c.Warnings); err != nil {
		return c, fmt.Errorf("card warnings: %w", err)
	}
	if len(c.Warnings) == 0 {
		c.Warnings = nil
	}
	c.UpdatedAt = fromNanos(updatedAt)
	return c, nil
}

func (s *SQLStore) CreateCards(ctx context.Context, cards []entity.QuestionCard) (int, error) {
	if len(cards) == 0 {
		return 0, nil
	}
	now := nanos(s.now())
	ins := s.b().Insert(tableCards).Columns(cardColumns...).
		OnConflict(entsql.ConflictColumns("job_id", "id"), entsql.DoNothing())
	for _, c := range cards {
		ins.Values(cardValues(c, 1, now)...)
	}
	q, args := ins.Query()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: create cards: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: create cards: %v", common.ErrDatabase, err)
	}
	return int(n), nil
}

func (s *SQLStore) SaveCards(ctx context.Context, cards []entity.QuestionCard) error {
	if len(cards) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nanos(s.now())
	b := s.b()
	for _, c := range cards {
		var version int64
		q, args := b.Select("version").From(b.Table(tableCards)).
			Where(entsql.And(entsql.EQ("job_id", c.JobID.String()), entsql.EQ("id", c.ID))).
			Query()
		err := tx.QueryRowContext(ctx, q, args...).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			q, args = b.Insert(tableCards).Columns(cardColumns...).Values(cardValues(c, 1, now)...).Query()
		case err != nil:
			return fmt.Errorf("%w: load card %s: %v", common.ErrDatabase, c.ID, err)
		default:
			q, args = cardUpdate(b, c, version+1, now).
				Where(entsql.And(entsql.EQ("job_id", c.JobID.String()), entsql.EQ("id", c.ID))).
				Query()
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%w: save card %s: %v", common.ErrDatabase, c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	return nil
}

func cardUpdate(b *entsql.DialectBuilder, c entity.QuestionCard, version, updatedAt int64) *entsql.UpdateBuilder {
	warnings := c.Warnings
	if warnings == nil {
		warnings = []entity.Warning{}
	}
	return b.Update(tableCards).
		Set("page_index", c.PageIndex).
		Set("ordinal", c.Ordinal).
		Set("question_number", c.QuestionNumber).
		Set("state", string(c.State)).
		Set("verdict", string(c.Verdict)).
		Set("answer_present", c.AnswerPresent).
		Set("prompt", c.Prompt).
		Set("student_answer", c.StudentAnswer).
		Set("rationale", c.Rationale).
		Set("confidence", c.Confidence).
		Set("need_review", c.NeedReview).
		Set("warnings", mustJSON(warnings)).
		Set("version", version).
		Set("updated_at", updatedAt)
}

func (s *SQLStore) GetCard(ctx context.Context, jobID uuid.UUID, id string) (entity.QuestionCard, error) {
	b := s.b()
	q, args := b.Select(cardColumns...).From(b.Table(tableCards)).
		Where(entsql.And(entsql.EQ("job_id", jobID.String()), entsql.EQ("id", id))).
		Query()
	c, err := scanCard(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("card %s/%s: %w", jobID, id, common.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("%w: get card: %v", common.ErrDatabase, err)
	}
	return c, nil
}

func (s *SQLStore) CompareAndSwapCard(ctx context.Context, next entity.QuestionCard) error {
	q, args := cardUpdate(s.b(), next, next.Version, nanos(s.now())).
		Where(entsql.And(
			entsql.EQ("job_id", next.JobID.String()),
			entsql.EQ("id", next.ID),
			entsql.EQ("version", next.Version-1),
		)).
		Query()
	return s.swap(ctx, s.db, q, args, func() error {
		_, err := s.GetCard(ctx, next.JobID, next.ID)
		return err
	}, fmt.Sprintf("card %s/%s", next.JobID, next.ID))
}

func (s *SQLStore) ListCards(ctx context.Context, jobID uuid.UUID) ([]entity.QuestionCard, error) {
	b := s.b()
	q, args := b.Select(cardColumns...).From(b.Table(tableCards)).
		Where(entsql.EQ("job_id", jobID.String())).
		OrderBy("page_index", "ordinal").
		Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list cards: %v", common.ErrDatabase, err)
	}
	defer rows.Close()
	var out []entity.QuestionCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan card: %v", common.ErrDatabase, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list cards: %v", common.ErrDatabase, err)
	}
	return out, nil
}

func (s *SQLStore) LoadBudget(ctx context.Context, jobID uuid.UUID) (entity.RunBudget, error) {
	b := s.b()
	q, args := b.Select(budgetColumns...).From(b.Table(tableBudgets)).
		Where(entsql.EQ("job_id", jobID.String())).
		Query()
	var (
		out                  entity.RunBudget
		id                   string
		timeLimit, startedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&id, &timeLimit, &out.CostLimit, &out.CostUsed, &startedAt, &out.CostExhausted, &out.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("budget %s: %w", jobID, common.ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("%w: load budget: %v", common.ErrDatabase, err)
	}
	out.JobID = jobID
	out.TimeLimit = time.Duration(timeLimit)
	out.StartedAt = fromNanos(startedAt)
	return out, nil
}

func (s *SQLStore) CompareAndSwapBudget(ctx context.Context, next entity.RunBudget) error {
	q, args := s.b().Update(tableBudgets).
		Set("cost_used", next.CostUsed).
		Set("started_at", nanos(next.StartedAt)).
		Set("cost_exhausted", next.CostExhausted).
		Set("version", next.Version).
		Where(entsql.And(entsql.EQ("job_id", next.JobID.String()), entsql.EQ("version", next.Version-1))).
		Query()
	return s.swap(ctx, s.db, q, args, func() error {
		_, err := s.LoadBudget(ctx, next.JobID)
		return err
	}, fmt.Sprintf("budget %s", next.JobID))
}
