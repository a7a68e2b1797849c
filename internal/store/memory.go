package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/entity"
)

type memJob struct {
	job    entity.Job
	pages  []entity.PageUnit
	cards  map[string]entity.QuestionCard
	budget entity.RunBudget
}

// MemoryStore keeps everything in process memory. All values are copied in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*memJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*memJob), now: time.Now}
}

func (s *MemoryStore) CreateJob(_ context.Context, job entity.Job, pages []entity.PageUnit, budget entity.RunBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, common.ErrConflict)
	}
	rec := &memJob{job: cloneJob(job), cards: make(map[string]entity.QuestionCard), budget: budget}
	for _, p := range pages {
		rec.pages = append(rec.pages, clonePage(p))
	}
	s.jobs[job.ID] = rec
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (entity.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return entity.Job{}, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return cloneJob(rec.job), nil
}

func (s *MemoryStore) CompareAndSwapJob(_ context.Context, next entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[next.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", next.ID, common.ErrNotFound)
	}
	if rec.job.Version != next.Version-1 {
		return fmt.Errorf("job %s: %w", next.ID, common.ErrConflict)
	}
	next.UpdatedAt = s.now()
	rec.job = cloneJob(next)
	return nil
}

func (s *MemoryStore) page(jobID uuid.UUID, index int) (*memJob, error) {
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrNotFound)
	}
	if index < 0 || index >= len(rec.pages) {
		return nil, fmt.Errorf("page %s/%d: %w", jobID, index, common.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) GetPage(_ context.Context, jobID uuid.UUID, index int) (entity.PageUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.page(jobID, index)
	if err != nil {
		return entity.PageUnit{}, err
	}
	return clonePage(rec.pages[index]), nil
}

func (s *MemoryStore) ListPages(_ context.Context, jobID uuid.UUID) ([]entity.PageUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrNotFound)
	}
	out := make([]entity.PageUnit, 0, len(rec.pages))
	for _, p := range rec.pages {
		out = append(out, clonePage(p))
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwapPage(_ context.Context, next entity.PageUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.page(next.JobID, next.Index)
	if err != nil {
		return err
	}
	if rec.pages[next.Index].Version != next.Version-1 {
		return fmt.Errorf("page %s/%d: %w", next.JobID, next.Index, common.ErrConflict)
	}
	next.UpdatedAt = s.now()
	rec.pages[next.Index] = clonePage(next)
	return nil
}

func (s *MemoryStore) CreateCards(_ context.Context, cards []entity.QuestionCard) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range cards {
		rec, ok := s.jobs[c.JobID]
		if !ok {
			return inserted, fmt.Errorf("job %s: %w", c.JobID, common.ErrNotFound)
		}
		if _, exists := rec.cards[c.ID]; exists {
			continue
		}
		c.Version = 1
		c.UpdatedAt = s.now()
		rec.cards[c.ID] = cloneCard(c)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) SaveCards(_ context.Context, cards []entity.QuestionCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cards {
		rec, ok := s.jobs[c.JobID]
		if !ok {
			return fmt.Errorf("job %s: %w", c.JobID, common.ErrNotFound)
		}
		c.Version = rec.cards[c.ID].Version + 1
		c.UpdatedAt = s.now()
		rec.cards[c.ID] = cloneCard(c)
	}
	return nil
}

func (s *MemoryStore) GetCard(_ context.Context, jobID uuid.UUID, id string) (entity.QuestionCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return entity.QuestionCard{}, fmt.Errorf("job %s: %w", jobID, common.ErrNotFound)
	}
	c, ok := rec.cards[id]
	if !ok {
		return entity.QuestionCard{}, fmt.Errorf("card %s/%s: %w", jobID, id, common.ErrNotFound)
	}
	return cloneCard(c), nil
}

func (s *MemoryStore) CompareAndSwapCard(_ context.Context, next entity.QuestionCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[next.JobID]
	if !ok {
		return fmt.Errorf("job %s: %w", next.JobID, common.ErrNotFound)
	}
	cur, ok := rec.cards[next.ID]
	if !ok {
		return fmt.Errorf("card %s/%s: %w", next.JobID, next.ID, common.ErrNotFound)
	}
	if cur.Version != next.Version-1 {
		return fmt.Errorf("card %s/%s: %w", next.JobID, next.ID, common.ErrConflict)
	}
	next.UpdatedAt = s.now()
	rec.cards[next.ID] = cloneCard(next)
	return nil
}

func (s *MemoryStore) ListCards(_ context.Context, jobID uuid.UUID) ([]entity.QuestionCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrNotFound)
	}
	out := make([]entity.QuestionCard, 0, len(rec.cards))
	for _, c := range rec.cards {
		out = append(out, cloneCard(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageIndex != out[j].PageIndex {
			return out[i].PageIndex < out[j].PageIndex
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (s *MemoryStore) LoadBudget(_ context.Context, jobID uuid.UUID) (entity.RunBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return entity.RunBudget{}, fmt.Errorf("budget %s: %w", jobID, common.ErrNotFound)
	}
	return rec.budget, nil
}

func (s *MemoryStore) CompareAndSwapBudget(_ context.Context, next entity.RunBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[next.JobID]
	if !ok {
		return fmt.Errorf("budget %s: %w", next.JobID, common.ErrNotFound)
	}
	if rec.budget.Version != next.Version-1 {
		return fmt.Errorf("budget %s: %w", next.JobID, common.ErrConflict)
	}
	rec.budget = next
	return nil
}
