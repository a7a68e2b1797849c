package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/jobs"
)

// JobService is what the transports need from the jobs package.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (jobs.Snapshot, error)
	Requeue(ctx context.Context, id uuid.UUID) (int, error)
}

// Exporter renders a job as an XLSX workbook.
type Exporter interface {
	JobXLSX(ctx context.Context, jobID uuid.UUID) ([]byte, error)
}
