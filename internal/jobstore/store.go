// Package jobstore persists claim jobs between pipeline stages and holds the
// exception list for escalated work.
package jobstore

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-cli/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = eris.New("job not found")

// ErrRetryExhausted is returned when a retry would exceed the configured
// maximum retry count.
var ErrRetryExhausted = eris.New("retry budget exhausted")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ExceptionEntry is one escalated job on the exception list.
type ExceptionEntry struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence interface for claim jobs.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)

	// ClaimPending atomically takes the oldest pending job and marks it
	// processing. Returns (nil, nil) when the queue is empty.
	ClaimPending(ctx context.Context) (*model.Job, error)

	// Pipeline writes
	SaveFused(ctx context.Context, id string, fused *model.FusedResult, needsReview bool) error
	UpdateStatus(ctx context.Context, id string, status model.JobStatus, reason string) error
	MarkSubmitted(ctx context.Context, id, claimRef, reason string) error

	// Exception list
	PushException(ctx context.Context, jobID, reason string) error
	ListExceptions(ctx context.Context, limit int) ([]ExceptionEntry, error)

	// Retry resets a failed or exception job back to pending and increments
	// its retry count, bounded by maxRetries.
	Retry(ctx context.Context, id string, maxRetries int) (*model.Job, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
