package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus represents the current state of a claim job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusExtracted  JobStatus = "extracted"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusException  JobStatus = "exception"
	JobStatusRejected   JobStatus = "rejected"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further automatic processing happens in this
// status. Failed and exception jobs can still be requeued via Retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSubmitted, JobStatusException, JobStatusRejected, JobStatusFailed:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a status change is not permitted.
var ErrInvalidTransition = eris.New("invalid job status transition")

// ValidateTransition checks a proposed status change against the job state
// machine. Transitions are one-directional; the only way back is Retry.
func ValidateTransition(from, to JobStatus) error {
	allowed := false
	switch from {
	case JobStatusPending:
		allowed = to == JobStatusProcessing
	case JobStatusProcessing:
		allowed = to == JobStatusExtracted || to == JobStatusException || to == JobStatusFailed
	case JobStatusExtracted:
		allowed = to == JobStatusSubmitted || to == JobStatusException ||
			to == JobStatusRejected || to == JobStatusFailed
	case JobStatusSubmitted, JobStatusException, JobStatusRejected, JobStatusFailed:
		allowed = false
	}
	if !allowed {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// CanRetry reports whether a job in status from may be reset to pending by
// the explicit retry operation.
func CanRetry(from JobStatus) bool {
	return from == JobStatusFailed || from == JobStatusException
}

// Job is one claim submission unit of work, persisted between pipeline
// stages. A job holds at most one FusedResult at a time; a retry clears it.
type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	RetryCount  int          `json:"retry_count"`
	EmailID     string       `json:"email_id,omitempty"`
	Filename    string       `json:"filename,omitempty"`
	Email       *Extraction  `json:"email,omitempty"`
	OCR         *Extraction  `json:"ocr,omitempty"`
	Fused       *FusedResult `json:"fused,omitempty"`
	NeedsReview bool         `json:"needs_review,omitempty"`
	ClaimRef    string       `json:"claim_ref,omitempty"`
	// Reason is the human-readable explanation for the current status. Every
	// terminal status carries one.
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
