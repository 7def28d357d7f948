package model

import "time"

// FailureKind classifies a failed submission attempt.
type FailureKind string

const (
	FailureValidation  FailureKind = "validation"
	FailureRateLimited FailureKind = "rate_limited"
	FailureConnection  FailureKind = "connection"
	FailureServer      FailureKind = "server"
	FailureCircuitOpen FailureKind = "circuit_open"
)

// SubmissionOutcome is the result of one claim submission, after any retries.
type SubmissionOutcome struct {
	Success bool `json:"success"`
	// ClaimRef is the opaque reference assigned by the external system on
	// success.
	ClaimRef string      `json:"claim_ref,omitempty"`
	Failure  FailureKind `json:"failure,omitempty"`
	Message  string      `json:"message,omitempty"`
	Attempts int         `json:"attempts"`
	// RetryAfter is the server-requested wait on rate-limited failures.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
