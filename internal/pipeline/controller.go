// Package pipeline orchestrates one claim job at a time: fuse the two
// extractions, route the result, submit when allowed, and persist the
// outcome with a recorded reason.
package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/fusion"
	"github.com/sells-group/claims-cli/internal/jobstore"
	"github.com/sells-group/claims-cli/internal/model"
	"github.com/sells-group/claims-cli/internal/routing"
	"github.com/sells-group/claims-cli/internal/submit"
)

// Controller drives a single job through fusion, routing and submission,
// writing each status change back to the job store.
type Controller struct {
	store     jobstore.Store
	engine    *fusion.Engine
	policy    *routing.Policy
	submitter submit.Submitter
}

// NewController wires the pipeline stages together.
func NewController(store jobstore.Store, engine *fusion.Engine, policy *routing.Policy, submitter submit.Submitter) *Controller {
	return &Controller{
		store:     store,
		engine:    engine,
		policy:    policy,
		submitter: submitter,
	}
}

// ProcessJob runs one claimed job (already in processing status) end to end.
// Every terminal status carries a human-readable reason; no failure path is
// silent.
func (c *Controller) ProcessJob(ctx context.Context, job *model.Job) error {
	zap.L().Info("processing job",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
	)

	fused := c.engine.Fuse(job.Email, job.OCR)
	decision := c.policy.Route(fused)

	needsReview := decision.Action == routing.ActionSubmitWithReview
	if err := c.store.SaveFused(ctx, job.ID, fused, needsReview); err != nil {
		return eris.Wrapf(err, "pipeline: persist fused result for job %s", job.ID)
	}
	job.Fused = fused
	job.NeedsReview = needsReview

	if err := c.advance(ctx, job, model.JobStatusExtracted, decision.Reason); err != nil {
		return err
	}

	switch decision.Action {
	case routing.ActionEscalate:
		return c.escalate(ctx, job, decision.Reason)
	case routing.ActionAutoSubmit, routing.ActionSubmitWithReview:
		return c.submit(ctx, job, fused, decision)
	default:
		return eris.Errorf("pipeline: unknown routing action %q", decision.Action)
	}
}

func (c *Controller) submit(ctx context.Context, job *model.Job, fused *model.FusedResult, decision routing.Decision) error {
	zap.L().Info("submitting claim",
		zap.String("job_id", job.ID),
		zap.String("routing", string(decision.Action)),
		zap.String("reason_code", decision.ReasonCode),
		zap.Bool("needs_review", job.NeedsReview),
	)

	outcome := c.submitter.Submit(ctx, job, fused)
	switch {
	case outcome.Success:
		if err := model.ValidateTransition(job.Status, model.JobStatusSubmitted); err != nil {
			return err
		}
		if err := c.store.MarkSubmitted(ctx, job.ID, outcome.ClaimRef, "submitted as "+outcome.ClaimRef); err != nil {
			return eris.Wrapf(err, "pipeline: mark job %s submitted", job.ID)
		}
		job.Status = model.JobStatusSubmitted
		job.ClaimRef = outcome.ClaimRef
		return nil

	case outcome.Failure == model.FailureValidation:
		// Fatal: the external system rejected the claim data. Never retried.
		return c.escalate(ctx, job, "submission rejected: "+outcome.Message)

	default:
		// Transient exhaustion or circuit-open rejection: mark failed so a
		// later retry cycle can requeue the job.
		return c.fail(ctx, job, outcome)
	}
}

func (c *Controller) escalate(ctx context.Context, job *model.Job, reason string) error {
	if err := c.advance(ctx, job, model.JobStatusException, reason); err != nil {
		return err
	}
	if err := c.store.PushException(ctx, job.ID, reason); err != nil {
		return eris.Wrapf(err, "pipeline: push job %s onto exception list", job.ID)
	}
	zap.L().Warn("job escalated",
		zap.String("job_id", job.ID),
		zap.String("reason", reason),
	)
	return nil
}

func (c *Controller) fail(ctx context.Context, job *model.Job, outcome model.SubmissionOutcome) error {
	reason := string(outcome.Failure) + ": " + outcome.Message
	if err := c.advance(ctx, job, model.JobStatusFailed, reason); err != nil {
		return err
	}
	zap.L().Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("failure", string(outcome.Failure)),
		zap.Int("attempts", outcome.Attempts),
	)
	return nil
}

// advance validates the status transition against the job state machine
// before persisting it.
func (c *Controller) advance(ctx context.Context, job *model.Job, to model.JobStatus, reason string) error {
	if err := model.ValidateTransition(job.Status, to); err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, job.ID, to, reason); err != nil {
		return eris.Wrapf(err, "pipeline: update job %s to %s", job.ID, to)
	}
	job.Status = to
	job.Reason = reason
	return nil
}
