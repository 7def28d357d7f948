// Package submit delivers fused claims to the external submission endpoint
// without losing or duplicating work: every attempt passes through the
// shared circuit breaker and a bounded exponential-backoff retry loop.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/claims-cli/internal/model"
	"github.com/sells-group/claims-cli/internal/resilience"
	"github.com/sells-group/claims-cli/pkg/claims"
)

// Submitter delivers one job's fused claim to the external system.
type Submitter interface {
	Submit(ctx context.Context, job *model.Job, fused *model.FusedResult) model.SubmissionOutcome
}

// ClaimSubmitter wraps the claims API client with the circuit breaker, an
// outbound rate limiter, and the retry policy.
type ClaimSubmitter struct {
	client  claims.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	limiter *rate.Limiter

	// nowFunc allows test injection of the submission timestamp.
	nowFunc func() time.Time
}

// New creates a submitter. ratePerSec <= 0 disables outbound pacing.
func New(client claims.Client, breaker *resilience.Breaker, retryCfg resilience.RetryConfig, ratePerSec float64) *ClaimSubmitter {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	if retryCfg.ShouldRetry == nil {
		retryCfg.ShouldRetry = shouldRetry
	}
	return &ClaimSubmitter{
		client:  client,
		breaker: breaker,
		retry:   retryCfg,
		nowFunc: time.Now,
		limiter: limiter,
	}
}

// shouldRetry treats circuit-open rejections like transient failures: the
// job stays eligible for a later attempt, and no external call was made.
func shouldRetry(err error) bool {
	return resilience.IsTransient(err) || errors.Is(err, resilience.ErrCircuitOpen)
}

// Submit makes bounded attempts to deliver the claim and reports the final
// outcome. It never panics or loses the failure reason: exhausted retries,
// validation rejections and circuit-open rejections are all classified.
func (s *ClaimSubmitter) Submit(ctx context.Context, job *model.Job, fused *model.FusedResult) model.SubmissionOutcome {
	req := s.buildRequest(job, fused)

	attempts := 0
	cfg := s.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("submit_claim")
	}

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*claims.SubmitResponse, error) {
		attempts++
		return s.attempt(ctx, req)
	})
	if err == nil {
		zap.L().Info("claim submitted",
			zap.String("job_id", job.ID),
			zap.String("claim_ref", resp.ClaimReference),
			zap.Int("attempts", attempts),
		)
		return model.SubmissionOutcome{
			Success:  true,
			ClaimRef: resp.ClaimReference,
			Attempts: attempts,
		}
	}

	outcome := classify(err)
	outcome.Attempts = attempts
	zap.L().Warn("claim submission failed",
		zap.String("job_id", job.ID),
		zap.String("failure", string(outcome.Failure)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return outcome
}

// attempt makes at most one external call. The breaker is consulted first;
// an open-circuit rejection returns before any network traffic and without
// touching the breaker counters.
func (s *ClaimSubmitter) attempt(ctx context.Context, req claims.SubmitRequest) (*claims.SubmitResponse, error) {
	if err := s.breaker.CallAllowed(); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := s.client.SubmitClaim(ctx, req)
	if err == nil {
		s.breaker.RecordSuccess()
		return resp, nil
	}

	var apiErr *claims.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Fatal():
			s.breaker.RecordFailure(false)
			return nil, &resilience.FatalError{Err: apiErr, StatusCode: apiErr.StatusCode}
		case apiErr.RateLimited():
			s.breaker.RecordFailure(true)
			return nil, &resilience.RateLimitedError{Err: apiErr, RetryAfter: apiErr.RetryAfter}
		default:
			s.breaker.RecordFailure(true)
			return nil, resilience.NewTransientError(apiErr, apiErr.StatusCode)
		}
	}

	// Timeouts and connection failures: the breaker must observe these even
	// when the caller is about to give up on the attempt.
	if !errors.Is(err, context.Canceled) {
		s.breaker.RecordFailure(true)
	}
	return nil, err
}

// classify maps a final submission error to an outcome with a preserved
// reason.
func classify(err error) model.SubmissionOutcome {
	var fatal *resilience.FatalError
	if errors.As(err, &fatal) {
		return model.SubmissionOutcome{
			Failure: model.FailureValidation,
			Message: fatal.Err.Error(),
		}
	}

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		return model.SubmissionOutcome{
			Failure:    model.FailureCircuitOpen,
			Message:    open.Error(),
			RetryAfter: open.RemainingWait,
		}
	}

	var rl *resilience.RateLimitedError
	if errors.As(err, &rl) {
		return model.SubmissionOutcome{
			Failure:    model.FailureRateLimited,
			Message:    rl.Error(),
			RetryAfter: rl.RetryAfter,
		}
	}

	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode >= 500 {
		return model.SubmissionOutcome{
			Failure: model.FailureServer,
			Message: te.Error(),
		}
	}

	return model.SubmissionOutcome{
		Failure: model.FailureConnection,
		Message: err.Error(),
	}
}

// buildRequest assembles the outbound request from the fused fields plus job
// provenance metadata.
func (s *ClaimSubmitter) buildRequest(job *model.Job, fused *model.FusedResult) claims.SubmitRequest {
	req := claims.SubmitRequest{
		SubmittedAt: s.nowFunc().UTC().Format(time.RFC3339),
		Metadata: claims.Metadata{
			SourceEmailID:  job.EmailID,
			SourceFilename: job.Filename,
		},
	}
	if fused == nil {
		return req
	}
	req.Metadata.ExtractionConfidence = fused.OverallConfidence

	if ff, ok := fused.Get("service_date"); ok {
		req.EventDate = isoDate(ff.Value)
	}
	if ff, ok := fused.Get("amount"); ok {
		req.Amount = amountOf(ff.Value)
	}
	if ff, ok := fused.Get("invoice_number"); ok {
		req.InvoiceNumber = fmt.Sprintf("%v", ff.Value)
	}
	if ff, ok := fused.Get("policy_number"); ok {
		req.PolicyNumber = fmt.Sprintf("%v", ff.Value)
	}
	return req
}

var requestDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"02.01.2006",
}

// isoDate renders a date value as an ISO calendar date, passing unparseable
// strings through unchanged.
func isoDate(v any) string {
	switch d := v.(type) {
	case time.Time:
		return d.Format("2006-01-02")
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range requestDateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02")
			}
		}
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

func amountOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		cleaned = strings.TrimPrefix(cleaned, "$")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
