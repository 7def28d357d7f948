package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/config"
	"github.com/sells-group/claims-cli/internal/fusion"
	"github.com/sells-group/claims-cli/internal/jobstore"
	"github.com/sells-group/claims-cli/internal/model"
	"github.com/sells-group/claims-cli/internal/routing"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore is an in-memory Store for controller tests.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	exceptions []jobstore.ExceptionEntry
	order      []string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*model.Job)}
}

func (m *memStore) CreateJob(_ context.Context, job *model.Job) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := *job
	if created.ID == "" {
		created.ID = "job-" + time.Now().Format("150405.000000000")
	}
	if created.Status == "" {
		created.Status = model.JobStatusPending
	}
	m.jobs[created.ID] = &created
	m.order = append(m.order, created.ID)
	return &created, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) ListJobs(_ context.Context, _ jobstore.JobFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []model.Job
	for _, id := range m.order {
		jobs = append(jobs, *m.jobs[id])
	}
	return jobs, nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[model.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.JobStatus]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *memStore) ClaimPending(_ context.Context) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.jobs[id].Status == model.JobStatusPending {
			m.jobs[id].Status = model.JobStatusProcessing
			copied := *m.jobs[id]
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveFused(_ context.Context, id string, fused *model.FusedResult, needsReview bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	job.Fused = fused
	job.NeedsReview = needsReview
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id string, status model.JobStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	job.Status = status
	job.Reason = reason
	return nil
}

func (m *memStore) MarkSubmitted(_ context.Context, id, claimRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	job.Status = model.JobStatusSubmitted
	job.ClaimRef = claimRef
	job.Reason = reason
	return nil
}

func (m *memStore) PushException(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions = append(m.exceptions, jobstore.ExceptionEntry{
		ID: jobID + "-exc", JobID: jobID, Reason: reason, CreatedAt: time.Now(),
	})
	return nil
}

func (m *memStore) ListExceptions(_ context.Context, _ int) ([]jobstore.ExceptionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobstore.ExceptionEntry(nil), m.exceptions...), nil
}

func (m *memStore) Retry(_ context.Context, id string, maxRetries int) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if !model.CanRetry(job.Status) {
		return nil, jobstore.ErrRetryExhausted
	}
	if job.RetryCount >= maxRetries {
		return nil, jobstore.ErrRetryExhausted
	}
	job.Status = model.JobStatusPending
	job.RetryCount++
	job.Fused = nil
	job.NeedsReview = false
	job.ClaimRef = ""
	job.Reason = ""
	copied := *job
	return &copied, nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

// stubSubmitter returns a fixed outcome.
type stubSubmitter struct {
	outcome model.SubmissionOutcome
	calls   int
}

func (s *stubSubmitter) Submit(_ context.Context, _ *model.Job, _ *model.FusedResult) model.SubmissionOutcome {
	s.calls++
	return s.outcome
}

func testController(store jobstore.Store, sub *stubSubmitter) *Controller {
	fusionCfg := config.FusionConfig{HighThreshold: 0.90, MediumThreshold: 0.75, FuzzyThreshold: 0.85}
	engine := fusion.NewEngine(fusionCfg, model.DefaultFields())
	policy := routing.NewPolicy(config.RoutingConfig{}, fusionCfg, model.DefaultFields()).
		WithSampler(func() float64 { return 1.0 })
	return NewController(store, engine, policy, sub)
}

// strongJob carries both extractions agreeing on every required field with
// high confidence, yielding an auto-submit route.
func strongJob(t *testing.T, store jobstore.Store) *model.Job {
	t.Helper()
	job, err := store.CreateJob(context.Background(), &model.Job{
		EmailID:  "msg-001",
		Filename: "receipt.pdf",
		Email: &model.Extraction{
			Source: model.SourceEmail,
			Fields: map[string]model.FieldValue{
				"member_id":     {Value: "M-1001", Confidence: 0.95},
				"policy_number": {Value: "POL-88", Confidence: 0.93},
				"amount":        {Value: 120.50, Confidence: 0.88},
				"service_date":  {Value: "2025-03-15", Confidence: 0.90},
				"provider":      {Value: "City Clinic", Confidence: 0.91},
			},
		},
		OCR: &model.Extraction{
			Source: model.SourceOCR,
			Fields: map[string]model.FieldValue{
				"amount":       {Value: "120.50", Confidence: 0.92},
				"service_date": {Value: "03/15/2025", Confidence: 0.93},
				"provider":     {Value: "city clinic", Confidence: 0.90},
			},
		},
	})
	require.NoError(t, err)
	job.Status = model.JobStatusProcessing
	require.NoError(t, store.UpdateStatus(context.Background(), job.ID, model.JobStatusProcessing, ""))
	return job
}

// weakJob has only a low-confidence partial extraction, yielding escalation.
func weakJob(t *testing.T, store jobstore.Store) *model.Job {
	t.Helper()
	job, err := store.CreateJob(context.Background(), &model.Job{
		Email: &model.Extraction{
			Source: model.SourceEmail,
			Fields: map[string]model.FieldValue{
				"member_id": {Value: "M-1001", Confidence: 0.40},
			},
		},
	})
	require.NoError(t, err)
	job.Status = model.JobStatusProcessing
	require.NoError(t, store.UpdateStatus(context.Background(), job.ID, model.JobStatusProcessing, ""))
	return job
}

func TestProcessJob_AutoSubmitSuccess(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Success: true, ClaimRef: "CLM-42", Attempts: 1,
	}}
	c := testController(store, sub)

	job := strongJob(t, store)
	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSubmitted, final.Status)
	assert.Equal(t, "CLM-42", final.ClaimRef)
	assert.False(t, final.NeedsReview)
	require.NotNil(t, final.Fused)
	assert.Equal(t, model.ConfidenceHigh, final.Fused.Level)
	assert.Equal(t, 1, sub.calls)
	assert.Empty(t, store.exceptions)
}

func TestProcessJob_EscalatesLowConfidence(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{}
	c := testController(store, sub)

	job := weakJob(t, store)
	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusException, final.Status)
	assert.NotEmpty(t, final.Reason)
	assert.Equal(t, 0, sub.calls, "escalated jobs are never submitted")

	require.Len(t, store.exceptions, 1)
	assert.Equal(t, job.ID, store.exceptions[0].JobID)
}

func TestProcessJob_ValidationFailureEscalates(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Failure: model.FailureValidation,
		Message: "claims: status 422: policy number not found",
	}}
	c := testController(store, sub)

	job := strongJob(t, store)
	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusException, final.Status)
	assert.Contains(t, final.Reason, "policy number not found")
	require.Len(t, store.exceptions, 1)
}

func TestProcessJob_TransientExhaustionFails(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Failure:  model.FailureServer,
		Message:  "claims: status 503: unavailable",
		Attempts: 3,
	}}
	c := testController(store, sub)

	job := strongJob(t, store)
	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.Reason, "server")
	assert.Contains(t, final.Reason, "unavailable")
	assert.Empty(t, store.exceptions, "transient failures do not join the exception list")
}

func TestProcessJob_CircuitOpenFails(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Failure:    model.FailureCircuitOpen,
		Message:    "circuit breaker is open, retry in 45s",
		RetryAfter: 45 * time.Second,
	}}
	c := testController(store, sub)

	job := strongJob(t, store)
	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.Reason, "circuit_open")
}

func TestProcessJob_MediumConfidenceSubmitsWithReview(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Success: true, ClaimRef: "CLM-77", Attempts: 1,
	}}
	c := testController(store, sub)

	// All required fields present from a single source with medium scores.
	job, err := store.CreateJob(context.Background(), &model.Job{
		Email: &model.Extraction{
			Source: model.SourceEmail,
			Fields: map[string]model.FieldValue{
				"member_id":     {Value: "M-1001", Confidence: 0.80},
				"policy_number": {Value: "POL-88", Confidence: 0.80},
				"amount":        {Value: 120.50, Confidence: 0.80},
				"service_date":  {Value: "2025-03-15", Confidence: 0.80},
				"provider":      {Value: "City Clinic", Confidence: 0.80},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(context.Background(), job.ID, model.JobStatusProcessing, ""))
	job.Status = model.JobStatusProcessing

	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusSubmitted, final.Status)
	assert.True(t, final.NeedsReview, "medium confidence submissions are flagged for review")
	assert.Equal(t, 1, sub.calls)
}

func TestProcessJob_NoExtractionsEscalates(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{}
	c := testController(store, sub)

	job, err := store.CreateJob(context.Background(), &model.Job{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(context.Background(), job.ID, model.JobStatusProcessing, ""))
	job.Status = model.JobStatusProcessing

	require.NoError(t, c.ProcessJob(context.Background(), job))

	final, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusException, final.Status)
	assert.Equal(t, 0, sub.calls)
}

func TestWorker_DrainsQueueAndStops(t *testing.T) {
	store := newMemStore()
	sub := &stubSubmitter{outcome: model.SubmissionOutcome{
		Success: true, ClaimRef: "CLM-1", Attempts: 1,
	}}
	c := testController(store, sub)

	for i := 0; i < 3; i++ {
		strongJobPending(t, store)
	}

	w := NewWorker(store, c, 2, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, w.Run(ctx))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.JobStatusSubmitted])
	assert.Equal(t, 0, counts[model.JobStatusPending])
}

// strongJobPending creates a strong job without claiming it.
func strongJobPending(t *testing.T, store jobstore.Store) {
	t.Helper()
	_, err := store.CreateJob(context.Background(), &model.Job{
		Email: &model.Extraction{
			Source: model.SourceEmail,
			Fields: map[string]model.FieldValue{
				"member_id":     {Value: "M-1001", Confidence: 0.95},
				"policy_number": {Value: "POL-88", Confidence: 0.95},
				"amount":        {Value: 120.50, Confidence: 0.95},
				"service_date":  {Value: "2025-03-15", Confidence: 0.95},
				"provider":      {Value: "City Clinic", Confidence: 0.95},
			},
		},
	})
	require.NoError(t, err)
}
