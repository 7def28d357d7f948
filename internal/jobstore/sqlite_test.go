package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/claims-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleJob() *model.Job {
	return &model.Job{
		EmailID:  "msg-001",
		Filename: "receipt.pdf",
		Email: &model.Extraction{
			Source: model.SourceEmail,
			Fields: map[string]model.FieldValue{
				"member_id": {Value: "M-1001", Confidence: 0.95},
				"amount":    {Value: 120.50, Confidence: 0.80},
			},
		},
		OCR: &model.Extraction{
			Source: model.SourceOCR,
			Fields: map[string]model.FieldValue{
				"amount": {Value: 120.50, Confidence: 0.93},
			},
		},
	}
}

func TestSQLite_CreateAndGetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.JobStatusPending, created.Status)

	got, err := st.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "msg-001", got.EmailID)
	assert.Equal(t, "receipt.pdf", got.Filename)
	require.NotNil(t, got.Email)
	assert.Equal(t, "M-1001", got.Email.Fields["member_id"].Value)
	require.NotNil(t, got.OCR)
	assert.Nil(t, got.Fused)
}

func TestSQLite_GetJob_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetJob(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListJobs_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	require.NoError(t, st.UpdateStatus(ctx, a.ID, model.JobStatusProcessing, ""))

	pending, err := st.ListJobs(ctx, JobFilter{Status: model.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := st.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_CountByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateJob(ctx, sampleJob())
		require.NoError(t, err)
	}
	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, job.ID, model.JobStatusFailed, "gave up"))

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.JobStatusPending])
	assert.Equal(t, 1, counts[model.JobStatusFailed])
}

func TestSQLite_ClaimPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	claimed, err := st.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest job is claimed first")
	assert.Equal(t, model.JobStatusProcessing, claimed.Status)

	// The claim is persisted.
	got, err := st.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestSQLite_ClaimPending_EmptyQueue(t *testing.T) {
	st := newTestSQLiteStore(t)

	job, err := st.ClaimPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSQLite_SaveFused(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	fused := &model.FusedResult{
		Fields: map[string]model.FusedField{
			"amount": {Value: 120.50, Confidence: 1.0, Source: model.SourceBoth},
		},
		OverallConfidence: 0.96,
		Level:             model.ConfidenceHigh,
	}
	require.NoError(t, st.SaveFused(ctx, job.ID, fused, true))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Fused)
	assert.Equal(t, 0.96, got.Fused.OverallConfidence)
	assert.Equal(t, model.ConfidenceHigh, got.Fused.Level)
	assert.True(t, got.NeedsReview)

	err = st.SaveFused(ctx, "nonexistent", fused, false)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_MarkSubmitted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	require.NoError(t, st.MarkSubmitted(ctx, job.ID, "CLM-2025-0042", "submitted as CLM-2025-0042"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSubmitted, got.Status)
	assert.Equal(t, "CLM-2025-0042", got.ClaimRef)
	assert.Contains(t, got.Reason, "CLM-2025-0042")
}

func TestSQLite_Exceptions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	require.NoError(t, st.PushException(ctx, job.ID, "low confidence"))
	require.NoError(t, st.PushException(ctx, job.ID, "missing fields"))

	entries, err := st.ListExceptions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, job.ID, e.JobID)
		assert.NotEmpty(t, e.Reason)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestSQLite_Retry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	fused := &model.FusedResult{OverallConfidence: 0.5, Level: model.ConfidenceLow}
	require.NoError(t, st.SaveFused(ctx, job.ID, fused, true))
	require.NoError(t, st.UpdateStatus(ctx, job.ID, model.JobStatusFailed, "connection: timeout"))

	retried, err := st.Retry(ctx, job.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.Fused, "retry clears the previous fused result")
	assert.False(t, retried.NeedsReview)
	assert.Empty(t, retried.Reason)

	// Source extractions survive the reset.
	require.NotNil(t, retried.Email)
	require.NotNil(t, retried.OCR)
}

func TestSQLite_Retry_NonRetryableStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	_, err = st.Retry(ctx, job.ID, 3)
	assert.Error(t, err, "pending jobs cannot be retried")

	require.NoError(t, st.MarkSubmitted(ctx, job.ID, "CLM-1", "done"))
	_, err = st.Retry(ctx, job.ID, 3)
	assert.Error(t, err, "submitted jobs cannot be retried")
}

func TestSQLite_Retry_BudgetExhausted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, sampleJob())
	require.NoError(t, err)

	// Exhaust the budget of 2.
	for i := 0; i < 2; i++ {
		require.NoError(t, st.UpdateStatus(ctx, job.ID, model.JobStatusFailed, "transient"))
		_, err = st.Retry(ctx, job.ID, 2)
		require.NoError(t, err)
	}

	require.NoError(t, st.UpdateStatus(ctx, job.ID, model.JobStatusFailed, "transient"))
	_, err = st.Retry(ctx, job.ID, 2)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
}
