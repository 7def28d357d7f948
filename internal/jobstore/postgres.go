package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'pending',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	email_id     TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL DEFAULT '',
	email        JSONB,
	ocr          JSONB,
	fused        JSONB,
	needs_review BOOLEAN NOT NULL DEFAULT false,
	claim_ref    TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS exceptions (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_exceptions_job_id ON exceptions(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgJobColumns = `id, status, retry_count, email_id, filename, email, ocr, fused, needs_review, claim_ref, reason, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	created := *job
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Status == "" {
		created.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	emailJSON, ocrJSON, err := marshalExtractions(&created)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, retry_count, email_id, filename, email, ocr, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		created.ID, string(created.Status), created.RetryCount,
		created.EmailID, created.Filename, emailJSON, ocrJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return &created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) ClaimPending(ctx context.Context) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, updated_at = now()
		 WHERE id = (
			SELECT id FROM jobs WHERE status = $2
			ORDER BY created_at LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgJobColumns,
		string(model.JobStatusProcessing), string(model.JobStatusPending),
	)
	job, err := scanPgJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) SaveFused(ctx context.Context, id string, fused *model.FusedResult, needsReview bool) error {
	fusedJSON, err := json.Marshal(fused)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fused result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET fused = $1, needs_review = $2, updated_at = now() WHERE id = $3`,
		string(fusedJSON), needsReview, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save fused %s", id)
	}
	return checkPgRowsAffected(tag, id)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.JobStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, reason = $2, updated_at = now() WHERE id = $3`,
		string(status), reason, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", id)
	}
	return checkPgRowsAffected(tag, id)
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, id, claimRef, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, claim_ref = $2, reason = $3, updated_at = now() WHERE id = $4`,
		string(model.JobStatusSubmitted), claimRef, reason, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark submitted %s", id)
	}
	return checkPgRowsAffected(tag, id)
}

func (s *PostgresStore) PushException(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exceptions (id, job_id, reason, created_at) VALUES ($1, $2, $3, now())`,
		uuid.New().String(), jobID, reason,
	)
	return eris.Wrapf(err, "postgres: push exception %s", jobID)
}

func (s *PostgresStore) ListExceptions(ctx context.Context, limit int) ([]ExceptionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, reason, created_at FROM exceptions ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list exceptions")
	}
	defer rows.Close()

	var entries []ExceptionEntry
	for rows.Next() {
		var e ExceptionEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan exception")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate exceptions")
}

func (s *PostgresStore) Retry(ctx context.Context, id string, maxRetries int) (*model.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanRetry(job.Status) {
		return nil, eris.Errorf("job %s in status %s cannot be retried", id, job.Status)
	}
	if job.RetryCount >= maxRetries {
		return nil, eris.Wrapf(ErrRetryExhausted, "job %s at %d/%d retries", id, job.RetryCount, maxRetries)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, retry_count = retry_count + 1, fused = NULL,
		        needs_review = false, claim_ref = '', reason = '', updated_at = now()
		 WHERE id = $2`,
		string(model.JobStatusPending), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: retry job %s", id)
	}
	if err := checkPgRowsAffected(tag, id); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func checkPgRowsAffected(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status string
	var emailJSON, ocrJSON, fusedJSON *string
	var needsReview bool

	err := row.Scan(&j.ID, &status, &j.RetryCount, &j.EmailID, &j.Filename,
		&emailJSON, &ocrJSON, &fusedJSON, &needsReview, &j.ClaimRef, &j.Reason,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	j.Status = model.JobStatus(status)
	j.NeedsReview = needsReview
	if err := unmarshalJob(&j, nullString(emailJSON), nullString(ocrJSON), nullString(fusedJSON)); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullString(s *string) (ns sql.NullString) {
	if s != nil {
		ns.Valid = true
		ns.String = *s
	}
	return ns
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
