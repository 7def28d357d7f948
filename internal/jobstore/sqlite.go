package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/claims-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'pending',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	email_id     TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL DEFAULT '',
	email        TEXT,
	ocr          TEXT,
	fused        TEXT,
	needs_review INTEGER NOT NULL DEFAULT 0,
	claim_ref    TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS exceptions (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	reason     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_exceptions_job_id ON exceptions(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, status, retry_count, email_id, filename, email, ocr, fused, needs_review, claim_ref, reason, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, retry_count, email_id, filename, email, ocr, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, string(created.Status), created.RetryCount,
		created.EmailID, created.Filename, emailJSON, ocrJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return &created, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

func (s *SQLiteStore) ClaimPending(ctx context.Context) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1`,
		string(model.JobStatusPending))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusProcessing), now, job.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", job.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}

	job.Status = model.JobStatusProcessing
	job.UpdatedAt = now
	return job, nil
}

func (s *SQLiteStore) SaveFused(ctx context.Context, id string, fused *model.FusedResult, needsReview bool) error {
	fusedJSON, err := json.Marshal(fused)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fused result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET fused = ?, needs_review = ?, updated_at = ? WHERE id = ?`,
		string(fusedJSON), boolToInt(needsReview), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save fused %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.JobStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) MarkSubmitted(ctx context.Context, id, claimRef, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claim_ref = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusSubmitted), claimRef, reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark submitted %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) PushException(ctx context.Context, jobID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exceptions (id, job_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), jobID, reason, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: push exception %s", jobID)
}

func (s *SQLiteStore) ListExceptions(ctx context.Context, limit int) ([]ExceptionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, reason, created_at FROM exceptions ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list exceptions")
	}
	defer rows.Close()

	var entries []ExceptionEntry
	for rows.Next() {
		var e ExceptionEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan exception")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate exceptions")
}

func (s *SQLiteStore) Retry(ctx context.Context, id string, maxRetries int) (*model.Job, error) {
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

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retry_count = retry_count + 1, fused = NULL,
		        needs_review = 0, claim_ref = '', reason = '', updated_at = ?
		 WHERE id = ?`,
		string(model.JobStatusPending), now, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: retry job %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status string
	var emailJSON, ocrJSON, fusedJSON sql.NullString
	var needsReview int

	err := row.Scan(&j.ID, &status, &j.RetryCount, &j.EmailID, &j.Filename,
		&emailJSON, &ocrJSON, &fusedJSON, &needsReview, &j.ClaimRef, &j.Reason,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.Status = model.JobStatus(status)
	j.NeedsReview = needsReview != 0
	if err := unmarshalJob(&j, emailJSON, ocrJSON, fusedJSON); err != nil {
		return nil, err
	}
	return &j, nil
}

func unmarshalJob(j *model.Job, emailJSON, ocrJSON, fusedJSON sql.NullString) error {
	if emailJSON.Valid && emailJSON.String != "" {
		j.Email = &model.Extraction{}
		if err := json.Unmarshal([]byte(emailJSON.String), j.Email); err != nil {
			return eris.Wrap(err, "unmarshal email extraction")
		}
	}
	if ocrJSON.Valid && ocrJSON.String != "" {
		j.OCR = &model.Extraction{}
		if err := json.Unmarshal([]byte(ocrJSON.String), j.OCR); err != nil {
			return eris.Wrap(err, "unmarshal ocr extraction")
		}
	}
	if fusedJSON.Valid && fusedJSON.String != "" {
		j.Fused = &model.FusedResult{}
		if err := json.Unmarshal([]byte(fusedJSON.String), j.Fused); err != nil {
			return eris.Wrap(err, "unmarshal fused result")
		}
	}
	return nil
}

func marshalExtractions(j *model.Job) (emailJSON, ocrJSON any, err error) {
	if j.Email != nil {
		b, err := json.Marshal(j.Email)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal email extraction")
		}
		emailJSON = string(b)
	}
	if j.OCR != nil {
		b, err := json.Marshal(j.OCR)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal ocr extraction")
		}
		ocrJSON = string(b)
	}
	return emailJSON, ocrJSON, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
