package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

const jobColumns = `job_id, tenant_id, collection_id, domain, status, pages_found, pages_processed,
	pages_failed, pages_dropped, documents_indexed, documents_failed, options, owner,
	cancel_requested, error, started_at, updated_at, completed_at`

const activeFilter = `status NOT IN ('completed', 'failed', 'cancelled')`

// CreateJob inserts a job. A second non-terminal job for the same key fails
// with *models.DuplicateJobError naming the existing job.
func (s *Store) CreateJob(ctx context.Context, job models.IndexingJob) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO indexing_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.TenantID, job.CollectionID, job.Domain, string(job.Status),
		job.PagesFound, job.PagesProcessed, job.PagesFailed, job.PagesDropped,
		job.DocumentsIndexed, job.DocumentsFailed, string(opts), job.Owner,
		job.CancelRequested, job.Error, millis(job.StartedAt), millis(job.UpdatedAt),
		nullMillis(job.CompletedAt))
	if isUniqueViolation(err) {
		dup := &models.DuplicateJobError{TenantID: job.TenantID, CollectionID: job.CollectionID}
		if active, aerr := s.ActiveJob(ctx, job.Key()); aerr == nil {
			dup.JobID = active.JobID
		}
		return dup
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob overwrites a job's progress fields while the row is still active,
// owned by job.Owner and not ahead of job.Status. Otherwise it fails with
// models.ErrLeaseLost. A cancel request already recorded is never cleared.
func (s *Store) UpdateJob(ctx context.Context, job models.IndexingJob) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	from := models.ReplaceableBy(job.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown job status %q", models.ErrInvalidInput, job.Status)
	}
	args := []any{
		string(job.Status), job.PagesFound, job.PagesProcessed, job.PagesFailed, job.PagesDropped,
		job.DocumentsIndexed, job.DocumentsFailed, string(opts),
		job.CancelRequested, job.Error, millis(job.UpdatedAt), nullMillis(job.CompletedAt),
		job.JobID, job.Owner,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE indexing_jobs SET
			status = ?, pages_found = ?, pages_processed = ?, pages_failed = ?, pages_dropped = ?,
			documents_indexed = ?, documents_failed = ?, options = ?,
			cancel_requested = MAX(cancel_requested, ?), error = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ? AND owner = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	stored, err := s.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	if err := models.CheckJobWrite(stored, job); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", job.JobID, models.ErrLeaseLost)
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.IndexingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM indexing_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, err
}

// ActiveJob returns the non-terminal job of key.
func (s *Store) ActiveJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM indexing_jobs
		WHERE tenant_id = ? AND collection_id = ? AND `+activeFilter+` LIMIT 1`,
		key.TenantID, key.CollectionID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("active job for %s: %w", key, models.ErrNotFound)
	}
	return job, err
}

// LatestJob returns the most recently started job of key.
func (s *Store) LatestJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM indexing_jobs
		WHERE tenant_id = ? AND collection_id = ? ORDER BY started_at DESC, job_id DESC LIMIT 1`,
		key.TenantID, key.CollectionID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("job for %s: %w", key, models.ErrNotFound)
	}
	return job, err
}

// ListJobs returns a tenant's jobs, newest first. An empty tenant lists all.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.IndexingJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM indexing_jobs`
	var args []any
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY started_at DESC, job_id DESC LIMIT ?`
	args = append(args, limit)
	return s.queryJobs(ctx, q, args...)
}

// ListActiveJobs returns every non-terminal job.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.IndexingJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM indexing_jobs WHERE `+activeFilter+` ORDER BY started_at`)
}

// RequestCancel flags an active job for cancellation. Terminal jobs are left alone.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE indexing_jobs SET cancel_requested = 1, updated_at = ?
		WHERE job_id = ? AND `+activeFilter, millis(s.now()), jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]models.IndexingJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.IndexingJob, error) {
	var (
		job              models.IndexingJob
		status           string
		opts             sql.NullString
		started, updated int64
		completed        sql.NullInt64
	)
	err := row.Scan(&job.JobID, &job.TenantID, &job.CollectionID, &job.Domain, &status,
		&job.PagesFound, &job.PagesProcessed, &job.PagesFailed, &job.PagesDropped,
		&job.DocumentsIndexed, &job.DocumentsFailed, &opts, &job.Owner,
		&job.CancelRequested, &job.Error, &started, &updated, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, err
		}
		return job, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &job.Options); err != nil {
			return job, fmt.Errorf("decode options of job %s: %w", job.JobID, err)
		}
	}
	job.StartedAt = fromMillis(started)
	job.UpdatedAt = fromMillis(updated)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}
