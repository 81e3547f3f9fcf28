package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

type jobRow struct {
	JobID            string `json:"job_id"`
	TenantID         string `json:"tenant_id"`
	CollectionID     string `json:"collection_id"`
	Domain           string `json:"domain"`
	Status           string `json:"status"`
	PagesFound       int    `json:"pages_found"`
	PagesProcessed   int    `json:"pages_processed"`
	PagesFailed      int    `json:"pages_failed"`
	PagesDropped     int    `json:"pages_dropped"`
	DocumentsIndexed int    `json:"documents_indexed"`
	DocumentsFailed  int    `json:"documents_failed"`
	Options          string `json:"options"`
	Owner            string `json:"owner"`
	CancelRequested  bool   `json:"cancel_requested"`
	Error            string `json:"error"`
	StartedAt        int64  `json:"started_at"`
	UpdatedAt        int64  `json:"updated_at"`
	CompletedAt      *int64 `json:"completed_at"`
}

const jobFields = `job_id, tenant_id, collection_id, domain, status, pages_found, pages_processed,
	pages_failed, pages_dropped, documents_indexed, documents_failed, options, owner,
	cancel_requested, error, started_at, updated_at, completed_at`

func (r jobRow) job() (models.IndexingJob, error) {
	job := models.IndexingJob{
		JobID:            r.JobID,
		TenantID:         r.TenantID,
		CollectionID:     r.CollectionID,
		Domain:           r.Domain,
		Status:           models.JobStatus(r.Status),
		PagesFound:       r.PagesFound,
		PagesProcessed:   r.PagesProcessed,
		PagesFailed:      r.PagesFailed,
		PagesDropped:     r.PagesDropped,
		DocumentsIndexed: r.DocumentsIndexed,
		DocumentsFailed:  r.DocumentsFailed,
		Owner:            r.Owner,
		CancelRequested:  r.CancelRequested,
		Error:            r.Error,
		StartedAt:        time.UnixMilli(r.StartedAt).UTC(),
		UpdatedAt:        time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Options != "" {
		if err := json.Unmarshal([]byte(r.Options), &job.Options); err != nil {
			return job, fmt.Errorf("decode options of job %s: %w", r.JobID, err)
		}
	}
	if r.CompletedAt != nil {
		t := time.UnixMilli(*r.CompletedAt).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func jobVars(job models.IndexingJob) (map[string]any, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("encode job options: %w", err)
	}
	var completed *int64
	if job.CompletedAt != nil {
		ms := job.CompletedAt.UnixMilli()
		completed = &ms
	}
	return map[string]any{
		"job_id":            job.JobID,
		"tenant_id":         job.TenantID,
		"collection_id":     job.CollectionID,
		"domain":            job.Domain,
		"status":            string(job.Status),
		"pages_found":       job.PagesFound,
		"pages_processed":   job.PagesProcessed,
		"pages_failed":      job.PagesFailed,
		"pages_dropped":     job.PagesDropped,
		"documents_indexed": job.DocumentsIndexed,
		"documents_failed":  job.DocumentsFailed,
		"options":           string(opts),
		"owner":             job.Owner,
		"cancel_requested":  job.CancelRequested,
		"error":             job.Error,
		"started_at":        job.StartedAt.UnixMilli(),
		"updated_at":        job.UpdatedAt.UnixMilli(),
		"completed_at":      completed,
		"active":            activeStatuses(),
	}, nil
}

func activeStatuses() []string {
	out := make([]string, len(models.ActiveJobStatuses))
	for i, s := range models.ActiveJobStatuses {
		out[i] = string(s)
	}
	return out
}

const jobSetClause = `
	status = $status,
	pages_found = $pages_found,
	pages_processed = $pages_processed,
	pages_failed = $pages_failed,
	pages_dropped = $pages_dropped,
	documents_indexed = $documents_indexed,
	documents_failed = $documents_failed,
	options = $options,
	owner = $owner,
	error = $error,
	updated_at = $updated_at,
	completed_at = $completed_at`

// CreateJob inserts a job inside a transaction that first checks the key has
// no other non-terminal job.
func (c *Client) CreateJob(ctx context.Context, job models.IndexingJob) error {
	vars, err := jobVars(job)
	if err != nil {
		return err
	}
	vars["marker"] = activeJobMarker

	sql := `
		BEGIN TRANSACTION;
		LET $existing = (SELECT VALUE job_id FROM indexing_job
			WHERE tenant_id = $tenant_id AND collection_id = $collection_id AND status IN $active);
		IF array::len($existing) > 0 { THROW $marker; };
		CREATE type::record("indexing_job", $job_id) SET
			job_id = $job_id,
			tenant_id = $tenant_id,
			collection_id = $collection_id,
			domain = $domain,
			cancel_requested = $cancel_requested,
			started_at = $started_at,` + jobSetClause + `;
		COMMIT TRANSACTION;
	`
	_, err = queryLast[any](ctx, c, sql, vars)
	if errors.Is(err, errActiveJob) || errors.Is(err, ErrTransactionConflict) {
		dup := &models.DuplicateJobError{TenantID: job.TenantID, CollectionID: job.CollectionID}
		if active, aerr := c.ActiveJob(ctx, job.Key()); aerr == nil {
			dup.JobID = active.JobID
		} else if errors.Is(err, ErrTransactionConflict) {
			return fmt.Errorf("create job: %w", err)
		}
		return dup
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob overwrites progress fields while the record is still active,
// owned by job.Owner and not ahead of job.Status. Otherwise it fails with
// models.ErrLeaseLost. A recorded cancel request is kept.
func (c *Client) UpdateJob(ctx context.Context, job models.IndexingJob) error {
	vars, err := jobVars(job)
	if err != nil {
		return err
	}
	from := models.ReplaceableBy(job.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown job status %q", models.ErrInvalidInput, job.Status)
	}
	replaceable := make([]string, len(from))
	for i, st := range from {
		replaceable[i] = string(st)
	}
	vars["replaceable"] = replaceable

	rows, err := queryLast[[]jobRow](ctx, c, `
		UPDATE type::record("indexing_job", $job_id) SET
			cancel_requested = cancel_requested OR $cancel_requested,`+jobSetClause+`
		WHERE owner = $owner AND status IN $replaceable
		RETURN AFTER
	`, vars)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if len(rows) > 0 {
		return nil
	}
	stored, err := c.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	if err := models.CheckJobWrite(stored, job); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", job.JobID, models.ErrLeaseLost)
}

func (c *Client) oneJob(ctx context.Context, sql string, vars map[string]any, what string) (models.IndexingJob, error) {
	rows, err := queryLast[[]jobRow](ctx, c, sql, vars)
	if err != nil {
		return models.IndexingJob{}, fmt.Errorf("%s: %w", what, err)
	}
	if len(rows) == 0 {
		return models.IndexingJob{}, fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return rows[0].job()
}

func (c *Client) manyJobs(ctx context.Context, sql string, vars map[string]any) ([]models.IndexingJob, error) {
	rows, err := queryLast[[]jobRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]models.IndexingJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob loads a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (models.IndexingJob, error) {
	return c.oneJob(ctx, `SELECT `+jobFields+` FROM type::record("indexing_job", $job_id)`,
		map[string]any{"job_id": jobID}, "job "+jobID)
}

// ActiveJob returns the non-terminal job of key.
func (c *Client) ActiveJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error) {
	return c.oneJob(ctx, `SELECT `+jobFields+` FROM indexing_job
		WHERE tenant_id = $tenant_id AND collection_id = $collection_id AND status IN $active
		LIMIT 1`,
		map[string]any{"tenant_id": key.TenantID, "collection_id": key.CollectionID, "active": activeStatuses()},
		"active job for "+key.String())
}

// LatestJob returns the most recently started job of key.
func (c *Client) LatestJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error) {
	return c.oneJob(ctx, `SELECT `+jobFields+` FROM indexing_job
		WHERE tenant_id = $tenant_id AND collection_id = $collection_id
		ORDER BY started_at DESC LIMIT 1`,
		map[string]any{"tenant_id": key.TenantID, "collection_id": key.CollectionID},
		"job for "+key.String())
}

// ListJobs returns a tenant's jobs, newest first. An empty tenant lists all.
func (c *Client) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.IndexingJob, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	vars := map[string]any{"limit": limit}
	if tenantID != "" {
		where = "WHERE tenant_id = $tenant_id"
		vars["tenant_id"] = tenantID
	}
	return c.manyJobs(ctx, `SELECT `+jobFields+` FROM indexing_job `+where+`
		ORDER BY started_at DESC LIMIT $limit`, vars)
}

// ListActiveJobs returns every non-terminal job.
func (c *Client) ListActiveJobs(ctx context.Context) ([]models.IndexingJob, error) {
	return c.manyJobs(ctx, `SELECT `+jobFields+` FROM indexing_job WHERE status IN $active
		ORDER BY started_at`, map[string]any{"active": activeStatuses()})
}

// RequestCancel flags an active job for cancellation.
func (c *Client) RequestCancel(ctx context.Context, jobID string) error {
	if _, err := c.GetJob(ctx, jobID); err != nil {
		return err
	}
	_, err := queryLast[any](ctx, c, `
		UPDATE type::record("indexing_job", $job_id) SET cancel_requested = true, updated_at = $now
		WHERE status IN $active
	`, map[string]any{"job_id": jobID, "now": c.now().UnixMilli(), "active": activeStatuses()})
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}
