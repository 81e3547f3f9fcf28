// Package service wires the crawl-to-index pipeline, retrieval and the
// reconciliation sweep on top of the storage packages.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/sitekb/internal/crawler"
	"github.com/raphaelgruber/sitekb/internal/embedcache"
	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
	"github.com/raphaelgruber/sitekb/internal/worker"
)

var (
	errShutdown   = errors.New("coordinator shutting down")
	errJobTimeout = errors.New("job deadline exceeded")
)

// Crawler walks a site.
type Crawler interface {
	Crawl(ctx context.Context, domain string, opts crawler.Options, progress crawler.ProgressFunc) (*crawler.Result, error)
}

// Processor turns a raw page into documents.
type Processor interface {
	Process(page crawler.RawPage, tenantID, collectionID string) ([]models.Document, error)
}

// Embedder is the caching embedding front used by the pipeline and retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([]embedcache.Result, error)
	Model() string
	Dimension() int
}

// Index is the tenant-scoped vector index.
type Index interface {
	Upsert(ctx context.Context, tenantID, collectionID string, docs []models.Document, vectors []models.EmbeddingVector) (*vectorindex.UpsertReport, error)
	Search(ctx context.Context, tenantID, collectionID string, query []float32, topK int, filter vectorindex.Filter) ([]models.SearchResult, error)
	Delete(ctx context.Context, tenantID, collectionID string) (vectorindex.DeleteReport, error)
	Reconcile(ctx context.Context, tenantID string, grace time.Duration) (vectorindex.ReconcileReport, error)
	Tenants(ctx context.Context) ([]string, error)
}

// CoordinatorOptions tune job execution.
type CoordinatorOptions struct {
	// InstanceID owns the leases taken by this coordinator.
	InstanceID string
	LeaseTTL   time.Duration
	// JobTimeout is the default overall deadline of a job. Zero disables it.
	JobTimeout time.Duration
	// ProgressFlush debounces progress writes to the job store.
	ProgressFlush time.Duration
	// IndexBatchSize is the number of documents embedded and upserted together.
	IndexBatchSize int
	// Crawl holds the defaults that per-job IndexOptions override.
	Crawl crawler.Options
}

// DefaultCoordinatorOptions returns production defaults.
func DefaultCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		LeaseTTL:       2 * time.Minute,
		JobTimeout:     30 * time.Minute,
		ProgressFlush:  5 * time.Second,
		IndexBatchSize: 32,
		Crawl:          crawler.DefaultOptions(),
	}
}

// runningJob is the live state of a job executed by this instance.
type runningJob struct {
	mu        sync.Mutex
	job       models.IndexingJob
	reset     bool
	dirty     bool
	lastFlush time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	// persistMu orders job store writes so an older snapshot never lands last.
	persistMu sync.Mutex
	task      *worker.Task
}

func (r *runningJob) snapshot() models.IndexingJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *runningJob) requestCancel() {
	r.mu.Lock()
	r.job.CancelRequested = true
	r.mu.Unlock()
	r.cancel(models.ErrJobCancelled)
}

// Coordinator runs at most one indexing job per (tenant, collection) across
// every instance sharing the job store.
type Coordinator struct {
	store     JobStore
	crawler   Crawler
	processor Processor
	embedder  Embedder
	index     Index
	pool      *worker.Pool
	opts      CoordinatorOptions
	logger    *slog.Logger
	metrics   *metrics.Collector

	locks *keyLock
	now   func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu    sync.RWMutex
	byKey map[models.JobKey]*runningJob
	byID  map[string]*runningJob
}

// NewCoordinator creates a coordinator. Jobs run on pool.
func NewCoordinator(store JobStore, c Crawler, p Processor, e Embedder, ix Index, pool *worker.Pool,
	opts CoordinatorOptions, logger *slog.Logger, mc *metrics.Collector) *Coordinator {
	def := DefaultCoordinatorOptions()
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.ProgressFlush <= 0 {
		opts.ProgressFlush = def.ProgressFlush
	}
	if opts.IndexBatchSize <= 0 {
		opts.IndexBatchSize = def.IndexBatchSize
	}
	if opts.Crawl.MaxPages <= 0 {
		opts.Crawl = def.Crawl
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		store:      store,
		crawler:    c,
		processor:  p,
		embedder:   e,
		index:      ix,
		pool:       pool,
		opts:       opts,
		logger:     logger,
		metrics:    mc,
		locks:      newKeyLock(),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		byKey:      make(map[models.JobKey]*runningJob),
		byID:       make(map[string]*runningJob),
	}
}

// InstanceID returns the lease owner name of this coordinator.
func (c *Coordinator) InstanceID() string {
	return c.opts.InstanceID
}

// Close cancels every job running on this instance. Their final state is
// written before their tasks finish; shut the pool down afterwards to wait.
func (c *Coordinator) Close() {
	c.baseCancel(errShutdown)
}

func (c *Coordinator) live(key models.JobKey) (*runningJob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rj, ok := c.byKey[key]
	return rj, ok
}

func (c *Coordinator) liveByID(jobID string) (*runningJob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rj, ok := c.byID[jobID]
	return rj, ok
}

func refFor(job models.IndexingJob, deduplicated bool) models.JobRef {
	return models.JobRef{
		JobID:        job.JobID,
		TenantID:     job.TenantID,
		CollectionID: job.CollectionID,
		Status:       job.Status,
		Deduplicated: deduplicated,
	}
}

// StartIndexing starts crawling domain into the collection. While a job for
// the same key is active, that job is returned with Deduplicated set.
func (c *Coordinator) StartIndexing(ctx context.Context, tenantID, collectionID, domain string, opts models.IndexOptions) (models.JobRef, error) {
	key, err := models.NewJobKey(tenantID, collectionID)
	if err != nil {
		return models.JobRef{}, err
	}
	seed, err := crawler.ParseSeed(domain)
	if err != nil {
		return models.JobRef{}, err
	}
	if opts.MaxPages < 0 || opts.PageTimeout < 0 || opts.JobTimeout < 0 {
		return models.JobRef{}, fmt.Errorf("%w: negative index option", models.ErrInvalidInput)
	}
	return c.start(ctx, key, seed.String(), opts, false)
}

// Reindex deletes the collection and crawls it again with the domain and
// options of its latest job. An active job is returned instead, untouched.
func (c *Coordinator) Reindex(ctx context.Context, tenantID, collectionID string) (models.JobRef, error) {
	key, err := models.NewJobKey(tenantID, collectionID)
	if err != nil {
		return models.JobRef{}, err
	}
	latest, err := c.store.LatestJob(ctx, key)
	if err != nil {
		return models.JobRef{}, fmt.Errorf("reindex %s: %w", key, err)
	}
	return c.start(ctx, key, latest.Domain, latest.Options, true)
}

func (c *Coordinator) start(ctx context.Context, key models.JobKey, domain string, opts models.IndexOptions, reset bool) (models.JobRef, error) {
	unlock := c.locks.Lock(key.String())
	defer unlock()

	log := c.logger.With("tenant_id", key.TenantID, "collection_id", key.CollectionID)

	if rj, ok := c.live(key); ok {
		c.metrics.Inc(metrics.CounterJobsDeduped)
		job := rj.snapshot()
		log.Info("indexing already running, returning existing job", "job_id", job.JobID)
		return refFor(job, true), nil
	}

	acquired, err := c.store.AcquireLease(ctx, key, c.opts.InstanceID, c.opts.LeaseTTL)
	if err != nil {
		return models.JobRef{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		active, err := c.store.ActiveJob(ctx, key)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Another instance holds the lease but has not written its job yet.
				return models.JobRef{}, &models.DuplicateJobError{TenantID: key.TenantID, CollectionID: key.CollectionID}
			}
			return models.JobRef{}, err
		}
		c.metrics.Inc(metrics.CounterJobsDeduped)
		log.Info("indexing already running elsewhere, returning existing job", "job_id", active.JobID)
		return refFor(active, true), nil
	}

	release := func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), key, c.opts.InstanceID); err != nil {
			log.Warn("failed to release lease", "error", err)
		}
	}

	// The lease was free, so any non-terminal job left for the key is abandoned.
	if stale, err := c.store.ActiveJob(ctx, key); err == nil {
		c.abandon(ctx, stale, "abandoned: owner lease expired")
	} else if !errors.Is(err, models.ErrNotFound) {
		release()
		return models.JobRef{}, err
	}

	now := c.now()
	job := models.IndexingJob{
		JobID:        uuid.New().String(),
		TenantID:     key.TenantID,
		CollectionID: key.CollectionID,
		Domain:       domain,
		Status:       models.JobStatusQueued,
		Options:      opts,
		Owner:        c.opts.InstanceID,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		release()
		var dup *models.DuplicateJobError
		if errors.As(err, &dup) && dup.JobID != "" {
			if active, aerr := c.store.GetJob(ctx, dup.JobID); aerr == nil {
				c.metrics.Inc(metrics.CounterJobsDeduped)
				return refFor(active, true), nil
			}
		}
		return models.JobRef{}, fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(c.baseCtx)
	rj := &runningJob{job: job, reset: reset, ctx: jobCtx, cancel: cancel, lastFlush: now}

	c.mu.Lock()
	c.byKey[key] = rj
	c.byID[job.JobID] = rj
	c.mu.Unlock()

	task, err := c.pool.Submit("index "+key.String(), func(poolCtx context.Context) error {
		stop := context.AfterFunc(poolCtx, func() { rj.cancel(errShutdown) })
		defer stop()
		return c.run(rj)
	})
	if err != nil {
		cancel(err)
		c.mu.Lock()
		delete(c.byKey, key)
		delete(c.byID, job.JobID)
		c.mu.Unlock()

		done := c.now()
		job.Status = models.JobStatusFailed
		job.Error = "not scheduled: " + err.Error()
		job.UpdatedAt = done
		job.CompletedAt = &done
		if uerr := c.store.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
			log.Warn("failed to persist unscheduled job", "job_id", job.JobID, "error", uerr)
		}
		release()
		return models.JobRef{}, fmt.Errorf("schedule job: %w", err)
	}
	rj.mu.Lock()
	rj.task = task
	rj.mu.Unlock()

	c.metrics.Inc(metrics.CounterJobsStarted)
	log.Info("indexing job queued", "job_id", job.JobID, "domain", domain, "reindex", reset)
	return refFor(job, false), nil
}

// abandon marks a job that lost its owner as failed.
func (c *Coordinator) abandon(ctx context.Context, job models.IndexingJob, reason string) {
	now := c.now()
	job.Status = models.JobStatusFailed
	job.Error = reason
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := c.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		c.logger.Warn("failed to mark abandoned job", "job_id", job.JobID, "error", err)
		return
	}
	c.metrics.Inc(metrics.CounterJobsFailed)
	c.logger.Warn("marked abandoned job failed", "job_id", job.JobID,
		"tenant_id", job.TenantID, "collection_id", job.CollectionID, "previous_owner", job.Owner)
}

// run executes one job on a pool worker and records its outcome.
func (c *Coordinator) run(rj *runningJob) error {
	ctx := rj.ctx
	job := rj.snapshot()
	timeout := c.opts.JobTimeout
	if job.Options.JobTimeout > 0 {
		timeout = job.Options.JobTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errJobTimeout)
		defer cancel()
	}

	stopHeartbeat := c.heartbeat(ctx, rj)
	start := time.Now()
	err := c.pipeline(ctx, rj)
	stopHeartbeat()

	final := c.finish(ctx, rj, err)
	if final.Status == models.JobStatusCompleted {
		c.metrics.RecordTiming(metrics.OpJobRun, time.Since(start))
		return nil
	}
	c.metrics.RecordError(metrics.OpJobRun, time.Since(start))
	if final.Status == models.JobStatusCancelled {
		return models.ErrJobCancelled
	}
	return errors.New(final.Error)
}

func (c *Coordinator) pipeline(ctx context.Context, rj *runningJob) error {
	job := rj.snapshot()
	log := c.logger.With("job_id", job.JobID, "tenant_id", job.TenantID, "collection_id", job.CollectionID)

	if err := ctx.Err(); err != nil {
		return err
	}
	if rj.reset {
		report, err := c.index.Delete(ctx, job.TenantID, job.CollectionID)
		if err != nil {
			return fmt.Errorf("clear collection: %w", err)
		}
		log.Info("collection cleared for reindex", "vectors", report.Vectors, "documents", report.Documents)
	}

	// Scraping.
	if err := c.transition(ctx, rj, models.JobStatusScraping); err != nil {
		return err
	}
	result, err := c.crawler.Crawl(ctx, job.Domain, c.crawlOptions(job.Options), func(p crawler.Progress) {
		c.update(ctx, rj, false, func(j *models.IndexingJob) {
			j.PagesFound = p.Found
			j.PagesFailed = p.Failed
		})
	})
	if err != nil {
		return err
	}
	c.metrics.Add(metrics.CounterPagesFetched, int64(len(result.Pages)))
	c.metrics.Add(metrics.CounterPagesFailed, int64(len(result.Failed)))
	c.update(ctx, rj, false, func(j *models.IndexingJob) {
		j.PagesFound = len(result.Pages)
		j.PagesFailed = len(result.Failed)
	})
	if len(result.Pages) == 0 && len(result.Failed) > 0 {
		return fmt.Errorf("no page could be fetched: %w", result.Failed[0])
	}

	// Processing.
	if err := c.transition(ctx, rj, models.JobStatusProcessing); err != nil {
		return err
	}
	var docs []models.Document
	for _, page := range result.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageDocs, err := c.processor.Process(page, job.TenantID, job.CollectionID)
		dropped := 0
		switch {
		case errors.Is(err, models.ErrContentTooShort):
			log.Debug("page dropped", "url", page.URL, "reason", err)
			dropped = 1
		case err != nil:
			log.Warn("page processing failed, dropping", "url", page.URL, "error", err)
			dropped = 1
		default:
			docs = append(docs, pageDocs...)
		}
		c.update(ctx, rj, false, func(j *models.IndexingJob) {
			j.PagesProcessed++
			j.PagesDropped += dropped
		})
	}

	// Indexing.
	if err := c.transition(ctx, rj, models.JobStatusIndexing); err != nil {
		return err
	}
	for start := 0; start < len(docs); start += c.opts.IndexBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+c.opts.IndexBatchSize, len(docs))
		if err := c.indexBatch(ctx, rj, docs[start:end], log); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) indexBatch(ctx context.Context, rj *runningJob, docs []models.Document, log *slog.Logger) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	results, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}

	failed := 0
	okDocs := make([]models.Document, 0, len(docs))
	vectors := make([]models.EmbeddingVector, 0, len(docs))
	for i, r := range results {
		if r.Err != nil {
			failed++
			log.Warn("document embedding failed", "document_id", docs[i].ID, "url", docs[i].URL, "error", r.Err)
			continue
		}
		okDocs = append(okDocs, docs[i])
		vectors = append(vectors, models.EmbeddingVector{
			DocumentID: docs[i].ID,
			Vector:     r.Vector,
			Model:      c.embedder.Model(),
			Dim:        c.embedder.Dimension(),
		})
	}

	indexed := 0
	if len(okDocs) > 0 {
		report, err := c.index.Upsert(ctx, rj.job.TenantID, rj.job.CollectionID, okDocs, vectors)
		if err != nil {
			return err
		}
		indexed = report.Upserted
		failed += len(report.Failed)
		for _, f := range report.Failed {
			log.Warn("document upsert failed", "document_id", f.ID, "error", f.Err)
		}
	}
	c.metrics.Add(metrics.CounterChunksIndexed, int64(indexed))
	c.update(ctx, rj, true, func(j *models.IndexingJob) {
		j.DocumentsIndexed += indexed
		j.DocumentsFailed += failed
	})
	return nil
}

func (c *Coordinator) crawlOptions(o models.IndexOptions) crawler.Options {
	opts := c.opts.Crawl
	if o.MaxPages > 0 {
		opts.MaxPages = o.MaxPages
	}
	if o.PageTimeout > 0 {
		opts.Timeout = o.PageTimeout
	}
	if o.RespectRobots != nil {
		opts.RespectRobots = *o.RespectRobots
	}
	opts.StripQuery = !o.KeepQueryParam
	return opts
}

// transition moves the job forward and persists it immediately.
func (c *Coordinator) transition(ctx context.Context, rj *runningJob, next models.JobStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rj.mu.Lock()
	cur := rj.job.Status
	if !cur.CanTransitionTo(next) {
		rj.mu.Unlock()
		return fmt.Errorf("invalid job transition %s -> %s", cur, next)
	}
	rj.job.Status = next
	rj.job.UpdatedAt = c.now()
	rj.dirty = true
	rj.mu.Unlock()

	c.logger.Info("job status changed", "job_id", rj.job.JobID, "from", cur, "to", next)
	c.persist(ctx, rj)
	return nil
}

// update applies fn to the live job. Writes to the store are debounced
// unless force is set.
func (c *Coordinator) update(ctx context.Context, rj *runningJob, force bool, fn func(*models.IndexingJob)) {
	now := c.now()
	rj.mu.Lock()
	fn(&rj.job)
	rj.job.UpdatedAt = now
	rj.dirty = true
	flush := force || now.Sub(rj.lastFlush) >= c.opts.ProgressFlush
	rj.mu.Unlock()

	if flush {
		c.persist(ctx, rj)
	}
}

func (c *Coordinator) persist(ctx context.Context, rj *runningJob) {
	rj.persistMu.Lock()
	defer rj.persistMu.Unlock()

	rj.mu.Lock()
	if !rj.dirty {
		rj.mu.Unlock()
		return
	}
	job := rj.job
	rj.dirty = false
	rj.lastFlush = c.now()
	rj.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := c.store.UpdateJob(wctx, job)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrLeaseLost):
		// Another instance failed or replaced the job; stop writing to it.
		if !job.Status.Terminal() {
			c.logger.Error("job taken over by another instance, stopping job", "job_id", job.JobID, "error", err)
		}
		rj.cancel(models.ErrLeaseLost)
	default:
		c.logger.Warn("failed to persist job progress", "job_id", job.JobID, "error", err)
		rj.mu.Lock()
		rj.dirty = true
		rj.mu.Unlock()
	}
}

// heartbeat renews the lease and watches for cancel requests written by
// other instances. The returned func stops it and waits for it to exit.
func (c *Coordinator) heartbeat(ctx context.Context, rj *runningJob) func() {
	interval := c.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	job := rj.snapshot()
	key := job.Key()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := c.store.RenewLease(ctx, key, c.opts.InstanceID, c.opts.LeaseTTL); err != nil {
				if errors.Is(err, models.ErrLeaseLost) {
					c.logger.Error("job lease lost, stopping job", "job_id", job.JobID)
					rj.cancel(models.ErrLeaseLost)
					return
				}
				c.logger.Warn("failed to renew job lease", "job_id", job.JobID, "error", err)
			}
			if stored, err := c.store.GetJob(ctx, job.JobID); err == nil && stored.CancelRequested {
				c.logger.Info("cancel requested through job store", "job_id", job.JobID)
				rj.requestCancel()
				return
			}
			c.persist(ctx, rj)
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// finish records the terminal state of a job and releases its lease.
func (c *Coordinator) finish(ctx context.Context, rj *runningJob, runErr error) models.IndexingJob {
	status := models.JobStatusCompleted
	msg := ""
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, models.ErrJobCancelled):
			status = models.JobStatusCancelled
			msg = "cancelled"
		default:
			status = models.JobStatusFailed
			msg = cause.Error()
		}
	} else if runErr != nil {
		status = models.JobStatusFailed
		msg = runErr.Error()
	}

	rj.mu.Lock()
	key := rj.job.Key()
	rj.mu.Unlock()

	unlock := c.locks.Lock(key.String())
	defer unlock()

	now := c.now()
	rj.mu.Lock()
	rj.job.Status = status
	rj.job.Error = msg
	rj.job.UpdatedAt = now
	rj.job.CompletedAt = &now
	rj.dirty = true
	job := rj.job
	rj.mu.Unlock()

	c.persist(context.Background(), rj)
	if err := c.store.ReleaseLease(context.Background(), key, c.opts.InstanceID); err != nil {
		c.logger.Warn("failed to release lease", "job_id", job.JobID, "error", err)
	}

	c.mu.Lock()
	delete(c.byKey, key)
	delete(c.byID, job.JobID)
	c.mu.Unlock()
	rj.cancel(context.Canceled)

	log := c.logger.With("job_id", job.JobID, "tenant_id", job.TenantID, "collection_id", job.CollectionID,
		"pages_found", job.PagesFound, "pages_processed", job.PagesProcessed, "pages_failed", job.PagesFailed,
		"pages_dropped", job.PagesDropped, "documents_indexed", job.DocumentsIndexed,
		"documents_failed", job.DocumentsFailed)
	switch status {
	case models.JobStatusCompleted:
		c.metrics.Inc(metrics.CounterJobsCompleted)
		log.Info("indexing job completed")
	case models.JobStatusCancelled:
		c.metrics.Inc(metrics.CounterJobsCancelled)
		log.Info("indexing job cancelled")
	default:
		c.metrics.Inc(metrics.CounterJobsFailed)
		log.Error("indexing job failed", "error", msg)
	}
	return job
}

// GetStatus returns the live job of the key if this instance runs it, else
// the latest stored job.
func (c *Coordinator) GetStatus(ctx context.Context, tenantID, collectionID string) (models.IndexingJob, error) {
	key, err := models.NewJobKey(tenantID, collectionID)
	if err != nil {
		return models.IndexingJob{}, err
	}
	if rj, ok := c.live(key); ok {
		return rj.snapshot(), nil
	}
	return c.store.LatestJob(ctx, key)
}

// GetJob returns a job by id.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (models.IndexingJob, error) {
	if rj, ok := c.liveByID(jobID); ok {
		return rj.snapshot(), nil
	}
	return c.store.GetJob(ctx, jobID)
}

// ListJobs returns a tenant's jobs, newest first, with live counters for
// jobs running here.
func (c *Coordinator) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.IndexingJob, error) {
	jobs, err := c.store.ListJobs(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := range jobs {
		if rj, ok := c.liveByID(j.JobID); ok {
			jobs[i] = rj.snapshot()
		}
	}
	return jobs, nil
}

// Cancel asks the active job of the key to stop. Documents already indexed
// stay searchable.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, collectionID string) (models.IndexingJob, error) {
	key, err := models.NewJobKey(tenantID, collectionID)
	if err != nil {
		return models.IndexingJob{}, err
	}
	if rj, ok := c.live(key); ok {
		job := rj.snapshot()
		if err := c.store.RequestCancel(ctx, job.JobID); err != nil {
			c.logger.Warn("failed to persist cancel request", "job_id", job.JobID, "error", err)
		}
		rj.requestCancel()
		c.logger.Info("job cancel requested", "job_id", job.JobID)
		return rj.snapshot(), nil
	}

	active, err := c.store.ActiveJob(ctx, key)
	if err != nil {
		return models.IndexingJob{}, err
	}
	if err := c.store.RequestCancel(ctx, active.JobID); err != nil {
		return models.IndexingJob{}, err
	}
	active.CancelRequested = true
	c.logger.Info("job cancel requested for remote owner", "job_id", active.JobID, "owner", active.Owner)
	return active, nil
}

// DeleteCollection removes every document of the collection. It refuses
// while a job for the collection is active.
func (c *Coordinator) DeleteCollection(ctx context.Context, tenantID, collectionID string) (vectorindex.DeleteReport, error) {
	key, err := models.NewJobKey(tenantID, collectionID)
	if err != nil {
		return vectorindex.DeleteReport{}, err
	}
	unlock := c.locks.Lock(key.String())
	defer unlock()

	if rj, ok := c.live(key); ok {
		return vectorindex.DeleteReport{}, &models.DuplicateJobError{
			TenantID: tenantID, CollectionID: collectionID, JobID: rj.snapshot().JobID,
		}
	}
	if active, err := c.store.ActiveJob(ctx, key); err == nil {
		return vectorindex.DeleteReport{}, &models.DuplicateJobError{
			TenantID: tenantID, CollectionID: collectionID, JobID: active.JobID,
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		return vectorindex.DeleteReport{}, err
	}
	return c.index.Delete(ctx, tenantID, collectionID)
}

// RecoverAbandoned fails every non-terminal job whose owner no longer holds
// its lease. It runs at startup.
func (c *Coordinator) RecoverAbandoned(ctx context.Context) (int, error) {
	jobs, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if _, ok := c.liveByID(job.JobID); ok {
			continue
		}
		unlock := c.locks.Lock(job.Key().String())
		_, held, err := c.store.LeaseHolder(ctx, job.Key())
		if err != nil {
			unlock()
			return recovered, err
		}
		if !held {
			c.abandon(ctx, job, "abandoned: owner stopped before completion")
			recovered++
		}
		unlock()
	}
	if recovered > 0 {
		c.logger.Info("recovered abandoned jobs", "count", recovered)
	}
	return recovered, nil
}

// Wait blocks until the job running here finishes. It returns immediately
// when the job is not running on this instance.
func (c *Coordinator) Wait(ctx context.Context, jobID string) error {
	rj, ok := c.liveByID(jobID)
	if !ok {
		return nil
	}
	rj.mu.Lock()
	task := rj.task
	rj.mu.Unlock()
	if task == nil {
		return nil
	}
	select {
	case <-task.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
