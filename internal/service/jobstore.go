package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// JobStore persists indexing jobs and the single-flight lease of each
// (tenant, collection) key. Implementations: MemoryJobStore, sqlite.Store, db.Client.
type JobStore interface {
	// CreateJob inserts a job. It fails with *models.DuplicateJobError when the
	// key already has a non-terminal job.
	CreateJob(ctx context.Context, job models.IndexingJob) error
	// UpdateJob overwrites progress fields. It fails with models.ErrLeaseLost
	// when the stored job is terminal, owned by someone else or ahead of job
	// (see models.CheckJobWrite). A stored cancel request is never cleared.
	UpdateJob(ctx context.Context, job models.IndexingJob) error
	GetJob(ctx context.Context, jobID string) (models.IndexingJob, error)
	ActiveJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error)
	LatestJob(ctx context.Context, key models.JobKey) (models.IndexingJob, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]models.IndexingJob, error)
	ListActiveJobs(ctx context.Context) ([]models.IndexingJob, error)
	RequestCancel(ctx context.Context, jobID string) error

	// AcquireLease succeeds only when the lease is free or expired.
	AcquireLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) (bool, error)
	// RenewLease fails with models.ErrLeaseLost once owner no longer holds it.
	RenewLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, key models.JobKey, owner string) error
	LeaseHolder(ctx context.Context, key models.JobKey) (owner string, held bool, err error)
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryJobStore is a process-local JobStore.
type MemoryJobStore struct {
	mu     sync.Mutex
	jobs   map[string]models.IndexingJob
	leases map[models.JobKey]lease
	now    func() time.Time
}

var _ JobStore = (*MemoryJobStore)(nil)

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   make(map[string]models.IndexingJob),
		leases: make(map[models.JobKey]lease),
		now:    time.Now,
	}
}

func (s *MemoryJobStore) activeLocked(key models.JobKey) (models.IndexingJob, bool) {
	for _, j := range s.jobs {
		if j.Key() == key && !j.Status.Terminal() {
			return j, true
		}
	}
	return models.IndexingJob{}, false
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job models.IndexingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("%w: job %s already exists", models.ErrInvalidInput, job.JobID)
	}
	if !job.Status.Terminal() {
		if active, ok := s.activeLocked(job.Key()); ok {
			return &models.DuplicateJobError{TenantID: job.TenantID, CollectionID: job.CollectionID, JobID: active.JobID}
		}
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, job models.IndexingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[job.JobID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.JobID, models.ErrNotFound)
	}
	if err := models.CheckJobWrite(prev, job); err != nil {
		return err
	}
	job.CancelRequested = job.CancelRequested || prev.CancelRequested
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return job, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

func (s *MemoryJobStore) ActiveJob(_ context.Context, key models.JobKey) (models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.activeLocked(key)
	if !ok {
		return job, fmt.Errorf("active job for %s: %w", key, models.ErrNotFound)
	}
	return job, nil
}

func (s *MemoryJobStore) LatestJob(_ context.Context, key models.JobKey) (models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest models.IndexingJob
		found  bool
	)
	for _, j := range s.jobs {
		if j.Key() != key {
			continue
		}
		if !found || j.StartedAt.After(latest.StartedAt) ||
			(j.StartedAt.Equal(latest.StartedAt) && j.JobID > latest.JobID) {
			latest, found = j, true
		}
	}
	if !found {
		return latest, fmt.Errorf("job for %s: %w", key, models.ErrNotFound)
	}
	return latest, nil
}

func (s *MemoryJobStore) sorted(keep func(models.IndexingJob) bool) []models.IndexingJob {
	var out []models.IndexingJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b models.IndexingJob) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		if a.JobID > b.JobID {
			return -1
		}
		if a.JobID < b.JobID {
			return 1
		}
		return 0
	})
	return out
}

func (s *MemoryJobStore) ListJobs(_ context.Context, tenantID string, limit int) ([]models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := s.sorted(func(j models.IndexingJob) bool { return tenantID == "" || j.TenantID == tenantID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ListActiveJobs(_ context.Context) ([]models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(j models.IndexingJob) bool { return !j.Status.Terminal() })
	slices.Reverse(out)
	return out, nil
}

func (s *MemoryJobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if !job.Status.Terminal() {
		job.CancelRequested = true
		job.UpdatedAt = s.now()
		s.jobs[jobID] = job
	}
	return nil
}

func (s *MemoryJobStore) AcquireLease(_ context.Context, key models.JobKey, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[key]; ok && !l.expires.Before(now) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryJobStore) RenewLease(_ context.Context, key models.JobKey, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok || l.owner != owner {
		return fmt.Errorf("%s: %w", key, models.ErrLeaseLost)
	}
	l.expires = s.now().Add(ttl)
	s.leases[key] = l
	return nil
}

func (s *MemoryJobStore) ReleaseLease(_ context.Context, key models.JobKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryJobStore) LeaseHolder(_ context.Context, key models.JobKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok || l.expires.Before(s.now()) {
		return "", false, nil
	}
	return l.owner, true, nil
}
