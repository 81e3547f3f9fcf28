package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// JobStatus is the state of an indexing job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusScraping   JobStatus = "scraping"
	JobStatusProcessing JobStatus = "processing"
	JobStatusIndexing   JobStatus = "indexing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveJobStatuses lists the non-terminal states.
var ActiveJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusScraping,
	JobStatusProcessing,
	JobStatusIndexing,
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusScraping:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusIndexing:
		return 3
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return 4
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s.rank() == 4
}

// CanTransitionTo reports whether moving from s to next keeps the state machine
// moving forward. Terminal states never transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || from == 4 {
		return false
	}
	return to > from
}

// ReplaceableBy lists the stored statuses a write carrying next may
// overwrite: the non-terminal statuses that do not come after next.
func ReplaceableBy(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range ActiveJobStatuses {
		if next.rank() >= s.rank() {
			out = append(out, s)
		}
	}
	return out
}

// CheckJobWrite fails with ErrLeaseLost unless next may overwrite stored.
// The stored job must still be active, owned by next.Owner and not ahead of
// next.
func CheckJobWrite(stored, next IndexingJob) error {
	if stored.Owner != next.Owner || !slices.Contains(ReplaceableBy(next.Status), stored.Status) {
		return fmt.Errorf("job %s is %s and owned by %q: %w", stored.JobID, stored.Status, stored.Owner, ErrLeaseLost)
	}
	return nil
}

// IndexOptions configures one crawl-to-index run.
// Zero values fall back to the coordinator defaults.
type IndexOptions struct {
	MaxPages       int           `json:"max_pages,omitempty" yaml:"max_pages"`
	PageTimeout    time.Duration `json:"page_timeout,omitempty" yaml:"page_timeout"`
	RespectRobots  *bool         `json:"respect_robots,omitempty" yaml:"respect_robots"`
	JobTimeout     time.Duration `json:"job_timeout,omitempty" yaml:"job_timeout"`
	KeepQueryParam bool          `json:"keep_query,omitempty" yaml:"keep_query"`
}

// IndexingJob is a snapshot of one crawl-to-index run.
type IndexingJob struct {
	JobID            string       `json:"job_id"`
	TenantID         string       `json:"tenant_id"`
	CollectionID     string       `json:"collection_id"`
	Domain           string       `json:"domain"`
	Status           JobStatus    `json:"status"`
	PagesFound       int          `json:"pages_found"`
	PagesProcessed   int          `json:"pages_processed"`
	PagesFailed      int          `json:"pages_failed"`
	PagesDropped     int          `json:"pages_dropped"`
	DocumentsIndexed int          `json:"documents_indexed"`
	DocumentsFailed  int          `json:"documents_failed"`
	Options          IndexOptions `json:"options"`
	Owner            string       `json:"owner,omitempty"`
	CancelRequested  bool         `json:"cancel_requested"`
	Error            string       `json:"error,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// Key returns the single-flight key of the job.
func (j IndexingJob) Key() JobKey {
	return JobKey{TenantID: j.TenantID, CollectionID: j.CollectionID}
}

// JobKey identifies the (tenant, collection) pair a job runs for.
type JobKey struct {
	TenantID     string
	CollectionID string
}

// NewJobKey validates and builds a key.
func NewJobKey(tenantID, collectionID string) (JobKey, error) {
	if strings.TrimSpace(tenantID) == "" {
		return JobKey{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(collectionID) == "" {
		return JobKey{}, fmt.Errorf("%w: collection id is required", ErrInvalidInput)
	}
	return JobKey{TenantID: tenantID, CollectionID: collectionID}, nil
}

// String renders the key for lease records and logs.
func (k JobKey) String() string {
	return k.TenantID + "/" + k.CollectionID
}

// JobRef is returned by StartIndexing.
// Deduplicated is true when an already running job was handed back.
type JobRef struct {
	JobID        string    `json:"job_id"`
	TenantID     string    `json:"tenant_id"`
	CollectionID string    `json:"collection_id"`
	Status       JobStatus `json:"status"`
	Deduplicated bool      `json:"deduplicated"`
}
