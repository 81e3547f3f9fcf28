package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested job, document or collection does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed caller input (empty tenant, bad URL, ...).
	ErrInvalidInput = errors.New("invalid input")

	// ErrContentTooShort marks a page whose cleaned text is below the minimum length.
	// The page is dropped and counted; the job continues.
	ErrContentTooShort = errors.New("content too short")

	// ErrJobCancelled is the cancellation cause of a job stopped on request.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrLeaseLost indicates the single-flight lease of a running job was taken over.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDimensionMismatch indicates an embedding whose model or dimension differs
	// from the vectors already stored in the collection.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// FetchError is a per-page network, timeout or HTTP status failure.
// The crawler logs it and skips the page.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// EmbeddingProviderError is returned when the embedding provider keeps failing
// for an item after retries are exhausted.
type EmbeddingProviderError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error {
	return e.Err
}

// VectorIndexError wraps upsert, search and delete failures of the vector index.
type VectorIndexError struct {
	Op           string
	TenantID     string
	CollectionID string
	Err          error
}

func (e *VectorIndexError) Error() string {
	return fmt.Sprintf("vector index %s (tenant=%s collection=%s): %v", e.Op, e.TenantID, e.CollectionID, e.Err)
}

func (e *VectorIndexError) Unwrap() error {
	return e.Err
}

// DuplicateJobError reports that a non-terminal job already exists for the key.
// It is not a failure: single-flight hands back the existing job.
type DuplicateJobError struct {
	TenantID     string
	CollectionID string
	JobID        string
}

func (e *DuplicateJobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("indexing already in progress for %s/%s", e.TenantID, e.CollectionID)
	}
	return fmt.Sprintf("indexing already in progress for %s/%s (job %s)", e.TenantID, e.CollectionID, e.JobID)
}

// TenantIsolationViolation is raised when data of one tenant is observed in a
// request scoped to another. It is always fatal.
type TenantIsolationViolation struct {
	RequestedTenant string
	FoundTenant     string
	DocumentID      string
}

func (e *TenantIsolationViolation) Error() string {
	return fmt.Sprintf("tenant isolation violation: document %s belongs to %q, requested by %q",
		e.DocumentID, e.FoundTenant, e.RequestedTenant)
}
