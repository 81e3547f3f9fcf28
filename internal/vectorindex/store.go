// Package vectorindex stores document vectors and metadata per tenant and
// answers similarity searches that never cross tenant boundaries.
package vectorindex

import (
	"context"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// VectorStore persists embeddings. Every method is scoped by a Namespace,
// which can only be derived from a tenant id.
type VectorStore interface {
	// UpsertVectors writes records idempotently by document id.
	// Per-record failures are returned as item errors; a non-nil error means
	// the batch as a whole failed.
	UpsertVectors(ctx context.Context, ns models.Namespace, records []models.VectorRecord) ([]models.ItemError, error)

	// QueryVectors returns up to topK hits ordered by descending cosine
	// similarity. An empty collectionID searches every collection of ns.
	QueryVectors(ctx context.Context, ns models.Namespace, query []float32, topK int, collectionID string) ([]models.VectorHit, error)

	// DeleteCollectionVectors removes every vector of a collection.
	DeleteCollectionVectors(ctx context.Context, ns models.Namespace, collectionID string) (int, error)

	// DeleteVectors removes vectors by document id.
	DeleteVectors(ctx context.Context, ns models.Namespace, ids []string) (int, error)

	// ListVectorIDs lists document ids with a vector. An empty collectionID lists all.
	ListVectorIDs(ctx context.Context, ns models.Namespace, collectionID string) ([]string, error)

	// CollectionModel reports the model and dimension already stored for a collection.
	CollectionModel(ctx context.Context, ns models.Namespace, collectionID string) (model string, dim int, found bool, err error)

	// ListTenants returns every tenant id with stored data.
	ListTenants(ctx context.Context) ([]string, error)
}

// MetadataStore persists documents.
type MetadataStore interface {
	// PutDocuments writes documents idempotently by id.
	PutDocuments(ctx context.Context, docs []models.Document) ([]models.ItemError, error)

	// GetDocuments loads documents by id regardless of tenant, so callers can
	// verify ownership themselves. Missing ids are absent from the map.
	GetDocuments(ctx context.Context, ids []string) (map[string]models.Document, error)

	// ListDocumentIDs lists a tenant's document ids last updated before the
	// given time. A zero time lists all.
	ListDocumentIDs(ctx context.Context, tenantID string, updatedBefore time.Time) ([]string, error)

	// DeleteCollectionDocuments removes every document of a collection.
	DeleteCollectionDocuments(ctx context.Context, tenantID, collectionID string) (int, error)

	// DeleteDocuments removes a tenant's documents by id.
	DeleteDocuments(ctx context.Context, tenantID string, ids []string) (int, error)

	// ListTenants returns every tenant id with stored data.
	ListTenants(ctx context.Context) ([]string, error)
}
