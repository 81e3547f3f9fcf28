// Package models defines data structures shared by the sitekb pipeline.
package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DocumentType classifies the page a document was cut from.
type DocumentType string

const (
	DocumentTypeWebpage DocumentType = "webpage"
	DocumentTypeFAQ     DocumentType = "faq"
	DocumentTypeProduct DocumentType = "product"
	DocumentTypeArticle DocumentType = "article"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeWebpage, DocumentTypeFAQ, DocumentTypeProduct, DocumentTypeArticle:
		return true
	}
	return false
}

// Document is one chunk of one crawled page.
// It belongs to exactly one (TenantID, CollectionID) pair.
type Document struct {
	ID           string            `json:"document_id"`
	TenantID     string            `json:"tenant_id"`
	CollectionID string            `json:"collection_id"`
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Type         DocumentType      `json:"type"`
	ChunkIndex   int               `json:"chunk_index"`
	TotalChunks  int               `json:"total_chunks"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// documentIDSpace scopes document UUIDs so they never collide with other SHA-1 UUIDs.
var documentIDSpace = uuid.MustParse("6f1c1d2e-5b0a-4c8e-9d43-2a7b1f0e8c55")

// DocumentID returns the deterministic ID of a page chunk.
// Re-indexing the same page produces the same IDs, which keeps upserts idempotent.
func DocumentID(tenantID, collectionID, url string, chunkIndex int) string {
	key := tenantID + "\x00" + collectionID + "\x00" + url + "\x00" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(documentIDSpace, []byte(key)).String()
}

// EmbeddingVector is the embedding of one document.
// Dim is fixed per model and never mixed within a collection.
type EmbeddingVector struct {
	DocumentID string    `json:"document_id"`
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model"`
	Dim        int       `json:"dim"`
}

// VectorRecord is what a vector store persists for one document.
type VectorRecord struct {
	DocumentID   string    `json:"document_id"`
	TenantID     string    `json:"tenant_id"`
	CollectionID string    `json:"collection_id"`
	Vector       []float32 `json:"embedding"`
	Model        string    `json:"model"`
	Dim          int       `json:"dim"`
}

// VectorHit is a raw similarity match returned by a vector store.
type VectorHit struct {
	DocumentID   string  `json:"document_id"`
	TenantID     string  `json:"tenant_id"`
	CollectionID string  `json:"collection_id"`
	Score        float64 `json:"score"`
}

// SearchMetadata describes where a search result came from.
type SearchMetadata struct {
	TenantID     string       `json:"tenant_id"`
	CollectionID string       `json:"collection_id"`
	URL          string       `json:"url"`
	Title        string       `json:"title"`
	Type         DocumentType `json:"type"`
	ChunkIndex   int          `json:"chunk_index"`
	TotalChunks  int          `json:"total_chunks"`
}

// SearchResult is a ranked document returned by a tenant-scoped search.
type SearchResult struct {
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Content    string         `json:"content"`
	Metadata   SearchMetadata `json:"metadata"`
}

// ItemError records a failure for a single item of a batch.
type ItemError struct {
	ID  string
	Err error
}

func (e ItemError) Error() string {
	return e.ID + ": " + e.Err.Error()
}

func (e ItemError) Unwrap() error {
	return e.Err
}
