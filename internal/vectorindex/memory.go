package vectorindex

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// MemoryVectorStore keeps vectors in process, one map per namespace.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	spaces  map[string]map[string]models.VectorRecord
	tenants map[string]string
}

var _ VectorStore = (*MemoryVectorStore)(nil)

// NewMemoryVectorStore creates an empty store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{
		spaces:  make(map[string]map[string]models.VectorRecord),
		tenants: make(map[string]string),
	}
}

func checkNamespace(ns models.Namespace) error {
	if !ns.Valid() {
		return fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	return nil
}

// UpsertVectors stores records under ns.
func (s *MemoryVectorStore) UpsertVectors(_ context.Context, ns models.Namespace, records []models.VectorRecord) ([]models.ItemError, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	space, ok := s.spaces[ns.String()]
	if !ok {
		space = make(map[string]models.VectorRecord)
		s.spaces[ns.String()] = space
		s.tenants[ns.String()] = ns.TenantID()
	}
	for _, r := range records {
		r.Vector = slices.Clone(r.Vector)
		space[r.DocumentID] = r
	}
	return nil, nil
}

// QueryVectors scores every vector of the namespace.
func (s *MemoryVectorStore) QueryVectors(_ context.Context, ns models.Namespace, query []float32, topK int, collectionID string) ([]models.VectorHit, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []models.VectorHit
	for id, r := range s.spaces[ns.String()] {
		if collectionID != "" && r.CollectionID != collectionID {
			continue
		}
		hits = append(hits, models.VectorHit{
			DocumentID:   id,
			TenantID:     r.TenantID,
			CollectionID: r.CollectionID,
			Score:        Cosine(query, r.Vector),
		})
	}
	return SortHits(hits, topK), nil
}

// DeleteCollectionVectors removes a collection's vectors.
func (s *MemoryVectorStore) DeleteCollectionVectors(_ context.Context, ns models.Namespace, collectionID string) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.spaces[ns.String()] {
		if r.CollectionID == collectionID {
			delete(s.spaces[ns.String()], id)
			n++
		}
	}
	return n, nil
}

// DeleteVectors removes vectors by id.
func (s *MemoryVectorStore) DeleteVectors(_ context.Context, ns models.Namespace, ids []string) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	space := s.spaces[ns.String()]
	for _, id := range ids {
		if _, ok := space[id]; ok {
			delete(space, id)
			n++
		}
	}
	return n, nil
}

// ListVectorIDs lists ids in ns, optionally restricted to one collection.
func (s *MemoryVectorStore) ListVectorIDs(_ context.Context, ns models.Namespace, collectionID string) ([]string, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, r := range s.spaces[ns.String()] {
		if collectionID == "" || r.CollectionID == collectionID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// CollectionModel returns the model of any stored vector of the collection.
func (s *MemoryVectorStore) CollectionModel(_ context.Context, ns models.Namespace, collectionID string) (string, int, bool, error) {
	if err := checkNamespace(ns); err != nil {
		return "", 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.spaces[ns.String()] {
		if r.CollectionID == collectionID {
			return r.Model, r.Dim, true, nil
		}
	}
	return "", 0, false, nil
}

// ListTenants returns tenants with at least one vector.
func (s *MemoryVectorStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, space := range s.spaces {
		if len(space) > 0 {
			out = append(out, s.tenants[name])
		}
	}
	slices.Sort(out)
	return out, nil
}

// MemoryMetadataStore keeps documents in process.
type MemoryMetadataStore struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

var _ MetadataStore = (*MemoryMetadataStore)(nil)

// NewMemoryMetadataStore creates an empty store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{docs: make(map[string]models.Document)}
}

// PutDocuments stores docs by id.
func (s *MemoryMetadataStore) PutDocuments(_ context.Context, docs []models.Document) ([]models.ItemError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if prev, ok := s.docs[d.ID]; ok && !prev.CreatedAt.IsZero() {
			d.CreatedAt = prev.CreatedAt
		}
		s.docs[d.ID] = d
	}
	return nil, nil
}

// GetDocuments returns the stored documents among ids.
func (s *MemoryMetadataStore) GetDocuments(_ context.Context, ids []string) (map[string]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Document, len(ids))
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

// ListDocumentIDs lists a tenant's documents updated before the given time.
func (s *MemoryMetadataStore) ListDocumentIDs(_ context.Context, tenantID string, updatedBefore time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, d := range s.docs {
		if d.TenantID != tenantID {
			continue
		}
		if !updatedBefore.IsZero() && !d.UpdatedAt.Before(updatedBefore) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteCollectionDocuments removes a collection's documents.
func (s *MemoryMetadataStore) DeleteCollectionDocuments(_ context.Context, tenantID, collectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.docs {
		if d.TenantID == tenantID && d.CollectionID == collectionID {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// DeleteDocuments removes a tenant's documents by id.
func (s *MemoryMetadataStore) DeleteDocuments(_ context.Context, tenantID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if d, ok := s.docs[id]; ok && d.TenantID == tenantID {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// ListTenants returns tenants with at least one document.
func (s *MemoryMetadataStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, d := range s.docs {
		if !seen[d.TenantID] {
			seen[d.TenantID] = true
			out = append(out, d.TenantID)
		}
	}
	slices.Sort(out)
	return out, nil
}
