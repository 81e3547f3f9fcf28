package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

// RetrievalOptions bound the assembled context.
type RetrievalOptions struct {
	// TopK is used when a request does not name one.
	TopK    int
	MinTopK int
	MaxTopK int
	// MaxContextChars caps the assembled context in runes.
	MaxContextChars int
	MinScore        float64
	// Timeout bounds a shared lookup once every caller waiting on it is gone.
	Timeout time.Duration
}

// DefaultRetrievalOptions returns the defaults: four chunks, at most 6000 runes.
func DefaultRetrievalOptions() RetrievalOptions {
	return RetrievalOptions{TopK: 4, MinTopK: 3, MaxTopK: 5, MaxContextChars: 6000, Timeout: 30 * time.Second}
}

// RetrieveRequest is one retrieval query.
type RetrieveRequest struct {
	TenantID     string                `json:"tenant_id"`
	CollectionID string                `json:"collection_id"`
	Query        string                `json:"query"`
	TopK         int                   `json:"top_k,omitempty"`
	Types        []models.DocumentType `json:"types,omitempty"`
}

// Source is one chunk that contributed to the context.
type Source struct {
	DocumentID string              `json:"document_id"`
	URL        string              `json:"url"`
	Title      string              `json:"title"`
	Type       models.DocumentType `json:"type"`
	ChunkIndex int                 `json:"chunk_index"`
	Score      float64             `json:"score"`
	Truncated  bool                `json:"truncated,omitempty"`
}

// Retrieval is the context handed to an answer generator.
// Callers must branch on NoKnowledge before using Context.
type Retrieval struct {
	Context     string   `json:"context"`
	Sources     []Source `json:"sources"`
	NoKnowledge bool     `json:"no_knowledge"`
}

const chunkSeparator = "\n\n---\n\n"

// RetrievalService answers queries from a tenant's collection.
type RetrievalService struct {
	embedder Embedder
	index    Index
	opts     RetrievalOptions
	logger   *slog.Logger
	metrics  *metrics.Collector
	group    singleflight.Group
}

// NewRetrievalService creates a retrieval service.
func NewRetrievalService(e Embedder, ix Index, opts RetrievalOptions, logger *slog.Logger, mc *metrics.Collector) *RetrievalService {
	def := DefaultRetrievalOptions()
	if opts.MinTopK <= 0 {
		opts.MinTopK = def.MinTopK
	}
	if opts.MaxTopK < opts.MinTopK {
		opts.MaxTopK = max(def.MaxTopK, opts.MinTopK)
	}
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = def.MaxContextChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalService{embedder: e, index: ix, opts: opts, logger: logger, metrics: mc}
}

func (s *RetrievalService) topK(requested int) int {
	k := requested
	if k <= 0 {
		k = s.opts.TopK
	}
	return min(max(k, s.opts.MinTopK), s.opts.MaxTopK)
}

// Retrieve embeds the query, searches the collection and concatenates the
// best chunks, highest score first, up to the context budget.
func (s *RetrievalService) Retrieve(ctx context.Context, req RetrieveRequest) (*Retrieval, error) {
	if _, err := models.NewJobKey(req.TenantID, req.CollectionID); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", models.ErrInvalidInput)
	}
	topK := s.topK(req.TopK)

	types := make([]string, len(req.Types))
	for i, t := range req.Types {
		types[i] = string(t)
	}
	key := strings.Join([]string{req.TenantID, req.CollectionID, strconv.Itoa(topK), strings.Join(types, ","), query}, "\x00")

	// The shared lookup outlives any single caller; each caller still
	// returns as soon as its own context is done.
	ch := s.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		return s.retrieve(sctx, req.TenantID, req.CollectionID, query, topK, req.Types)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		s.logger.Debug("retrieval coalesced", "tenant_id", req.TenantID, "collection_id", req.CollectionID)
	}
	out := *res.Val.(*Retrieval)
	out.Sources = append(make([]Source, 0, len(out.Sources)), out.Sources...)
	return &out, nil
}

func (s *RetrievalService) retrieve(ctx context.Context, tenantID, collectionID, query string, topK int, types []models.DocumentType) (*Retrieval, error) {
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.metrics.RecordError(metrics.OpRetrieve, time.Since(start))
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.index.Search(ctx, tenantID, collectionID, vec, topK, vectorindex.Filter{
		Types:    types,
		MinScore: s.opts.MinScore,
	})
	if err != nil {
		s.metrics.RecordError(metrics.OpRetrieve, time.Since(start))
		return nil, err
	}
	s.metrics.RecordTiming(metrics.OpRetrieve, time.Since(start))

	if len(results) == 0 {
		s.metrics.Inc(metrics.CounterQueriesNoResult)
		s.logger.Info("retrieval found no knowledge", "tenant_id", tenantID, "collection_id", collectionID)
		return &Retrieval{Sources: []Source{}, NoKnowledge: true}, nil
	}
	out := assembleContext(results, s.opts.MaxContextChars)
	s.logger.Debug("retrieval assembled context", "tenant_id", tenantID, "collection_id", collectionID,
		"sources", len(out.Sources), "chars", len([]rune(out.Context)))
	return out, nil
}

// assembleContext joins results in the given order until the next chunk
// would exceed budget runes. A first chunk that alone exceeds the budget is
// truncated so the context is never empty when results exist.
func assembleContext(results []models.SearchResult, budget int) *Retrieval {
	var b strings.Builder
	used := 0
	sep := len([]rune(chunkSeparator))
	sources := make([]Source, 0, len(results))

	for i, r := range results {
		content := []rune(strings.TrimSpace(r.Content))
		need := len(content)
		if i > 0 {
			need += sep
		}
		truncated := false
		if used+need > budget {
			if i > 0 {
				break
			}
			content = content[:budget]
			truncated = true
		}
		if i > 0 {
			b.WriteString(chunkSeparator)
			used += sep
		}
		b.WriteString(string(content))
		used += len(content)
		sources = append(sources, Source{
			DocumentID: r.DocumentID,
			URL:        r.Metadata.URL,
			Title:      r.Metadata.Title,
			Type:       r.Metadata.Type,
			ChunkIndex: r.Metadata.ChunkIndex,
			Score:      r.Score,
			Truncated:  truncated,
		})
	}
	return &Retrieval{Context: b.String(), Sources: sources}
}
