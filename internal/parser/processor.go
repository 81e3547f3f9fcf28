package parser

import (
	"fmt"
	"maps"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/sitekb/internal/crawler"
	"github.com/raphaelgruber/sitekb/internal/models"
)

// DefaultMinContentLength is the shortest cleaned page, in runes, that is indexed.
const DefaultMinContentLength = 100

// Options configure a Processor.
type Options struct {
	MinContentLength int
	MaxChunkLength   int
}

// Processor converts raw pages into Documents. It holds no mutable state.
type Processor struct {
	minLength int
	maxChunk  int
	now       func() time.Time
}

// NewProcessor creates a processor, substituting defaults for zero options.
func NewProcessor(opts Options) *Processor {
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = DefaultMinContentLength
	}
	if opts.MaxChunkLength <= 0 {
		opts.MaxChunkLength = DefaultMaxChunkLength
	}
	return &Processor{
		minLength: opts.MinContentLength,
		maxChunk:  opts.MaxChunkLength,
		now:       time.Now,
	}
}

// Process cleans, classifies and chunks one page.
// Pages shorter than the minimum content length return models.ErrContentTooShort.
func (p *Processor) Process(page crawler.RawPage, tenantID, collectionID string) ([]models.Document, error) {
	text := Clean(page.Text)
	if n := utf8.RuneCountInString(text); n < p.minLength {
		return nil, fmt.Errorf("%w: %s has %d characters", models.ErrContentTooShort, page.URL, n)
	}

	title := Clean(page.Title)
	if title == "" {
		title = page.URL
	}
	docType := Classify(page.URL, title, text)
	chunks := ChunkText(text, p.maxChunk)
	now := p.now().UTC()

	docs := make([]models.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = models.Document{
			ID:           models.DocumentID(tenantID, collectionID, page.URL, i),
			TenantID:     tenantID,
			CollectionID: collectionID,
			URL:          page.URL,
			Title:        title,
			Content:      chunk,
			Type:         docType,
			ChunkIndex:   i,
			TotalChunks:  len(chunks),
			Metadata:     maps.Clone(page.Metadata),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return docs, nil
}
