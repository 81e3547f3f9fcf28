// Package embedcache deduplicates, caches and batches embedding requests.
package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/raphaelgruber/sitekb/internal/embedding"
	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
)

// Options tune batching and retries.
type Options struct {
	// BatchSize caps the number of texts per provider call.
	BatchSize int
	// BatchDelay is the minimum spacing between provider calls, shared by all callers.
	BatchDelay time.Duration
	// MaxRetries is the number of batch-level retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the first retry interval.
	InitialBackoff time.Duration
	// TTL is passed to the store on every write.
	TTL time.Duration
}

// DefaultOptions returns the default batching settings.
func DefaultOptions() Options {
	return Options{
		BatchSize:      32,
		BatchDelay:     200 * time.Millisecond,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		TTL:            24 * time.Hour,
	}
}

// Result is the embedding outcome for one input text.
type Result struct {
	Vector []float32
	// Err is an *models.EmbeddingProviderError when the provider gave up on this text.
	Err    error
	Cached bool
}

// call is one in-flight provider request for a key.
type call struct {
	done chan struct{}
	vec  []float32
	err  error
}

// Cache fronts an Embedder with a Store.
// Concurrent requests for the same uncached text share one provider call.
type Cache struct {
	embedder embedding.Embedder
	store    Store
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	inflight map[string]*call
}

// New creates a cache. A nil store disables persistence but keeps coalescing.
func New(embedder embedding.Embedder, store Store, opts Options, logger *slog.Logger, mc *metrics.Collector) *Cache {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.BatchDelay > 0 {
		limit = rate.Every(opts.BatchDelay)
	}

	return &Cache{
		embedder: embedder,
		store:    store,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		metrics:  mc,
		inflight: make(map[string]*call),
	}
}

// Model returns the model of the underlying embedder.
func (c *Cache) Model() string {
	return c.embedder.Model()
}

// Dimension returns the vector dimension of the underlying embedder.
func (c *Cache) Dimension() int {
	return c.embedder.Dimension()
}

// Embed returns the embedding of a single text.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0].Vector, results[0].Err
}

// EmbedBatch embeds texts, returning one Result per input in order.
//
// Per-text provider failures are reported in Result.Err and do not fail the
// call. The returned error is non-nil only when ctx ends; results for texts
// that completed before that are still filled in.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	model := c.embedder.Model()
	keys := make([]string, len(texts))
	byKey := make(map[string][]int, len(texts))
	var order []string
	for i, text := range texts {
		k := Key(model, text)
		keys[i] = k
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	// Cache lookups.
	var misses []string
	for _, k := range order {
		if vec, ok := c.lookup(ctx, k); ok {
			for _, i := range byKey[k] {
				results[i] = Result{Vector: vec, Cached: true}
			}
			c.metrics.Add(metrics.CounterCacheHit, int64(len(byKey[k])))
			continue
		}
		misses = append(misses, k)
	}
	if len(misses) == 0 {
		return results, nil
	}
	c.metrics.Add(metrics.CounterCacheMiss, int64(len(misses)))

	// Claim keys nobody else is embedding; wait on the rest.
	owned := make(map[string]*call)
	waiting := make(map[string]*call)
	c.mu.Lock()
	for _, k := range misses {
		if existing, ok := c.inflight[k]; ok {
			waiting[k] = existing
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[k] = cl
		owned[k] = cl
	}
	c.mu.Unlock()
	if len(waiting) > 0 {
		c.metrics.Add(metrics.CounterCacheCoalesced, int64(len(waiting)))
	}

	// A leader may have saved a key between our lookup and our claim.
	var ownedKeys []string
	for _, k := range misses {
		cl, ok := owned[k]
		if !ok {
			continue
		}
		if vec, hit := c.lookup(ctx, k); hit {
			c.finish(k, cl, vec, nil)
			delete(owned, k)
			for _, i := range byKey[k] {
				results[i] = Result{Vector: vec, Cached: true}
			}
			continue
		}
		ownedKeys = append(ownedKeys, k)
	}
	textFor := func(k string) string { return texts[byKey[k][0]] }

	runErr := c.runOwned(ctx, ownedKeys, owned, textFor)

	for _, k := range ownedKeys {
		cl := owned[k]
		for _, i := range byKey[k] {
			results[i] = Result{Vector: cl.vec, Err: cl.err}
		}
	}

	var retry []string
	for _, k := range misses {
		cl, ok := waiting[k]
		if !ok {
			continue
		}
		select {
		case <-cl.done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
		if isContextErr(cl.err) && ctx.Err() == nil {
			// The leader's caller went away; embed it ourselves.
			retry = append(retry, k)
			continue
		}
		for _, i := range byKey[k] {
			results[i] = Result{Vector: cl.vec, Err: cl.err}
		}
	}

	if runErr != nil {
		return results, runErr
	}

	if len(retry) > 0 {
		retryTexts := make([]string, len(retry))
		for i, k := range retry {
			retryTexts[i] = textFor(k)
		}
		again, err := c.EmbedBatch(ctx, retryTexts)
		for j, k := range retry {
			for _, i := range byKey[k] {
				results[i] = again[j]
			}
		}
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// runOwned embeds the owned keys in paced batches and always resolves every
// owned call, so waiters never block on an abandoned leader.
func (c *Cache) runOwned(ctx context.Context, keys []string, owned map[string]*call, textFor func(string) string) (err error) {
	resolved := 0
	defer func() {
		for _, k := range keys[resolved:] {
			c.finish(k, owned[k], nil, err)
		}
	}()

	for start := 0; start < len(keys); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(keys))
		batch := keys[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		batchTexts := make([]string, len(batch))
		for i, k := range batch {
			batchTexts[i] = textFor(k)
		}
		vectors, errs := c.embedWithRetry(ctx, batchTexts)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		for i, k := range batch {
			if errs[i] == nil {
				c.save(ctx, k, vectors[i])
			}
			c.finish(k, owned[k], vectors[i], errs[i])
		}
		resolved = end
	}
	return nil
}

// embedWithRetry calls the provider with exponential backoff. When the batch
// keeps failing, every text is tried once on its own so one bad input cannot
// sink the others.
func (c *Cache) embedWithRetry(ctx context.Context, texts []string) ([][]float32, []error) {
	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	attempts := 0
	op := func() error {
		attempts++
		start := time.Now()
		out, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			c.metrics.RecordError(metrics.OpEmbedding, time.Since(start))
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("embedding batch failed", "attempt", attempts, "texts", len(texts), "error", err)
			return err
		}
		c.metrics.RecordTiming(metrics.OpEmbedding, time.Since(start))
		if len(out) != len(texts) {
			return fmt.Errorf("provider returned %d embeddings for %d texts", len(out), len(texts))
		}
		copy(vectors, out)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	batchErr := backoff.Retry(op, policy)
	if batchErr == nil {
		return vectors, errs
	}
	if ctx.Err() != nil {
		for i := range errs {
			errs[i] = ctx.Err()
		}
		return vectors, errs
	}

	c.logger.Warn("embedding batch exhausted retries, falling back to single items",
		"attempts", attempts, "texts", len(texts), "error", batchErr)

	for i, text := range texts {
		out, err := c.embedder.EmbedBatch(ctx, []string{text})
		if err == nil && len(out) == 1 {
			vectors[i] = out[0]
			continue
		}
		if err == nil {
			err = errors.New("provider returned no embedding")
		}
		errs[i] = &models.EmbeddingProviderError{Attempts: attempts + 1, Err: err}
	}
	return vectors, errs
}

func (c *Cache) lookup(ctx context.Context, key string) ([]float32, bool) {
	if c.store == nil {
		return nil, false
	}
	vec, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
		return nil, false
	}
	if ok && len(vec) != c.embedder.Dimension() {
		return nil, false
	}
	return vec, ok
}

func (c *Cache) save(ctx context.Context, key string, vec []float32) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, vec, c.opts.TTL); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}

func (c *Cache) finish(key string, cl *call, vec []float32, err error) {
	cl.vec, cl.err = vec, err
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
