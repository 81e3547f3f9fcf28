// Package app wires the storage backend, embedder and services from config.
// It is the dependency injection root shared by every binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/sitekb/internal/config"
	"github.com/raphaelgruber/sitekb/internal/crawler"
	"github.com/raphaelgruber/sitekb/internal/db"
	"github.com/raphaelgruber/sitekb/internal/embedcache"
	"github.com/raphaelgruber/sitekb/internal/embedding"
	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/parser"
	"github.com/raphaelgruber/sitekb/internal/service"
	"github.com/raphaelgruber/sitekb/internal/sqlite"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
	"github.com/raphaelgruber/sitekb/internal/worker"
)

var (
	_ service.JobStore          = (*sqlite.Store)(nil)
	_ service.JobStore          = (*db.Client)(nil)
	_ vectorindex.VectorStore   = (*db.Client)(nil)
	_ vectorindex.MetadataStore = (*db.Client)(nil)
	_ service.CachePurger       = (*sqlite.Store)(nil)
	_ service.CachePurger       = (*db.Client)(nil)
)

// backend is everything one storage choice provides.
type backend struct {
	vectors vectorindex.VectorStore
	meta    vectorindex.MetadataStore
	jobs    service.JobStore
	cache   embedcache.Store
	purger  service.CachePurger
	ping    func(ctx context.Context) error
	wipe    func(ctx context.Context) error
	close   func(ctx context.Context) error
}

// App holds the running services.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Index       *vectorindex.Index
	Embedder    *embedcache.Cache
	Coordinator *service.Coordinator
	Retrieval   *service.RetrievalService
	Reconciler  *service.Reconciler

	backend backend
	pool    *worker.Pool

	stopReconcile context.CancelFunc
	wg            sync.WaitGroup
}

// New builds every service. The embedder is created from config unless
// embedder is non-nil.
func New(ctx context.Context, cfg config.Config, embedder embedding.Embedder, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc := metrics.NewCollector()

	be, err := openBackend(ctx, cfg, logger, mc)
	if err != nil {
		return nil, err
	}

	if embedder == nil {
		embedder, err = embedding.New(ctx, cfg, logger)
		if err != nil {
			_ = be.close(ctx)
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}
	logger.Info("embedder initialized", "provider", cfg.EmbedProvider, "model", embedder.Model(), "dimension", embedder.Dimension())

	index := vectorindex.New(be.vectors, be.meta, logger, mc)
	cache := embedcache.New(embedder, be.cache, embedcache.Options{
		BatchSize:  cfg.EmbedBatchSize,
		BatchDelay: cfg.EmbedBatchDelay,
		MaxRetries: cfg.EmbedMaxRetries,
		TTL:        cfg.EmbedCacheTTL,
	}, logger, mc)

	pool := worker.New(cfg.Workers, cfg.QueueDepth, logger)
	coord := service.NewCoordinator(
		be.jobs,
		crawler.New(nil, logger, mc),
		parser.NewProcessor(parser.Options{MinContentLength: cfg.MinContentLength, MaxChunkLength: cfg.MaxChunkLength}),
		cache,
		index,
		pool,
		service.CoordinatorOptions{
			InstanceID:     cfg.InstanceID,
			LeaseTTL:       cfg.LeaseTTL,
			JobTimeout:     cfg.JobTimeout,
			ProgressFlush:  cfg.ProgressFlush,
			IndexBatchSize: cfg.EmbedBatchSize,
			Crawl: crawler.Options{
				MaxPages:      cfg.CrawlMaxPages,
				Timeout:       cfg.CrawlPageTimeout,
				RespectRobots: cfg.CrawlRespectRobot,
				Delay:         cfg.CrawlDelay,
				UserAgent:     cfg.CrawlUserAgent,
				StripQuery:    true,
				MaxBodyBytes:  cfg.CrawlMaxBodyBytes,
			},
		},
		logger, mc)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     mc,
		Index:       index,
		Embedder:    cache,
		Coordinator: coord,
		Retrieval: service.NewRetrievalService(cache, index, service.RetrievalOptions{
			TopK:            cfg.RetrievalTopK,
			MaxContextChars: cfg.RetrievalMaxChars,
			MinScore:        cfg.RetrievalMinScore,
		}, logger, mc),
		Reconciler: service.NewReconciler(index, be.purger, service.ReconcilerOptions{
			Interval: cfg.ReconcileInterval,
			Grace:    cfg.ReconcileGrace,
		}, logger),
		backend: be,
		pool:    pool,
	}, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, mc *metrics.Collector) (backend, error) {
	lru := embedcache.NewLRUStore(cfg.EmbedCacheSize, cfg.EmbedCacheTTL)

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return backend{
			vectors: vectorindex.NewMemoryVectorStore(),
			meta:    vectorindex.NewMemoryMetadataStore(),
			jobs:    service.NewMemoryJobStore(),
			cache:   lru,
			ping:    func(context.Context) error { return nil },
			wipe:    func(context.Context) error { return errors.New("memory store cannot be wiped, restart instead") },
			close:   func(context.Context) error { return nil },
		}, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return backend{}, err
		}
		logger.Info("sqlite store ready", "path", store.Path())
		return backend{
			vectors: store,
			meta:    store,
			jobs:    store,
			cache:   embedcache.NewTieredStore(lru, store.EmbeddingCache(), logger),
			purger:  store,
			ping:    store.Ping,
			wipe:    store.WipeData,
			close:   func(context.Context) error { return store.Close() },
		}, nil

	case config.StoreSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
			Metrics:   mc,
		}, logger)
		if err != nil {
			return backend{}, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return backend{}, err
		}
		return backend{
			vectors: client,
			meta:    client,
			jobs:    client,
			cache:   embedcache.NewTieredStore(lru, client.EmbeddingCache(), logger),
			purger:  client,
			ping:    client.Ping,
			wipe:    client.WipeData,
			close:   client.Close,
		}, nil
	}
	return backend{}, fmt.Errorf("unknown store %q", cfg.Store)
}

// Start fails jobs abandoned by stopped instances and starts the periodic
// reconciliation sweep.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Coordinator.RecoverAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("recover abandoned jobs: %w", err)
	}
	if n > 0 {
		a.Logger.Warn("abandoned jobs marked failed", "count", n)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopReconcile = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Reconciler.Run(rctx)
	}()
	return nil
}

// Ping checks the storage backend.
func (a *App) Ping(ctx context.Context) error {
	return a.backend.ping(ctx)
}

// WipeData deletes all stored data. Use for testing only.
func (a *App) WipeData(ctx context.Context) error {
	return a.backend.wipe(ctx)
}

// Close stops running jobs, waits for them to record their final state and
// closes the backend.
func (a *App) Close(ctx context.Context) error {
	if a.stopReconcile != nil {
		a.stopReconcile()
	}
	a.wg.Wait()

	a.Coordinator.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	poolErr := a.pool.Shutdown(shutdownCtx)
	if poolErr != nil {
		a.Logger.Warn("worker pool did not drain", "error", poolErr)
	}
	return errors.Join(poolErr, a.backend.close(ctx))
}
