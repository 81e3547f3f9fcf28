package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

// CachePurger drops expired embedding cache entries.
type CachePurger interface {
	PurgeExpiredCache(ctx context.Context) (int, error)
}

// ReconcilerOptions tune the sweep.
type ReconcilerOptions struct {
	Interval time.Duration
	// Grace skips documents updated within this window so in-flight upserts
	// are not mistaken for orphans.
	Grace       time.Duration
	Concurrency int
}

// Reconciler removes vectors without documents and documents without
// vectors, tenant by tenant.
type Reconciler struct {
	index  Index
	purger CachePurger
	opts   ReconcilerOptions
	logger *slog.Logger
}

// NewReconciler creates a reconciler. purger may be nil.
func NewReconciler(ix Index, purger CachePurger, opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{index: ix, purger: purger, opts: opts, logger: logger}
}

// ReconcileTenant sweeps one tenant.
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID string) (vectorindex.ReconcileReport, error) {
	return r.index.Reconcile(ctx, tenantID, r.opts.Grace)
}

// RunOnce sweeps every tenant, a bounded number at a time.
func (r *Reconciler) RunOnce(ctx context.Context) ([]vectorindex.ReconcileReport, error) {
	start := time.Now()
	tenants, err := r.index.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	reports := make([]vectorindex.ReconcileReport, 0, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, tenant := range tenants {
		g.Go(func() error {
			rep, err := r.index.Reconcile(gctx, tenant, r.opts.Grace)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	if r.purger != nil {
		n, err := r.purger.PurgeExpiredCache(ctx)
		if err != nil {
			r.logger.Warn("failed to purge embedding cache", "error", err)
		} else if n > 0 {
			r.logger.Info("purged expired embedding cache entries", "count", n)
		}
	}
	r.logger.Info("reconciliation finished", "tenants", len(tenants), "duration", time.Since(start))
	return reports, nil
}

// Run sweeps on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}
