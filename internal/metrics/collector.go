// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors,omitempty"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// CacheSnapshot summarizes embedding cache effectiveness.
type CacheSnapshot struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Coalesced int64   `json:"coalesced"`
	HitRate   float64 `json:"hit_rate"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
	Cache         CacheSnapshot                 `json:"cache"`
	Counters      map[string]int64              `json:"counters"`
}

// Operation names for the collector.
const (
	OpCrawlFetch  = "crawl_fetch"
	OpEmbedding   = "embedding"
	OpIndexUpsert = "index_upsert"
	OpIndexSearch = "index_search"
	OpIndexDelete = "index_delete"
	OpRetrieve    = "retrieve"
	OpJobRun      = "job_run"
	OpReconcile   = "reconcile"
	OpStoreQuery  = "store_query"
	OpToolCall    = "tool_call"
)

// Counter names.
const (
	CounterCacheHit        = "cache_hit"
	CounterCacheMiss       = "cache_miss"
	CounterCacheCoalesced  = "cache_coalesced"
	CounterPagesFetched    = "pages_fetched"
	CounterPagesFailed     = "pages_failed"
	CounterChunksIndexed   = "chunks_indexed"
	CounterJobsStarted     = "jobs_started"
	CounterJobsDeduped     = "jobs_deduplicated"
	CounterJobsCompleted   = "jobs_completed"
	CounterJobsFailed      = "jobs_failed"
	CounterJobsCancelled   = "jobs_cancelled"
	CounterOrphansRemoved  = "orphans_removed"
	CounterQueriesNoResult = "queries_no_knowledge"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and safe to call on a nil Collector.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	counters  map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		counters:  make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.record(op, duration, false)
}

// RecordError records timing for an operation that failed.
func (c *Collector) RecordError(op string, duration time.Duration) {
	c.record(op, duration, true)
}

func (c *Collector) record(op string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if failed {
		m.Errors++
	}

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Add increments a named counter by n.
func (c *Collector) Add(counter string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	c.counters[counter] += n
	c.mu.Unlock()
}

// Inc increments a named counter by one.
func (c *Collector) Inc(counter string) {
	c.Add(counter, 1)
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(counter string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[counter]
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]*OperationSnapshot, len(c.ops)),
		Counters:      make(map[string]int64, len(c.counters)),
	}
	for name, m := range c.ops {
		if s := snapshotOp(m); s != nil {
			snap.Operations[name] = s
		}
	}
	for name, v := range c.counters {
		snap.Counters[name] = v
	}

	hits, misses := c.counters[CounterCacheHit], c.counters[CounterCacheMiss]
	snap.Cache = CacheSnapshot{
		Hits:      hits,
		Misses:    misses,
		Coalesced: c.counters[CounterCacheCoalesced],
	}
	if total := hits + misses; total > 0 {
		snap.Cache.HitRate = float64(hits) / float64(total)
	}
	return snap
}
