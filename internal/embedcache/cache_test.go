package embedcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
)

// fakeEmbedder encodes the text length in the first dimension.
type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	// hook runs before each call; a non-nil error fails it.
	hook func(ctx context.Context, call int, texts []string) error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.batches = append(f.batches, append([]string(nil), texts...))
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, n, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string  { return "fake" }
func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions() Options {
	return Options{BatchSize: 32, MaxRetries: 2, InitialBackoff: time.Millisecond, TTL: time.Hour}
}

func newTestCache(e *fakeEmbedder, opts Options) (*Cache, *metrics.Collector) {
	mc := metrics.NewCollector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(e, NewLRUStore(100, time.Hour), opts, logger, mc), mc
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("m", "hello  world"), Key("m", " hello\nworld "))
	assert.NotEqual(t, Key("m", "hello"), Key("other", "hello"))
	assert.NotEqual(t, Key("m", "hello"), Key("m", "Hello"))
	assert.Len(t, Key("m", "x"), 64)
}

func TestEmbed_CacheHitSkipsProvider(t *testing.T) {
	e := &fakeEmbedder{}
	c, mc := newTestCache(e, testOptions())
	ctx := context.Background()

	v1, err := c.Embed(ctx, "return policy")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "return   policy")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, e.callCount())
	assert.Equal(t, int64(1), mc.Counter(metrics.CounterCacheHit))
	assert.Equal(t, int64(1), mc.Counter(metrics.CounterCacheMiss))
}

func TestEmbedBatch_DedupesAndBatches(t *testing.T) {
	e := &fakeEmbedder{}
	opts := testOptions()
	opts.BatchSize = 2
	c, _ := newTestCache(e, opts)

	texts := []string{"a", "bb", "a", "ccc", "dddd", "eeeee"}
	results, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, len(texts))

	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, float32(len(texts[i])), r.Vector[0])
		assert.False(t, r.Cached)
	}
	assert.Equal(t, 3, e.callCount(), "five unique texts in batches of two")
	for _, b := range e.batches {
		assert.LessOrEqual(t, len(b), 2)
	}

	results, err = c.EmbedBatch(context.Background(), []string{"bb", "ffffff"})
	require.NoError(t, err)
	assert.True(t, results[0].Cached)
	assert.False(t, results[1].Cached)
	assert.Equal(t, 4, e.callCount())
}

func TestEmbedBatch_TransientFailureRetried(t *testing.T) {
	e := &fakeEmbedder{hook: func(_ context.Context, call int, _ []string) error {
		if call <= 2 {
			return errors.New("503 service unavailable")
		}
		return nil
	}}
	c, _ := newTestCache(e, testOptions())

	results, err := c.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Vector)
	}
	assert.Equal(t, 3, e.callCount())
}

func TestEmbedBatch_PoisonItemFailsAlone(t *testing.T) {
	e := &fakeEmbedder{hook: func(_ context.Context, _ int, texts []string) error {
		for _, t := range texts {
			if strings.Contains(t, "poison") {
				return errors.New("invalid input")
			}
		}
		return nil
	}}
	opts := testOptions()
	opts.MaxRetries = 1
	c, _ := newTestCache(e, opts)

	results, err := c.EmbedBatch(context.Background(), []string{"fine", "poison pill", "also fine"})
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[2].Err)
	assert.NotNil(t, results[0].Vector)

	var perr *models.EmbeddingProviderError
	require.ErrorAs(t, results[1].Err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Nil(t, results[1].Vector)

	// two batch attempts plus three single-item calls
	assert.Equal(t, 5, e.callCount())

	// failures are not cached
	_, err = c.Embed(context.Background(), "poison pill")
	assert.Error(t, err)
}

func TestEmbed_ConcurrentSameTextCoalesced(t *testing.T) {
	release := make(chan struct{})
	e := &fakeEmbedder{hook: func(ctx context.Context, call int, _ []string) error {
		if call == 1 {
			<-release
		}
		return nil
	}}
	c, mc := newTestCache(e, testOptions())

	var wg sync.WaitGroup
	vecs := make([][]float32, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs[i], errs[i] = c.Embed(context.Background(), "shared text")
		}()
	}

	require.Eventually(t, func() bool {
		return mc.Counter(metrics.CounterCacheCoalesced) == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, vecs[0], vecs[1])
	assert.Equal(t, 1, e.callCount())
	assert.Empty(t, c.inflight)
}

func TestEmbed_FollowerSurvivesCancelledLeader(t *testing.T) {
	release := make(chan struct{})
	e := &fakeEmbedder{hook: func(ctx context.Context, call int, _ []string) error {
		if call == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	c, mc := newTestCache(e, testOptions())

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Embed(leaderCtx, "shared")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return e.callCount() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan error, 1)
	var followerVec []float32
	go func() {
		var err error
		followerVec, err = c.Embed(context.Background(), "shared")
		followerDone <- err
	}()
	require.Eventually(t, func() bool {
		return mc.Counter(metrics.CounterCacheCoalesced) == 1
	}, time.Second, time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	require.NoError(t, <-followerDone)
	assert.Equal(t, float32(len("shared")), followerVec[0])
	close(release)
}

func TestEmbedBatch_CancelledContext(t *testing.T) {
	e := &fakeEmbedder{}
	c, _ := newTestCache(e, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := c.EmbedBatch(ctx, []string{"x", "y"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 2)
	assert.Zero(t, e.callCount())
	assert.Empty(t, c.inflight)
}

func TestEmbedBatch_PacedByLimiter(t *testing.T) {
	e := &fakeEmbedder{}
	opts := testOptions()
	opts.BatchSize = 1
	opts.BatchDelay = 20 * time.Millisecond
	c, _ := newTestCache(e, opts)

	start := time.Now()
	_, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, 3, e.callCount())
}

func TestLRUStore_Expires(t *testing.T) {
	s := NewLRUStore(10, 20*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []float32{1}, 0))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)

	require.Eventually(t, func() bool {
		_, ok, _ := s.Get(ctx, "k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]float32
	sets int
}

func (m *mapStore) Get(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key string, vec []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = vec
	m.sets++
	return nil
}

func TestTieredStore(t *testing.T) {
	front := NewLRUStore(10, time.Hour)
	back := &mapStore{data: map[string][]float32{"warm": {2}}}
	s := NewTieredStore(front, back, nil)
	ctx := context.Background()

	v, ok, err := s.Get(ctx, "warm")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2}, v)
	assert.Equal(t, 1, front.Len(), "back hit promoted")

	_, ok, err = s.Get(ctx, "cold")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "new", []float32{3}, time.Minute))
	assert.Equal(t, 1, back.sets)
	assert.Equal(t, 2, front.Len())
}

func TestCache_SharedBackendAcrossInstances(t *testing.T) {
	back := &mapStore{data: map[string][]float32{}}
	e1, e2 := &fakeEmbedder{}, &fakeEmbedder{}
	c1 := New(e1, NewTieredStore(NewLRUStore(10, time.Hour), back, nil), testOptions(), nil, nil)
	c2 := New(e2, NewTieredStore(NewLRUStore(10, time.Hour), back, nil), testOptions(), nil, nil)

	_, err := c1.Embed(context.Background(), "faq entry")
	require.NoError(t, err)
	_, err = c2.Embed(context.Background(), "faq entry")
	require.NoError(t, err)

	assert.Equal(t, 1, e1.callCount())
	assert.Zero(t, e2.callCount())
}

// lateStore misses the first read of each key and then holds a vector, as
// when another leader saves it right after that read.
type lateStore struct {
	mapStore
	reads map[string]int
}

func (l *lateStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	l.mu.Lock()
	l.reads[key]++
	if l.reads[key] == 1 {
		l.data[key] = []float32{9, 9, 9}
		l.mu.Unlock()
		return nil, false, nil
	}
	l.mu.Unlock()
	return l.mapStore.Get(ctx, key)
}

func TestEmbed_SavedBeforeClaimSkipsProvider(t *testing.T) {
	e := &fakeEmbedder{}
	store := &lateStore{mapStore: mapStore{data: map[string][]float32{}}, reads: map[string]int{}}
	c := New(e, store, testOptions(), nil, nil)

	results, err := c.EmbedBatch(context.Background(), []string{"shipping times"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Cached)
	assert.Equal(t, []float32{9, 9, 9}, results[0].Vector)
	assert.Zero(t, e.callCount())
	assert.Zero(t, store.sets)
}
