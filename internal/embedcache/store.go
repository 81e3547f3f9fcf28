package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store persists embeddings by cache key.
type Store interface {
	// Get returns the cached vector for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]float32, bool, error)
	// Set stores vec under key for ttl.
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// Key derives the cache key for text embedded with model.
// Whitespace differences do not change the key.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// NormalizeText collapses whitespace runs and trims text.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// LRUStore is an in-process, size-bounded store with a fixed entry lifetime.
type LRUStore struct {
	lru *expirable.LRU[string, []float32]
}

var _ Store = (*LRUStore)(nil)

// NewLRUStore creates an LRU holding at most size entries for ttl each.
func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	if size <= 0 {
		size = 10000
	}
	return &LRUStore{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

// Get returns the vector for key if present and unexpired.
func (s *LRUStore) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := s.lru.Get(key)
	return v, ok, nil
}

// Set stores vec. The LRU applies its own lifetime, so ttl is ignored.
func (s *LRUStore) Set(_ context.Context, key string, vec []float32, _ time.Duration) error {
	s.lru.Add(key, vec)
	return nil
}

// Len returns the number of live entries.
func (s *LRUStore) Len() int {
	return s.lru.Len()
}

// TieredStore serves reads from a fast front store and falls back to a
// shared back store, promoting back-store hits to the front.
type TieredStore struct {
	front  Store
	back   Store
	logger *slog.Logger
}

var _ Store = (*TieredStore)(nil)

// NewTieredStore layers front over back.
func NewTieredStore(front, back Store, logger *slog.Logger) *TieredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredStore{front: front, back: back, logger: logger}
}

// Get checks front, then back.
func (s *TieredStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	if v, ok, err := s.front.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}

	v, ok, err := s.back.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.front.Set(ctx, key, v, 0); err != nil {
		s.logger.Debug("promote cached embedding failed", "error", err)
	}
	return v, true, nil
}

// Set writes both tiers. A back-store failure is returned after the front is written.
func (s *TieredStore) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	if err := s.front.Set(ctx, key, vec, ttl); err != nil {
		s.logger.Debug("front cache write failed", "error", err)
	}
	return s.back.Set(ctx, key, vec, ttl)
}
