package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/embedcache"
)

type cacheRow struct {
	Embedding []float32 `json:"embedding"`
	ExpiresAt int64     `json:"expires_at"`
}

// EmbeddingCache exposes the database as a shared embedding cache backend.
func (c *Client) EmbeddingCache() embedcache.Store {
	return &cacheStore{client: c}
}

type cacheStore struct {
	client *Client
}

func (s *cacheStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	rows, err := queryLast[[]cacheRow](ctx, s.client,
		`SELECT embedding, expires_at FROM type::record("embedding_cache", $key)`,
		map[string]any{"key": key})
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if len(rows) == 0 || rows[0].ExpiresAt <= s.client.now().UnixMilli() {
		return nil, false, nil
	}
	return rows[0].Embedding, true, nil
}

func (s *cacheStore) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	_, err := queryLast[any](ctx, s.client,
		`UPSERT type::record("embedding_cache", $key) SET embedding = $embedding, expires_at = $expires`,
		map[string]any{"key": key, "embedding": vec, "expires": s.client.now().Add(ttl).UnixMilli()})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes expired cache entries.
func (c *Client) PurgeExpiredCache(ctx context.Context) (int, error) {
	deleted, err := queryLast[[]any](ctx, c,
		`DELETE embedding_cache WHERE expires_at <= $now RETURN BEFORE`,
		map[string]any{"now": c.now().UnixMilli()})
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return len(deleted), nil
}
