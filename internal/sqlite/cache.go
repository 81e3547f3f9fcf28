package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/embedcache"
)

// EmbeddingCache exposes the store as a shared embedding cache backend.
func (s *Store) EmbeddingCache() embedcache.Store {
	return &cacheStore{store: s}
}

type cacheStore struct {
	store *Store
}

func (c *cacheStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := c.store.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE key = ? AND expires_at > ?`,
		key, millis(c.store.now())).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *cacheStore) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (key, embedding, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET embedding = excluded.embedding, expires_at = excluded.expires_at`,
		key, encodeVector(vec), millis(c.store.now().Add(ttl)))
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes expired cache entries.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE expires_at <= ?`, millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
