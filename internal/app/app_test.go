package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/config"
	"github.com/raphaelgruber/sitekb/internal/embedding"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/service"
)

func testConfig(store string) config.Config {
	cfg := config.Defaults()
	cfg.Store = store
	cfg.EmbedProvider = config.ProviderHash
	cfg.EmbedBatchDelay = time.Millisecond
	cfg.ReconcileInterval = 10 * time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, embedding.NewHashEmbedder("hash-test", 64), logger)
	require.NoError(t, err)
	return a
}

func TestApp_Backends(t *testing.T) {
	sqliteCfg := testConfig(config.StoreSQLite)
	sqliteCfg.SQLitePath = filepath.Join(t.TempDir(), "sitekb.db")

	tests := []struct {
		name      string
		cfg       config.Config
		wipeFails bool
	}{
		{"memory", testConfig(config.StoreMemory), true},
		{"sqlite", sqliteCfg, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			a := newApp(t, tt.cfg)
			require.NoError(t, a.Start(ctx))
			require.NoError(t, a.Ping(ctx))

			// Retrieval works on an empty store.
			out, err := a.Retrieval.Retrieve(ctx, service.RetrieveRequest{TenantID: "acme", CollectionID: "site", Query: "hello"})
			require.NoError(t, err)
			assert.True(t, out.NoKnowledge)

			_, err = a.Coordinator.GetStatus(ctx, "acme", "site")
			assert.ErrorIs(t, err, models.ErrNotFound)

			if tt.wipeFails {
				assert.Error(t, a.WipeData(ctx))
			} else {
				assert.NoError(t, a.WipeData(ctx))
			}

			// Let the reconciler tick at least once before shutdown.
			time.Sleep(30 * time.Millisecond)
			require.NoError(t, a.Close(ctx))
		})
	}
}

func TestApp_UnknownStore(t *testing.T) {
	_, err := New(context.Background(), testConfig("cassandra"), embedding.NewHashEmbedder("hash-test", 64), nil)
	assert.ErrorContains(t, err, "unknown store")
}
