// Package db is the SurrealDB backend. It stores vectors, documents, jobs,
// leases and cached embeddings over an auto-reconnecting WebSocket connection.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/raphaelgruber/sitekb/internal/metrics"
)

func init() {
	// WebSocket upgrades fail when TLS negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Auth levels.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// dataTables are emptied by WipeData, children first.
var dataTables = []string{"kb_vector", "kb_document", "indexing_job", "job_lease", "embedding_cache"}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot or AuthDatabase

	// Metrics receives query timings. Optional.
	Metrics *metrics.Collector
}

// Client is a sitekb store on one SurrealDB database.
type Client struct {
	conn    *rews.Connection[*gorillaws.Connection]
	db      *surrealdb.DB
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewClient connects, signs in and selects the configured database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	conn, err := dial(ctx, cfg, sdkLogger)
	if err != nil {
		return nil, err
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	sdkLogger.Info("authenticating", "user", cfg.Username, "auth_level", cfg.AuthLevel)
	if _, err := db.SignIn(ctx, authFor(cfg)); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	sdkLogger.Info("SurrealDB connection established", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, cfg: cfg, logger: sdkLogger, metrics: cfg.Metrics, now: time.Now}, nil
}

// dial opens the reconnecting WebSocket with exponential retry.
func dial(ctx context.Context, cfg Config, sdkLogger logger.Logger) (*rews.Connection[*gorillaws.Connection], error) {
	codec := surrealcbor.New()
	base := baseURL(cfg.URL)

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     base,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	sdkLogger.Info("connecting to SurrealDB", "url", base)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

// baseURL strips the /rpc suffix; gorillaws appends it itself.
func baseURL(url string) string {
	return strings.TrimSuffix(strings.TrimRight(url, "/"), "/rpc")
}

// authFor builds root credentials unless database level auth is configured.
func authFor(cfg Config) surrealdb.Auth {
	if cfg.AuthLevel == AuthDatabase {
		return surrealdb.Auth{
			Namespace: cfg.Namespace,
			Database:  cfg.Database,
			Username:  cfg.Username,
			Password:  cfg.Password,
		}
	}
	return surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing SurrealDB connection")
	return c.conn.Close(ctx)
}

// InitSchema defines every table and index. Safe to run on each start.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := queryLast[any](ctx, c, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.logger.Info("schema initialization complete")
	return nil
}

// Ping runs a trivial query to check the connection.
func (c *Client) Ping(ctx context.Context) error {
	_, err := queryLast[bool](ctx, c, "RETURN true", nil)
	return err
}

// queryLast runs sql and returns the result of its last statement.
func queryLast[T any](ctx context.Context, c *Client, sql string, vars map[string]any) (T, error) {
	var zero T
	start := time.Now()
	results, err := surrealdb.Query[T](ctx, c.db, sql, vars)
	if err != nil {
		c.metrics.RecordError(metrics.OpStoreQuery, time.Since(start))
		return zero, wrapQueryError(err)
	}
	c.metrics.RecordTiming(metrics.OpStoreQuery, time.Since(start))
	if results == nil || len(*results) == 0 {
		return zero, nil
	}
	return (*results)[len(*results)-1].Result, nil
}

// WipeData empties every sitekb table in one transaction, keeping the schema.
// Use for testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.logger.Warn("wiping all data from database", "tables", len(dataTables))

	var sql strings.Builder
	sql.WriteString("BEGIN TRANSACTION;\n")
	for _, table := range dataTables {
		fmt.Fprintf(&sql, "DELETE %s;\n", table)
	}
	sql.WriteString("COMMIT TRANSACTION;")

	if _, err := queryLast[any](ctx, c, sql.String(), nil); err != nil {
		return fmt.Errorf("wipe data: %w", err)
	}
	return nil
}
