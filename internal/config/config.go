// Package config loads sitekb configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StoreSurrealDB = "surrealdb"
	StoreSQLite    = "sqlite"
	StoreMemory    = "memory"
)

// Embedding providers.
const (
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	// ProviderHash is a local feature-hashing embedder for offline use.
	ProviderHash    = "hash"
)

// Config holds all configuration values.
type Config struct {
	// Storage backend: surrealdb, sqlite or memory
	Store      string `yaml:"store"`
	SQLitePath string `yaml:"sqlite_path"`

	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Embedding provider
	EmbedProvider  string `yaml:"embed_provider"`
	EmbedModel     string `yaml:"embed_model"`
	EmbedDimension int    `yaml:"embed_dimension"`
	OllamaHost     string `yaml:"ollama_host"`
	OpenAIAPIKey   string `yaml:"-"`
	AWSRegion      string `yaml:"aws_region"`

	// Embedding cache and batching
	EmbedBatchSize  int           `yaml:"embed_batch_size"`
	EmbedBatchDelay time.Duration `yaml:"embed_batch_delay"`
	EmbedMaxRetries int           `yaml:"embed_max_retries"`
	EmbedCacheSize  int           `yaml:"embed_cache_size"`
	EmbedCacheTTL   time.Duration `yaml:"embed_cache_ttl"`

	// Crawler
	CrawlMaxPages     int           `yaml:"crawl_max_pages"`
	CrawlPageTimeout  time.Duration `yaml:"crawl_page_timeout"`
	CrawlDelay        time.Duration `yaml:"crawl_delay"`
	CrawlRespectRobot bool          `yaml:"crawl_respect_robots"`
	CrawlUserAgent    string        `yaml:"crawl_user_agent"`
	CrawlMaxBodyBytes int64         `yaml:"crawl_max_body_bytes"`

	// Content processing
	MinContentLength int `yaml:"min_content_length"`
	MaxChunkLength   int `yaml:"max_chunk_length"`

	// Jobs
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	InstanceID    string        `yaml:"instance_id"`
	ProgressFlush time.Duration `yaml:"progress_flush"`

	// Retrieval
	RetrievalTopK     int     `yaml:"retrieval_top_k"`
	RetrievalMaxChars int     `yaml:"retrieval_max_chars"`
	RetrievalMinScore float64 `yaml:"retrieval_min_score"`

	// Reconciliation
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`

	// Server
	ServerAddr string `yaml:"server_addr"`
	ServerURL  string `yaml:"server_url"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Store:      StoreSurrealDB,
		SQLitePath: "sitekb.db",

		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "sitekb",
		SurrealDBDatabase:  "kb",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		EmbedProvider:  ProviderOllama,
		EmbedModel:     "all-minilm:l6-v2",
		EmbedDimension: 384,
		OllamaHost:     "http://localhost:11434",
		AWSRegion:      "us-east-1",

		EmbedBatchSize:  32,
		EmbedBatchDelay: 200 * time.Millisecond,
		EmbedMaxRetries: 3,
		EmbedCacheSize:  10000,
		EmbedCacheTTL:   24 * time.Hour,

		CrawlMaxPages:     100,
		CrawlPageTimeout:  15 * time.Second,
		CrawlDelay:        500 * time.Millisecond,
		CrawlRespectRobot: true,
		CrawlUserAgent:    "sitekb-crawler/0.1",
		CrawlMaxBodyBytes: 5 << 20,

		MinContentLength: 100,
		MaxChunkLength:   2000,

		Workers:       4,
		QueueDepth:    64,
		JobTimeout:    30 * time.Minute,
		LeaseTTL:      2 * time.Minute,
		ProgressFlush: 5 * time.Second,

		RetrievalTopK:     4,
		RetrievalMaxChars: 6000,

		ReconcileInterval: time.Hour,
		ReconcileGrace:    10 * time.Minute,

		ServerAddr: ":8484",
		ServerURL:  "http://localhost:8484",

		LogFile:  "/tmp/sitekb.log",
		LogLevel: slog.LevelInfo,
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by SITEKB_CONFIG, and environment variables, in increasing precedence.
func Load() (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("SITEKB_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	return cfg, cfg.Validate()
}

// mergeFile overlays values from a YAML file onto cfg.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Store = getEnv("SITEKB_STORE", c.Store)
	c.SQLitePath = getEnv("SITEKB_SQLITE_PATH", c.SQLitePath)

	c.SurrealDBURL = getEnv("SURREALDB_URL", c.SurrealDBURL)
	c.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", c.SurrealDBNamespace)
	c.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", c.SurrealDBDatabase)
	c.SurrealDBUser = getEnv("SURREALDB_USER", c.SurrealDBUser)
	c.SurrealDBPass = getEnv("SURREALDB_PASS", c.SurrealDBPass)
	c.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", c.SurrealDBAuthLevel)

	c.EmbedProvider = getEnv("SITEKB_EMBED_PROVIDER", c.EmbedProvider)
	c.EmbedModel = getEnv("SITEKB_EMBED_MODEL", c.EmbedModel)
	c.EmbedDimension = getEnvInt("SITEKB_EMBED_DIMENSION", c.EmbedDimension)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)

	c.EmbedBatchSize = getEnvInt("SITEKB_EMBED_BATCH_SIZE", c.EmbedBatchSize)
	c.EmbedBatchDelay = getEnvDuration("SITEKB_EMBED_BATCH_DELAY", c.EmbedBatchDelay)
	c.EmbedMaxRetries = getEnvInt("SITEKB_EMBED_MAX_RETRIES", c.EmbedMaxRetries)
	c.EmbedCacheSize = getEnvInt("SITEKB_EMBED_CACHE_SIZE", c.EmbedCacheSize)
	c.EmbedCacheTTL = getEnvDuration("SITEKB_EMBED_CACHE_TTL", c.EmbedCacheTTL)

	c.CrawlMaxPages = getEnvInt("SITEKB_CRAWL_MAX_PAGES", c.CrawlMaxPages)
	c.CrawlPageTimeout = getEnvDuration("SITEKB_CRAWL_PAGE_TIMEOUT", c.CrawlPageTimeout)
	c.CrawlDelay = getEnvDuration("SITEKB_CRAWL_DELAY", c.CrawlDelay)
	c.CrawlRespectRobot = getEnvBool("SITEKB_CRAWL_RESPECT_ROBOTS", c.CrawlRespectRobot)
	c.CrawlUserAgent = getEnv("SITEKB_CRAWL_USER_AGENT", c.CrawlUserAgent)
	c.CrawlMaxBodyBytes = int64(getEnvInt("SITEKB_CRAWL_MAX_BODY_BYTES", int(c.CrawlMaxBodyBytes)))

	c.MinContentLength = getEnvInt("SITEKB_MIN_CONTENT_LENGTH", c.MinContentLength)
	c.MaxChunkLength = getEnvInt("SITEKB_MAX_CHUNK_LENGTH", c.MaxChunkLength)

	c.Workers = getEnvInt("SITEKB_WORKERS", c.Workers)
	c.QueueDepth = getEnvInt("SITEKB_QUEUE_DEPTH", c.QueueDepth)
	c.JobTimeout = getEnvDuration("SITEKB_JOB_TIMEOUT", c.JobTimeout)
	c.LeaseTTL = getEnvDuration("SITEKB_LEASE_TTL", c.LeaseTTL)
	c.InstanceID = getEnv("SITEKB_INSTANCE_ID", c.InstanceID)
	c.ProgressFlush = getEnvDuration("SITEKB_PROGRESS_FLUSH", c.ProgressFlush)

	c.RetrievalTopK = getEnvInt("SITEKB_RETRIEVAL_TOP_K", c.RetrievalTopK)
	c.RetrievalMaxChars = getEnvInt("SITEKB_RETRIEVAL_MAX_CHARS", c.RetrievalMaxChars)
	c.RetrievalMinScore = getEnvFloat("SITEKB_RETRIEVAL_MIN_SCORE", c.RetrievalMinScore)

	c.ReconcileInterval = getEnvDuration("SITEKB_RECONCILE_INTERVAL", c.ReconcileInterval)
	c.ReconcileGrace = getEnvDuration("SITEKB_RECONCILE_GRACE", c.ReconcileGrace)

	c.ServerAddr = getEnv("SITEKB_SERVER_ADDR", c.ServerAddr)
	c.ServerURL = getEnv("SITEKB_SERVER_URL", c.ServerURL)

	c.LogFile = getEnv("SITEKB_LOG_FILE", c.LogFile)
	if lvl := os.Getenv("SITEKB_LOG_LEVEL"); lvl != "" {
		c.LogLevel = parseLogLevel(lvl)
	}
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSurrealDB, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.EmbedProvider {
	case ProviderOllama, ProviderOpenAI, ProviderBedrock, ProviderHash:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.EmbedProvider)
	}
	if c.EmbedDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbedDimension)
	}
	if c.MaxChunkLength <= 0 {
		return fmt.Errorf("max chunk length must be positive, got %d", c.MaxChunkLength)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.LeaseTTL < time.Second {
		return fmt.Errorf("lease ttl too short: %s", c.LeaseTTL)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sitekb"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("invalid number in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
