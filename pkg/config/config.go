// Package config loads DevMesh's environment-based configuration once at
// startup (no hot-reload, per the "global state is resolved once" rule).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting needed across cmd/api and
// cmd/backfill.
type Config struct {
	// HTTP server
	Port       string
	CORSOrigin string
	AuthSecret string

	// Neo4j (durable store)
	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	// Qdrant (vector store)
	QdrantURL     string
	QdrantCollection string

	// NATS (shipper transport)
	NATSURL         string
	NATSSubject     string
	NATSDLQSubject  string
	NATSMaxRetries  int

	// Embedding backend
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDim        int
	EmbeddingBatchSize  int
	EmbeddingTimeout    time.Duration
	EmbeddingConcurrency int
	EmbeddingInterBatchDelay time.Duration

	// Canonicalizer / template cache
	CanonVersion    string
	TemplateCacheCap int

	// Ingest pipeline
	TimestampSkew time.Duration
	QueueCapacity int

	// Backfill / safety net
	BackfillBatchSize     int
	BackfillInterBatchDelay time.Duration
	BackfillConcurrency   int

	// Retention
	EventRetention time.Duration

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool

	// Metrics
	MetricsPort int
}

// Load reads Config from the process environment, applying the defaults
// documented in spec §5/§6.
func Load() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
		AuthSecret: envOr("INGEST_SHARED_SECRET", ""),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "devmesh_templates"),

		NATSURL:        envOr("NATS_URL", "nats://localhost:4222"),
		NATSSubject:    envOr("NATS_INGEST_SUBJECT", "devmesh.ingest"),
		NATSDLQSubject: envOr("NATS_DLQ_SUBJECT", "devmesh.ingest.dlq"),
		NATSMaxRetries: envIntOr("NATS_MAX_RETRIES", 5),

		EmbeddingBaseURL:         envOr("EMBEDDING_BASE_URL", "http://localhost:11434"),
		EmbeddingModel:           envOr("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:             envIntOr("EMBEDDING_DIM", 768),
		EmbeddingBatchSize:       envIntOr("EMBEDDING_BATCH_SIZE", 50),
		EmbeddingTimeout:         envDurationOr("EMBEDDING_TIMEOUT", 60*time.Second),
		EmbeddingConcurrency:     envIntOr("EMBEDDING_CONCURRENCY", 4),
		EmbeddingInterBatchDelay: envDurationOr("EMBEDDING_INTER_BATCH_DELAY", 0),

		CanonVersion:     envOr("CANON_VERSION", "v1"),
		TemplateCacheCap: envIntOr("TEMPLATE_CACHE_CAPACITY", 100_000),

		TimestampSkew: envDurationOr("TIMESTAMP_SKEW", 5*time.Minute),
		QueueCapacity: envIntOr("INGEST_QUEUE_CAPACITY", 1000),

		BackfillBatchSize:       envIntOr("BACKFILL_BATCH_SIZE", 500),
		BackfillInterBatchDelay: envDurationOr("BACKFILL_INTER_BATCH_DELAY", time.Second),
		BackfillConcurrency:     envIntOr("BACKFILL_CONCURRENCY", 4),

		EventRetention: envDurationOr("EVENT_RETENTION", 90*24*time.Hour),

		OTLPEndpoint:   envOr("OTLP_ENDPOINT", ""),
		TracingEnabled: envBoolOr("TRACING_ENABLED", false),

		MetricsPort: envIntOr("METRICS_PORT", 9090),
	}
}

// Validate checks invariants the rest of the system assumes hold.
func (c Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return NewConfigError("EmbeddingDim must be positive")
	}
	if c.EmbeddingBatchSize <= 0 {
		return NewConfigError("EmbeddingBatchSize must be positive")
	}
	if c.EmbeddingConcurrency <= 0 {
		return NewConfigError("EmbeddingConcurrency must be at least 1")
	}
	if c.NATSMaxRetries < 0 {
		return NewConfigError("NATSMaxRetries must not be negative")
	}
	if c.TemplateCacheCap <= 0 {
		return NewConfigError("TemplateCacheCapacity must be positive")
	}
	if c.QueueCapacity <= 0 {
		return NewConfigError("QueueCapacity must be positive")
	}
	if c.TimestampSkew <= 0 {
		return NewConfigError("TimestampSkew must be positive")
	}
	if c.BackfillBatchSize <= 0 {
		return NewConfigError("BackfillBatchSize must be positive")
	}
	if c.BackfillConcurrency <= 0 {
		return NewConfigError("BackfillConcurrency must be at least 1")
	}
	if c.EventRetention <= 0 {
		return NewConfigError("EventRetention must be positive")
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		return NewConfigError("OTLPEndpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	message string
}

// NewConfigError creates a ConfigError.
func NewConfigError(message string) *ConfigError { return &ConfigError{message: message} }

func (e *ConfigError) Error() string { return e.message }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
