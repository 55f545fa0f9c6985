package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the treechat service.
type Config struct {
	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	// AccessLog enables HTTP access logging. Health/ready/metrics probes
	// are always excluded to suppress probe noise.
	AccessLog bool
	// Body size limit (bytes)
	MaxBodySize int64
	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DataDir is the root of the document store.
	DataDir string

	// Store backend type ("fs")
	StoreType string

	// Snapshot cache backend type ("none", "ristretto", or "redis")
	CacheType string
	RedisURL  string
	// Snapshot cache entry TTL.
	CacheTTL time.Duration

	// Model catalog
	CatalogURL             string
	CatalogTTL             time.Duration
	CatalogRefreshCooldown time.Duration
	DefaultModel           string

	// Upstream chat provider. An empty API key switches the relay to the
	// deterministic offline echo stream.
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Audit log (sqlite). Empty disables audit recording.
	AuditDBPath string

	// Sync queue
	SyncQueuePath     string
	SyncFlushInterval time.Duration

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion. Defaults to "service=treechat-service".
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:                   8080,
		ReadHeaderTimeout:      5 * time.Second,
		AccessLog:              true,
		MaxBodySize:            10 * 1024 * 1024, // 10 MB
		DrainTimeout:           30,
		DataDir:                "data",
		StoreType:              "fs",
		CacheType:              "none",
		CacheTTL:               10 * time.Minute,
		CatalogURL:             "https://openrouter.ai/api/v1/models",
		CatalogTTL:             24 * time.Hour,
		CatalogRefreshCooldown: 30 * time.Second,
		DefaultModel:           "openai/gpt-4o-mini",
		OpenAIBaseURL:          "https://openrouter.ai/api/v1",
		SyncFlushInterval:      10 * time.Second,
		MetricsLabels:          "service=treechat-service",
	}
}
