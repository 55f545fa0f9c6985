package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/treechat/treechat-service/internal/config"
	registrycache "github.com/treechat/treechat-service/internal/registry/cache"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/treechat/treechat-service/internal/plugin/cache/noop"
	_ "github.com/treechat/treechat-service/internal/plugin/cache/redis"
	_ "github.com/treechat/treechat-service/internal/plugin/cache/ristretto"
	_ "github.com/treechat/treechat-service/internal/plugin/route/system"
	_ "github.com/treechat/treechat-service/internal/plugin/store/fs"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the treechat HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_ACCESS_LOG"),
			Destination: &cfg.AccessLog,
			Value:       cfg.AccessLog,
			Usage:       "Enable HTTP access logging (probe endpoints are always excluded)",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Server:",
			Sources:     cli.EnvVars("TREECHAT_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all metrics; values support ${VAR} expansion",
		},

		// ── Store ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "store-kind",
			Category:    "Store:",
			Sources:     cli.EnvVars("TREECHAT_STORE_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Category:    "Store:",
			Sources:     cli.EnvVars("TREECHAT_DATA_DIR"),
			Destination: &cfg.DataDir,
			Value:       cfg.DataDir,
			Usage:       "Root directory of the conversation document store",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("TREECHAT_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Snapshot cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("TREECHAT_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the redis cache backend",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("TREECHAT_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Snapshot cache entry TTL",
		},

		// ── Model Catalog ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "catalog-url",
			Category:    "Model Catalog:",
			Sources:     cli.EnvVars("TREECHAT_CATALOG_URL"),
			Destination: &cfg.CatalogURL,
			Value:       cfg.CatalogURL,
			Usage:       "Upstream model listing endpoint",
		},
		&cli.DurationFlag{
			Name:        "catalog-ttl",
			Category:    "Model Catalog:",
			Sources:     cli.EnvVars("TREECHAT_CATALOG_TTL"),
			Destination: &cfg.CatalogTTL,
			Value:       cfg.CatalogTTL,
			Usage:       "Cached catalog freshness window",
		},
		&cli.DurationFlag{
			Name:        "catalog-refresh-cooldown",
			Category:    "Model Catalog:",
			Sources:     cli.EnvVars("TREECHAT_CATALOG_REFRESH_COOLDOWN"),
			Destination: &cfg.CatalogRefreshCooldown,
			Value:       cfg.CatalogRefreshCooldown,
			Usage:       "Minimum interval between background catalog refresh attempts",
		},
		&cli.StringFlag{
			Name:        "default-model",
			Category:    "Model Catalog:",
			Sources:     cli.EnvVars("TREECHAT_DEFAULT_MODEL"),
			Destination: &cfg.DefaultModel,
			Value:       cfg.DefaultModel,
			Usage:       "Model id seeded as the initial enabled default",
		},

		// ── Chat Provider ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Chat Provider:",
			Sources:     cli.EnvVars("TREECHAT_OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "API key for the OpenAI-compatible chat endpoint; empty selects the offline echo stream",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Chat Provider:",
			Sources:     cli.EnvVars("TREECHAT_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "Base URL of the OpenAI-compatible chat endpoint",
		},

		// ── Audit ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "audit-db",
			Category:    "Audit:",
			Sources:     cli.EnvVars("TREECHAT_AUDIT_DB"),
			Destination: &cfg.AuditDBPath,
			Usage:       "SQLite file for the chat audit log; empty disables audit recording",
		},

		// ── Sync Queue ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "sync-queue-path",
			Category:    "Sync Queue:",
			Sources:     cli.EnvVars("TREECHAT_SYNC_QUEUE_PATH"),
			Destination: &cfg.SyncQueuePath,
			Usage:       "File backing the durable message sync queue; empty disables it",
		},
		&cli.DurationFlag{
			Name:        "sync-flush-interval",
			Category:    "Sync Queue:",
			Sources:     cli.EnvVars("TREECHAT_SYNC_FLUSH_INTERVAL"),
			Destination: &cfg.SyncFlushInterval,
			Value:       cfg.SyncFlushInterval,
			Usage:       "Interval between background sync queue flushes",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
