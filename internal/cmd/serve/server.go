package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/treechat/treechat-service/internal/audit"
	"github.com/treechat/treechat-service/internal/catalog"
	"github.com/treechat/treechat-service/internal/config"
	"github.com/treechat/treechat-service/internal/plugin/route/chat"
	"github.com/treechat/treechat-service/internal/plugin/route/conversations"
	"github.com/treechat/treechat-service/internal/plugin/route/models"
	routesystem "github.com/treechat/treechat-service/internal/plugin/route/system"
	storemetrics "github.com/treechat/treechat-service/internal/plugin/store/metrics"
	registrycache "github.com/treechat/treechat-service/internal/registry/cache"
	registryroute "github.com/treechat/treechat-service/internal/registry/route"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/relay"
	"github.com/treechat/treechat-service/internal/security"
	"github.com/treechat/treechat-service/internal/syncqueue"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.ConversationStore
	Catalog *catalog.Service
	Relay   *relay.Relay
	Queue   *syncqueue.Queue
	Router  *gin.Engine

	// Port is the bound listen port. Differs from Config.Port when the
	// config asked for port 0.
	Port int

	httpServer *http.Server
	queueStop  context.CancelFunc
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.queueStop != nil {
		s.queueStop()
	}
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting treechat service",
		"port", cfg.Port,
		"store", cfg.StoreType,
		"cache", cfg.CacheType,
		"dataDir", cfg.DataDir,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if snapshotCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithSnapshotCacheContext(ctx, snapshotCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Model catalog backed by the upstream listing endpoint.
	catalogSvc, err := catalog.New(
		cfg.DataDir,
		catalog.NewHTTPFetcher(cfg.CatalogURL),
		cfg.CatalogTTL,
		cfg.CatalogRefreshCooldown,
		cfg.DefaultModel,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model catalog: %w", err)
	}

	// Audit recorder (optional).
	var recorder audit.Recorder
	if cfg.AuditDBPath != "" {
		auditStore, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit db: %w", err)
		}
		recorder = auditStore
	}

	// Chat relay. Without an API key the deterministic echo stream keeps
	// the full pipeline usable offline.
	var streamer relay.Streamer
	if cfg.OpenAIAPIKey != "" {
		streamer = relay.NewOpenAIStreamer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	} else {
		log.Warn("No chat provider API key configured, using offline echo stream")
		streamer = relay.EchoStreamer{}
	}
	relaySvc := relay.New(store, catalogSvc, recorder, streamer)

	// Durable sync queue (optional).
	var queue *syncqueue.Queue
	var queueStop context.CancelFunc
	if cfg.SyncQueuePath != "" {
		queue, err = syncqueue.New(cfg.SyncQueuePath, syncqueue.StoreSender{Store: store}, cfg.SyncFlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sync queue: %w", err)
		}
		var queueCtx context.Context
		queueCtx, queueStop = context.WithCancel(context.Background())
		queue.Start(queueCtx)
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLog {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	// Mount API and management route plugins.
	err = registryroute.Mount(router, registryroute.KindAPI,
		conversations.Plugin(store),
		models.Plugin(catalogSvc),
		chat.Plugin(relaySvc),
	)
	if err != nil {
		if queueStop != nil {
			queueStop()
		}
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}
	if err := registryroute.Mount(router, registryroute.KindManagement); err != nil {
		if queueStop != nil {
			queueStop()
		}
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		if queueStop != nil {
			queueStop()
		}
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.SetPinger(store.Ping)
	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Catalog:    catalogSvc,
		Relay:      relaySvc,
		Queue:      queue,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
		queueStop:  queueStop,
	}, nil
}
