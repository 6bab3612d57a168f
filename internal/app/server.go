// Package app wires the configured dependencies together into one running
// engine: the Query Router & Executor's store clients, the Preview Cache,
// the Redis fan-out bus, the session registry, and the thin HTTP/WS host
// (internal/api), then serves and shuts down cleanly.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/api"
	"github.com/frowell/flowforge/internal/bus"
	"github.com/frowell/flowforge/internal/cache"
	"github.com/frowell/flowforge/internal/config"
	"github.com/frowell/flowforge/internal/metrics"
	"github.com/frowell/flowforge/internal/router"
	"github.com/frowell/flowforge/internal/schemamodel"
	"github.com/frowell/flowforge/internal/session"
)

// Server bundles every long-lived dependency the engine needs, so Run has
// one thing to hold onto for graceful shutdown.
type Server struct {
	log   *zap.Logger
	http  *http.Server
	cache *cache.Cache
}

// NewServer constructs the engine from cfg: schema catalogs, cache, bus,
// session registry, and the chi-routed HTTP/WS host, with core.Widgets
// bound to widgets.
func NewServer(cfg *config.Config, log *zap.Logger, widgets api.WidgetStore) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	streamDB, err := sql.Open("postgres", cfg.StreamDSN)
	if err != nil {
		return nil, fmt.Errorf("stream db open: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreDialTimeout)
	defer cancel()
	streamPool, err := router.OpenStreamPool(dialCtx, cfg.StreamDSN)
	if err != nil {
		return nil, fmt.Errorf("stream pool: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.KVAddr})

	previewCache := cache.New(cfg.CacheTTL)
	previewCache.ServeStaleOnUnavailable = cfg.CacheServeStaleOnUnavail

	meter := otel.GetMeterProvider().Meter("flowforge")
	metricsRegistry, err := metrics.New(meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	publisher := bus.NewPublisher(rdb)

	// session.Registry needs to exist before bus.Subscriber (which takes it
	// as a bus.Dispatcher), and bus.Subscriber needs to exist before the
	// registry can reach it on connect/disconnect — SetBus breaks the cycle.
	sessions := session.NewRegistry(metricsRegistry, nil, log)
	subscriber := bus.NewSubscriber(rdb, sessions, invalidatorAdapter{previewCache}, log)
	sessions.SetBus(subscriber)

	olapClient := &router.OLAPClient{
		Endpoint: cfg.OLAPEndpoint,
		HTTP:     &http.Client{Timeout: cfg.StoreDialTimeout},
	}
	kvClient := &router.KVClient{
		Redis:        rdb,
		ScanBatch:    cfg.KVScanLimit,
		MaxKeyCount:  int(cfg.KVScanLimit),
		PipelineSize: cfg.KVPipelineBatch,
	}

	core := &api.Core{
		Catalogs: schemamodel.NewRegistry(),
		Cache:    previewCache,
		Executor: &router.Executor{
			OLAP:   olapClient,
			Stream: &router.StreamPool{Pool: streamPool},
			KV:     kvClient,
		},
		Sessions:          sessions,
		Bus:               publisher,
		Widgets:           widgets,
		Metrics:           metricsRegistry,
		Log:               log,
		StreamDB:          streamDB,
		CatalogSchemas:    []string{"public"},
		CatalogTTL:        5 * time.Minute,
		PreviewBounds:     router.PreviewBounds,
		WidgetBounds:      router.WidgetBounds,
		DefaultPageSize:   cfg.PaginationDefaultPageSz,
		MaxOffset:         cfg.PaginationMaxOffset,
		Development:       cfg.Development,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}

	mux := newRouter(core, cfg, log)

	return &Server{
		log: log,
		http: &http.Server{
			Addr:    cfg.Addr,
			Handler: otelhttp.NewHandler(mux, "flowforge"),
		},
		cache: previewCache,
	}, nil
}

func newRouter(core *api.Core, cfg *config.Config, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(api.RecoveryMiddleware(log))
	r.Use(api.LoggingMiddleware(log))

	// Production deployments swap this for a real identity-provider-backed
	// verifier; the seam is api.TokenVerifier.
	auth := api.AuthMiddleware(DevTokenVerifier, cfg.Development)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := core.Executor.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/preview", core.HandlePreview)
		r.Get("/widgets/{widgetID}/data", func(w http.ResponseWriter, req *http.Request) {
			core.HandleWidgetData(w, req, chi.URLParam(req, "widgetID"))
		})
		r.Get("/ws/dashboard/{dashboardID}", core.HandleDashboardWS)
	})

	return r
}

// Run starts the HTTP server and a periodic cache sweep, blocking until ctx
// is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.http.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-sweep.C:
			s.cache.Sweep()
		}
	}
}

type invalidatorAdapter struct {
	c *cache.Cache
}

func (a invalidatorAdapter) InvalidateTables(tenantID string, tables []string) {
	a.c.InvalidateTables(tenantID, tables)
}
