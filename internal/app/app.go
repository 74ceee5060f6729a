// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avdeenkov/remindrelay/internal/config"
	"github.com/avdeenkov/remindrelay/internal/delivery"
	"github.com/avdeenkov/remindrelay/internal/escalation"
	"github.com/avdeenkov/remindrelay/internal/kv"
	kvmemory "github.com/avdeenkov/remindrelay/internal/kv/memory"
	kvpostgres "github.com/avdeenkov/remindrelay/internal/kv/postgres"
	"github.com/avdeenkov/remindrelay/internal/pkg/ctxlog"
	"github.com/avdeenkov/remindrelay/internal/pkg/httputil"
	"github.com/avdeenkov/remindrelay/internal/pkg/metrics"
	"github.com/avdeenkov/remindrelay/internal/pkg/postgres"
	"github.com/avdeenkov/remindrelay/internal/ratelimit"
	"github.com/avdeenkov/remindrelay/internal/reminders"
	"github.com/avdeenkov/remindrelay/internal/transport/chat"
	"github.com/avdeenkov/remindrelay/internal/version"
)

// App represents the application instance.
type App struct {
	config           *config.Config
	logger           *slog.Logger
	db               *pgxpool.Pool
	server           *http.Server
	metricsServer    *http.Server
	backgroundCancel context.CancelFunc
	deliveryWorker   *delivery.Worker
	escalationEngine *escalation.Engine
	queue            *delivery.Queue
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	var db *pgxpool.Pool
	var store kv.Store

	switch cfg.Storage.Driver {
	case "postgres":
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		var err error
		db, err = postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		store = kvpostgres.NewStore(db)
	case "memory":
		slog.Warn("using in-memory storage: scheduled deliveries will not survive a restart")
		store = kvmemory.NewStore()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())

	app := &App{
		config:           cfg,
		logger:           logger,
		db:               db,
		backgroundCancel: backgroundCancel,
	}

	if db != nil {
		go app.collectDBMetrics(backgroundCtx)
	}

	router, err := app.setupRouter(backgroundCtx, store)
	if err != nil {
		if db != nil {
			db.Close()
		}
		backgroundCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.backgroundCancel()

	// Stop background processors before closing the store they use
	if a.deliveryWorker != nil {
		a.deliveryWorker.Stop()
	}
	if a.escalationEngine != nil {
		a.escalationEngine.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, clock delivery.Clock) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx, clock.Now())
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			delivery.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// pruneHistory periodically drops finalized delivery records older than
// the configured retention window.
func (a *App) pruneHistory(ctx context.Context) {
	interval := a.config.Queue.PruneInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned, err := a.queue.PruneHistory(ctx, a.config.Queue.HistoryRetention)
			if err != nil {
				slog.Error("failed to prune delivery history", "error", err)
				continue
			}
			if pruned > 0 {
				slog.Info("pruned delivery history", "entries", pruned)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// DeliveryWorker returns the delivery worker instance. Used in tests to
// access worker state.
func (a *App) DeliveryWorker() *delivery.Worker {
	return a.deliveryWorker
}

func (a *App) setupRouter(ctx context.Context, store kv.Store) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.Server.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>RemindRelay API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	clock := delivery.SystemClock()

	reminderStore := reminders.NewStore(store)
	deliveryStore := delivery.NewStore(store, a.config.Queue.ClaimTTL)
	queue := delivery.NewQueue(deliveryStore, delivery.RetryPolicy{
		BaseDelay:   a.config.Retry.BaseDelay,
		MaxDelay:    a.config.Retry.MaxDelay,
		Multiplier:  a.config.Retry.Multiplier,
		MaxAttempts: a.config.Retry.MaxAttempts,
	}, clock)
	a.queue = queue

	slog.Info("transport configured", "enabled", a.config.Transport.Enabled)

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:  a.config.RateLimit.GlobalRate,
		GlobalBurst: a.config.RateLimit.GlobalBurst,
		RouteRate:   a.config.RateLimit.RouteRate,
		RouteBurst:  a.config.RateLimit.RouteBurst,
	})

	sender, err := chat.NewSender(chat.Config{
		Enabled:  a.config.Transport.Enabled,
		BaseURL:  a.config.Transport.BaseURL,
		BotToken: a.config.Transport.BotToken,
		Timeout:  a.config.Transport.Timeout,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("create chat sender: %w", err)
	}
	if !a.config.Transport.Enabled {
		slog.Warn("chat transport is disabled: deliveries will be marked sent without leaving the process")
	}

	resolver := delivery.NewTimeResolver(clock)
	deliveryService := delivery.NewService(resolver, queue, sender, reminderStore, clock)

	worker := delivery.NewWorker(delivery.WorkerConfig{
		PollInterval: a.config.Worker.PollInterval,
		NumWorkers:   a.config.Worker.NumWorkers,
	}, deliveryService, clock)
	worker.Start(ctx)
	a.deliveryWorker = worker

	engine := escalation.NewEngine(escalation.Config{
		ScanInterval: a.config.Escalation.ScanInterval,
	}, reminderStore, deliveryService, clock)
	engine.Start(ctx)
	a.escalationEngine = engine

	go a.collectQueueMetrics(ctx, clock)
	go a.pruneHistory(ctx)

	deliveryHandler := delivery.NewHandler(deliveryService, reminderStore, clock)
	escalationHandler := escalation.NewHandler(engine, reminderStore)

	r.Route("/api/v1", func(r chi.Router) {
		deliveryHandler.RegisterRoutes(r)
		escalationHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
