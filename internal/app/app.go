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

	"github.com/bissquit/jobqueue/internal/aggregator"
	"github.com/bissquit/jobqueue/internal/archive"
	"github.com/bissquit/jobqueue/internal/config"
	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/dispatch"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/handlers/email"
	"github.com/bissquit/jobqueue/internal/handlers/webhook"
	"github.com/bissquit/jobqueue/internal/lease"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"github.com/bissquit/jobqueue/internal/pkg/httputil"
	"github.com/bissquit/jobqueue/internal/pkg/jwtauth"
	"github.com/bissquit/jobqueue/internal/pkg/metrics"
	"github.com/bissquit/jobqueue/internal/pkg/postgres"
	redisconn "github.com/bissquit/jobqueue/internal/pkg/redis"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/retry"
	"github.com/bissquit/jobqueue/internal/storage/memory"
	storagepostgres "github.com/bissquit/jobqueue/internal/storage/postgres"
	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/bissquit/jobqueue/internal/version"
	"github.com/bissquit/jobqueue/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Store is everything the application needs from a storage backend.
type Store interface {
	queue.Repository
	dispatch.ClaimStore
	worker.Store
	deadletter.Repository
	aggregator.Repository
	templates.Repository
	archive.Repository
	Ping(ctx context.Context) error
}

// App represents the application instance.
type App struct {
	config *config.Config
	logger *slog.Logger
	db     *pgxpool.Pool
	rdb    *redis.Client
	store  Store

	server        *http.Server
	metricsServer *http.Server

	registry   *worker.Registry
	queue      *queue.Service
	templates  *templates.Registry
	pool       *worker.Pool
	reaper     *worker.Reaper
	aggregator *aggregator.Aggregator
	pruner     *archive.Pruner
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config:   cfg,
		logger:   logger,
		registry: worker.NewRegistry(),
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if err := app.setupStorage(connectCtx); err != nil {
		return nil, err
	}
	if err := app.setupRedis(connectCtx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("setup task handlers: %w", err)
	}

	router, err := app.setupComponents(connectCtx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("setup components: %w", err)
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

	info := version.Get()
	metrics.SetBuildInfo(info.Version, info.Commit)
	logger.Info("application initialized",
		"version", info.String(),
		"storage", cfg.Storage.Driver,
		"leases", app.rdb != nil,
		"task_handlers", app.registry.TaskNames(),
	)
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.config.Storage.Driver == config.DriverMemory {
		a.logger.Warn("using in-memory storage: messages are lost on restart")
		a.store = memory.New()
		return nil
	}

	if a.config.Database.AutoMigrate {
		if err := postgres.Migrate(a.config.Database.URL, a.config.Database.MigrationsPath); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             a.config.Database.URL,
		MaxOpenConns:    a.config.Database.MaxOpenConns,
		MaxIdleConns:    a.config.Database.MaxIdleConns,
		ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
		ConnectAttempts: a.config.Database.ConnectAttempts,
		ConnectTimeout:  a.config.Database.ConnectTimeout,
		ApplicationName: "jobqueue",
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	a.store = storagepostgres.NewRepository(db)
	return nil
}

func (a *App) setupRedis(ctx context.Context) error {
	if a.config.Redis.URL == "" {
		a.logger.Info("redis not configured: every instance runs the reaper, aggregator and archiver")
		return nil
	}
	rdb, err := redisconn.Connect(ctx, redisconn.Config{
		URL:             a.config.Redis.URL,
		ConnectTimeout:  a.config.Redis.ConnectTimeout,
		ConnectAttempts: a.config.Redis.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.rdb = rdb
	return nil
}

func (a *App) setupHandlers() error {
	cfg := a.config.Handlers

	if cfg.Webhook.Enabled {
		h := webhook.New(webhook.Config{Timeout: cfg.Webhook.Timeout, UserAgent: cfg.Webhook.UserAgent})
		if err := a.registry.Register(webhook.TaskName, h); err != nil {
			return err
		}
	}

	if !cfg.Email.Enabled {
		return nil
	}
	var transport email.Transport
	switch cfg.Email.Transport {
	case config.TransportPostmark:
		t, err := email.NewPostmarkTransport(email.PostmarkConfig{
			ServerToken:   cfg.Email.Postmark.ServerToken,
			AccountToken:  cfg.Email.Postmark.AccountToken,
			FromAddress:   cfg.Email.FromAddress,
			MessageStream: cfg.Email.Postmark.MessageStream,
		}, nil)
		if err != nil {
			return fmt.Errorf("create postmark transport: %w", err)
		}
		transport = t
	default:
		t, err := email.NewSMTPTransport(email.SMTPConfig{
			Host:        cfg.Email.SMTP.Host,
			Port:        cfg.Email.SMTP.Port,
			User:        cfg.Email.SMTP.User,
			Password:    cfg.Email.SMTP.Password,
			FromAddress: cfg.Email.FromAddress,
		})
		if err != nil {
			return fmt.Errorf("create smtp transport: %w", err)
		}
		transport = t
	}
	return a.registry.Register(email.TaskName, email.New(transport))
}

func (a *App) setupComponents(ctx context.Context) (*chi.Mux, error) {
	cfg := a.config

	templateRegistry := templates.NewRegistry(a.store)
	seed := make([]domain.TaskTemplate, 0, len(cfg.Templates.Seed))
	for _, t := range cfg.Templates.Seed {
		seed = append(seed, t.ToDomain())
	}
	if err := templateRegistry.Seed(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed templates: %w", err)
	}
	a.templates = templateRegistry

	a.queue = queue.NewService(a.store, queue.WithTemplates(templateRegistry))

	dlq := deadletter.NewManager(a.store, a.store,
		deadletter.WithPolicy(deadletter.Policy{ReviewPriorities: cfg.DeadLetter.ReviewPriorities}),
	)

	dispatcher := dispatch.New(a.store, dispatch.Config{
		AgingThreshold:  cfg.Queue.Dispatcher.AgingThreshold,
		ClaimsPerSecond: cfg.Queue.Dispatcher.ClaimsPerSecond,
		MaxBatch:        cfg.Queue.Dispatcher.MaxBatch,
	})

	executor := worker.NewExecutor(a.store, a.registry, dlq,
		worker.WithTaskTimeout(cfg.Queue.Worker.TaskTimeout),
		worker.WithPolicy(retry.Policy{MaxBackoff: cfg.Queue.Retry.MaxBackoff}),
	)

	if cfg.Queue.Worker.Enabled {
		a.pool = worker.NewPool(worker.PoolConfig{
			QueueTypes:      cfg.Queue.Worker.QueueTypes,
			NumWorkers:      cfg.Queue.Worker.NumWorkers,
			BatchSize:       cfg.Queue.Worker.BatchSize,
			PollInterval:    cfg.Queue.Worker.PollInterval,
			ShutdownTimeout: cfg.Queue.Worker.ShutdownTimeout,
		}, dispatcher, executor)
	}

	var guard *lease.Manager
	if a.rdb != nil {
		guard = lease.NewManager(a.rdb, instanceID(), cfg.Redis.LeaseTTL)
	}

	if cfg.Queue.Reaper.Enabled {
		var opts []worker.ReaperOption
		if guard != nil {
			opts = append(opts, worker.WithGuard(guard))
		}
		a.reaper = worker.NewReaper(worker.ReaperConfig{
			Interval:        cfg.Queue.Reaper.Interval,
			LivenessTimeout: cfg.Queue.Reaper.LivenessTimeout,
			SettleAfter:     cfg.Queue.Reaper.SettleAfter,
			BatchSize:       cfg.Queue.Reaper.BatchSize,
		}, a.store, executor, dlq, opts...)
	}

	var aggOpts []aggregator.Option
	if guard != nil {
		aggOpts = append(aggOpts, aggregator.WithGuard(guard))
	}
	a.aggregator = aggregator.New(aggregator.Config{
		QueueTypes:       domain.AllQueueTypes(),
		Interval:         cfg.Metrics.Interval,
		BacklogThreshold: cfg.Metrics.BacklogThreshold,
		Retention:        cfg.Metrics.Retention,
	}, a.store, aggOpts...)

	if cfg.Archive.Enabled {
		var opts []archive.Option
		if guard != nil {
			opts = append(opts, archive.WithGuard(guard))
		}
		if cfg.Archive.S3.Bucket != "" {
			sink, err := archive.NewS3Sink(ctx, archive.S3Config{
				Bucket:         cfg.Archive.S3.Bucket,
				Region:         cfg.Archive.S3.Region,
				AccessKeyID:    cfg.Archive.S3.AccessKeyID,
				SecretKey:      cfg.Archive.S3.SecretKey,
				Endpoint:       cfg.Archive.S3.Endpoint,
				ForcePathStyle: cfg.Archive.S3.ForcePathStyle,
			})
			if err != nil {
				return nil, fmt.Errorf("create archive sink: %w", err)
			}
			opts = append(opts, archive.WithSink(sink))
		}
		a.pruner = archive.NewPruner(archive.Config{
			Interval:  cfg.Archive.Interval,
			Retention: cfg.Archive.Retention,
			BatchSize: cfg.Archive.BatchSize,
			Prefix:    cfg.Archive.Prefix,
		}, a.store, opts...)
	}

	verifier, err := jwtauth.NewVerifier(jwtauth.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
		Leeway:    cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}

	return a.setupRouter(verifier, dlq), nil
}

func (a *App) setupRouter(verifier httputil.TokenValidator, dlq *deadletter.Manager) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
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
    <title>Job Queue API</title>
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

	queueHandler := queue.NewHandler(a.queue)
	deadLetterHandler := deadletter.NewHandler(dlq)
	metricsHandler := aggregator.NewHandler(a.aggregator)
	templatesHandler := templates.NewHandler(a.templates)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(verifier))

		queueHandler.RegisterRoutes(r)
		deadLetterHandler.RegisterRoutes(r)
		metricsHandler.RegisterRoutes(r)
		templatesHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			queueHandler.RegisterOperatorRoutes(r)
			deadLetterHandler.RegisterOperatorRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			templatesHandler.RegisterAdminRoutes(r)
		})
	})

	return r
}

// Run starts the servers and background components and blocks until ctx is
// done or one of them fails. It shuts the servers down before returning.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	a.StartBackground(ctx, g)
	return g.Wait()
}

// StartBackground launches the worker pool and periodic components on g.
// Each of them returns when ctx is done.
func (a *App) StartBackground(ctx context.Context, g *errgroup.Group) {
	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(ctx) })
	}
	if a.reaper != nil {
		g.Go(func() error { return a.reaper.Run(ctx) })
	}
	if a.config.Metrics.Enabled {
		g.Go(func() error { return a.aggregator.Run(ctx) })
	}
	if a.pruner != nil {
		g.Go(func() error { return a.pruner.Run(ctx) })
	}
	g.Go(func() error { return a.templates.Run(ctx, a.config.Templates.ReloadInterval) })
	g.Go(func() error {
		metrics.CollectPools(ctx, metrics.PoolSource{DB: a.db, Redis: a.rdb}, 15*time.Second)
		return nil
	})
}

// Shutdown gracefully shuts down both HTTP servers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

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

	return errors.Join(errs...)
}

// Close releases database and redis connections. Call it after Run returns.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Registry returns the task handler registry. Handlers may be registered
// until Run is called.
func (a *App) Registry() *worker.Registry {
	return a.registry
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobqueue"
	}
	return host + "-" + uuid.NewString()[:8]
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

	return slog.New(handler)
}
