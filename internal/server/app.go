// Package server builds the application from configuration and runs it until
// a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/api"
	"github.com/JakeFAU/media-fetcher/internal/clock/system"
	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/id/uuid"
	"github.com/JakeFAU/media-fetcher/internal/logging"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/provider/gallery"
	pubmem "github.com/JakeFAU/media-fetcher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-fetcher/internal/publisher/pubsub"
	"github.com/JakeFAU/media-fetcher/internal/storage/cleanup"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
	"github.com/JakeFAU/media-fetcher/internal/worker"
)

// Version is reported by /readyz.
var Version = "dev"

// localEventLimit bounds the in-process event log used without a broker.
const localEventLimit = 1000

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        fetch.Clock
	access       *ratelimit.Governor
	storage      *cleanup.Governor
	registry     *memory.JobStore
	orchestrator *worker.Orchestrator
	apiServer    *api.Server
	publisher    *gcppublisher.Publisher
	localEvents  *pubmem.Publisher
	archive      *pgstore.JobArchive
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Optional integrations
// (Pub/Sub, Postgres history, tracing) are wired only when configured.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_root", cfg.Storage.Root),
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
	)

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}

	var err error
	app.access, err = ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Access.MaxRequestsPerMinute,
		MaxRequestsPerHour:   cfg.Access.MaxRequestsPerHour,
		MaxDownloadsPerDay:   cfg.Access.MaxDownloadsPerDay,
		Cooldown:             cfg.Access.Cooldown(),
		SweepInterval:        cfg.Access.SweepInterval(),
	}, app.clock, logging.Component(logger, "access"))
	if err != nil {
		return nil, fmt.Errorf("access governor init failed: %w", err)
	}

	app.storage, err = NewStorageGovernor(cfg, logger)
	if err != nil {
		return nil, err
	}

	dirs, err := local.New(local.Config{BaseDir: cfg.Storage.Root}, nil)
	if err != nil {
		return nil, fmt.Errorf("download root init failed: %w", err)
	}

	provider, err := gallery.New(gallery.Config{
		BaseURL:        cfg.Provider.BaseURL,
		UserAgent:      cfg.Provider.UserAgent,
		Timeout:        cfg.Provider.Timeout(),
		MediaSelector:  cfg.Provider.MediaSelector,
		RetryAttempts:  cfg.Provider.RetryAttempts,
		RetryBaseDelay: cfg.Provider.RetryBaseDelay(),
		RetryMaxDelay:  cfg.Provider.RetryMaxDelay(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("content provider init failed: %w", err)
	}

	opts, err := app.setupNotifications(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.registry = memory.NewJobStore(app.clock, uuid.New())
	app.orchestrator, err = worker.New(app.registry, provider, dirs, app.clock, worker.Config{
		MaxConcurrent:   cfg.Jobs.MaxConcurrent,
		ItemTimeout:     cfg.Jobs.ItemTimeout(),
		ItemDelay:       cfg.Jobs.ItemDelay(),
		TargetDelay:     cfg.Jobs.TargetDelay(),
		Retention:       cfg.Jobs.Retention(),
		DefaultMaxItems: cfg.Jobs.DefaultMaxItems,
		MaxBatchTargets: cfg.Jobs.MaxBatchTargets,
		WriteSummary:    cfg.Jobs.WriteSummary,
		Topic:           cfg.PubSub.TopicName,
	}, logging.Component(logger, "worker"), opts...)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Jobs:      app.orchestrator,
		Reader:    app.registry,
		Access:    app.access,
		Storage:   app.storage,
		Downloads: dirs,
		Clock:     app.clock,
	}, cfg, Version, logging.Component(logger, "api"))

	return app, nil
}

// NewStorageGovernor builds the storage governor over the OS filesystem.
func NewStorageGovernor(cfg config.Config, logger *zap.Logger) (*cleanup.Governor, error) {
	gov, err := cleanup.New(cleanup.Config{
		Root:     cfg.Storage.Root,
		MaxAge:   cfg.Storage.MaxAge(),
		MaxBytes: cfg.Storage.MaxBytes(),
		Interval: cfg.Storage.CleanupInterval(),
		LockFile: cfg.Storage.LockFile,
	}, nil, system.New(), logging.Component(logger, "storage"))
	if err != nil {
		return nil, fmt.Errorf("storage governor init failed: %w", err)
	}
	return gov, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts background loops and the HTTP server, and blocks until ctx is
// canceled or a SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.access.Run(ctx)
	if a.cfg.Storage.AutoCleanup {
		if a.storage.Start(ctx) {
			a.logger.Info("storage cleanup loop started",
				zap.Duration("interval", a.cfg.Storage.CleanupInterval()))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close stops workers and loops, then releases external clients.
func (a *App) Close(ctx context.Context) {
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			a.logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
		}
	}
	if a.storage != nil && a.storage.Running() {
		if err := a.storage.Stop(a.cfg.Server.ShutdownTimeout()); err != nil {
			a.logger.Warn("storage cleanup loop stop failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.archive != nil {
		a.archive.Close()
		a.archive = nil
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled", zap.String("service_name", a.cfg.Tracing.ServiceName))
	return nil
}

func (a *App) setupNotifications(ctx context.Context) ([]worker.Option, error) {
	var opts []worker.Option

	if a.cfg.History.DSN != "" {
		archive, err := pgstore.NewJobArchive(ctx, pgstore.ArchiveConfig{
			DSN:   a.cfg.History.DSN,
			Table: a.cfg.History.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("job archive init failed: %w", err)
		}
		if err := archive.EnsureSchema(ctx); err != nil {
			archive.Close()
			return nil, fmt.Errorf("job archive schema: %w", err)
		}
		a.archive = archive
		opts = append(opts, worker.WithArchive(archive))
		a.logger.Info("job archive initialized", zap.String("table", a.cfg.History.Table))
	} else {
		a.logger.Warn("no history DSN configured, job archive disabled")
	}

	switch {
	case a.cfg.PubSub.TopicName == "":
		a.logger.Warn("no Pub/Sub topic configured, job events disabled")
	case a.cfg.PubSub.ProjectID == "":
		a.localEvents = pubmem.NewBounded(localEventLimit)
		opts = append(opts, worker.WithPublisher(a.localEvents))
		a.logger.Info("no Pub/Sub project configured, keeping job events in process",
			zap.String("topic", a.cfg.PubSub.TopicName),
			zap.Int("limit", localEventLimit),
		)
	default:
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = pub
		opts = append(opts, worker.WithPublisher(pub))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	return opts, nil
}
