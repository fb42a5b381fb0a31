package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/filequeue/internal/backend"
	"github.com/italolelis/filequeue/internal/cleanup"
	"github.com/italolelis/filequeue/internal/config"
	"github.com/italolelis/filequeue/internal/http/rest"
	"github.com/italolelis/filequeue/internal/jobs"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/notifier"
	"github.com/italolelis/filequeue/internal/power"
	"github.com/italolelis/filequeue/internal/queue"
	"github.com/italolelis/filequeue/internal/storage/blobstore"
	"github.com/italolelis/filequeue/internal/storage/sqlite"
	"github.com/italolelis/filequeue/internal/telemetry"
	"github.com/italolelis/filequeue/internal/transfer"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
)

const recentErrorsCapacity = 50

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	recent := logctx.NewRecentErrors(recentErrorsCapacity)

	logger := slog.New(slogmulti.Fanout(
		logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})),
		recent,
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("filequeue starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg, recent); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, recent *logctx.RecentErrors) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	jobStore := sqlite.NewInstrumentedJobRepository(database, tel)

	// =========================================================================
	// Start Storage
	store, err := blobstore.Open(ctx, cfg.BucketURL, cfg.BucketPrefix)
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}
	defer store.Close()

	// =========================================================================
	// Start Backend Client
	client := backend.NewClient(backend.NewHTTPClient(backend.HTTPConfig{
		Token:           cfg.Backend.Token,
		ConnectTimeout:  cfg.Backend.ConnectTimeout,
		ResponseTimeout: cfg.Backend.ResponseTimeout,
	}))
	client.SetBaseURL(cfg.BaseURL)

	fileServer := backend.NewInstrumentedClient(client, tel)

	// =========================================================================
	// Start Download Queue
	executor := transfer.NewExecutor(fileServer, store, cfg.StagingDir, tel)

	runner := jobs.NewRunner(ctx, jobStore, jobs.GenerateInstanceID())
	worker := queue.NewDownloadWorker(executor, fileServer, downloads, power.NewSampler(cfg.PowerSupplyDir))
	runner.Register(queue.Name, worker.Handle)

	if err := runner.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover unfinished jobs: %w", err)
	}
	defer runner.Shutdown()

	controller := queue.NewController(ctx, fileServer, runner, executor, tel)
	defer controller.Close()

	if err := controller.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	if cfg.AutoStart {
		if err := controller.Start(ctx); err != nil {
			logger.Error("failed to auto start queue", "err", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, g, controller, cfg)

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(ctx, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, rest.NewQueueHandler(controller, downloads, recent, cfg.Web.Username, cfg.Web.Password))

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"base_url", client.BaseURL(),
		"staging_dir", cfg.StagingDir,
		"bucket", cfg.BucketURL,
		"auto_start", cfg.AutoStart,
	)

	return g.Wait()
}

func setupNotification(ctx context.Context, g *errgroup.Group, controller *queue.Controller, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	notif := notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, nil)
	states, unsubscribe := controller.Subscribe()

	g.Go(func() error {
		defer unsubscribe()

		notifier.Forward(ctx, states, notif)

		return nil
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, qHandler *rest.QueueHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", qHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			removed, err := cleanup.DeleteStaleStagingFiles(ctx, cfg.StagingDir, cfg.StagingRetention)
			if err != nil {
				logger.Error("failed to delete stale staging files", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("stale staging files removed", "count", removed)
			}
		}
	}
}
