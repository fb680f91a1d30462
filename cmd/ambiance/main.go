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
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/ambiance/internal/atmosphere"
	"github.com/italolelis/ambiance/internal/audio"
	"github.com/italolelis/ambiance/internal/cache"
	"github.com/italolelis/ambiance/internal/cleanup"
	"github.com/italolelis/ambiance/internal/config"
	"github.com/italolelis/ambiance/internal/download"
	"github.com/italolelis/ambiance/internal/environment"
	"github.com/italolelis/ambiance/internal/freesound"
	"github.com/italolelis/ambiance/internal/http/rest"
	"github.com/italolelis/ambiance/internal/logctx"
	"github.com/italolelis/ambiance/internal/notifier"
	"github.com/italolelis/ambiance/internal/storage/sqlite"
	"github.com/italolelis/ambiance/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ambiance starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(logctx.Detached(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	ledger := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Cache
	index := cache.NewIndex(cfg.CacheDir)

	if cfg.ManifestPath != "" {
		n, err := index.LoadManifest(ctx, cfg.BundledDir, cfg.ManifestPath)
		if err != nil {
			logger.Warn("failed to load manifest, continuing without bundled sounds", "path", cfg.ManifestPath, "err", err)
		} else {
			logger.Info("manifest loaded", "path", cfg.ManifestPath, "entries", n)
		}
	}

	// =========================================================================
	// Start Downloads
	resolver := freesound.NewInstrumentedResolver(freesound.NewResolver(freesound.NewHTTPClient(cfg.FetchTimeout)), tel)
	coordinator := download.NewCoordinator(ctx, resolver, index, cfg.CacheDir, cfg.FetchTimeout, ledger, tel)
	coordinator.SetDownloadsEnabled(cfg.DownloadsEnabled)

	// =========================================================================
	// Start Playback
	backend := audio.NewBeepBackend()
	if err := backend.Init(); err != nil {
		logger.Warn("audio output unavailable, sounds will fail to play", "err", err)
	}

	engine := atmosphere.NewEngine(ctx, backend, coordinator, atmosphere.Config{
		PollInterval: cfg.PoolPollInterval,
		FadeSteps:    cfg.FadeSteps,
	}, tel)

	loader := environment.NewLoader(cfg.EnvironmentDirs...)
	director := environment.NewDirector(ctx, engine, coordinator, loader, cfg.SwitchTimeout)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Environment Watcher
	if cfg.WatchEnvironments {
		watcher, err := environment.NewWatcher(cfg.EnvironmentDirs...)
		if err != nil {
			logger.Warn("environment hot reload disabled", "err", err)
		} else {
			defer watcher.Close()

			g.Go(func() error {
				loader.Watch(gctx, watcher, func(path string) {
					reloadCurrent(gctx, director, path)
				})

				return nil
			})
		}
	}

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		var n notifier.Notifier
		if cfg.DiscordWebhookURL != "" {
			n = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
		}

		notifier.ForwardFailures(gctx, coordinator.OnDownloadFailed, n)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.NewCleaner(ledger, cfg.CacheDir, cfg.KeepDownloadedFor, tel).Run(gctx, cfg.CleanupInterval)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, tel, rest.NewHandler(
		engine, coordinator, director, loader, index, ledger,
		rest.WithBasicAuth(cfg.Web.Username, cfg.Web.Password),
	))

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(logctx.Detached(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		stopped := engine.StopAll(shutdownCtx)
		logger.Info("playback stopped", "sounds", stopped)

		if err := coordinator.Wait(shutdownCtx); err != nil {
			logger.Warn("download worker did not finish in time", "err", err)
		}

		return nil
	})

	logger.Info("ready",
		"cache_dir", cfg.CacheDir,
		"environment_dirs", cfg.EnvironmentDirs,
		"downloads_enabled", cfg.DownloadsEnabled,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// reloadCurrent re-applies the playing environment when its definition changed.
func reloadCurrent(ctx context.Context, director *environment.Director, path string) {
	current := director.Current()
	if current == "" {
		return
	}

	env, err := environment.LoadFile(path)
	if err != nil || env.Name != current {
		return
	}

	if err := director.StartEnvironment(ctx, current); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to reload environment", "environment", current, "err", err)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, h *rest.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, telemetry.Middleware(tel))

	r.Handle("/metrics", tel.Handler())
	r.Mount("/api/v1", h.Routes())

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
