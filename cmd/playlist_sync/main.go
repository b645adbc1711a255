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
	"github.com/italolelis/playlist_sync/internal/cleanup"
	"github.com/italolelis/playlist_sync/internal/config"
	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/engine"
	"github.com/italolelis/playlist_sync/internal/events"
	"github.com/italolelis/playlist_sync/internal/gateway"
	"github.com/italolelis/playlist_sync/internal/history"
	"github.com/italolelis/playlist_sync/internal/http/rest"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/notifier"
	"github.com/italolelis/playlist_sync/internal/storage/sqlite"
	"github.com/italolelis/playlist_sync/internal/store"
	"github.com/italolelis/playlist_sync/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "playlist_sync"

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewLogger(os.Stderr, cfg.LogFormat, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(cfg)

	if err := app.Run(logctx.WithLogger(ctx, logger), os.Args); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("playlist sync starting...", "version", version, "backend", cfg.BackendURL, "log_level", cfg.LogLevel)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
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

	repo := sqlite.NewInstrumentedOutcomeRepository(database, tel)

	// =========================================================================
	// Start Engine
	resolver := content.NewResolver(cfg.BlobOrigin(), tel)
	eng := buildEngine(cfg, tel, resolver)

	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	defer func() {
		if err := eng.Dispose(); err != nil {
			logger.Error("failed to dispose engine", "err", err)
		}
	}()

	st, err := store.New(eng)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if err := st.Load(ctx); err != nil {
		logger.Warn("initial playlist load failed", "err", err)
	}

	// =========================================================================
	// Start History
	notif, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	recorder := history.NewRecorder(repo, notif)

	unsubscribe, err := eng.Subscribe(engine.DownloadStateChanged, recorder.Observe)
	if err != nil {
		return fmt.Errorf("failed to subscribe history recorder: %w", err)
	}
	defer unsubscribe()

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, st, resolver, repo, tel)

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		recorder.Run(ctx)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	wg.Go(func() error {
		cleanup.Run(ctx, repo, cfg.HistoryRetention, cfg.CleanupInterval)

		return nil
	})

	wg.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "blob_origin", cfg.BlobOrigin())

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	wg.Go(func() error {
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

	return wg.Wait()
}

func buildGateway(cfg *config.Config, tel *telemetry.Telemetry) *gateway.InstrumentedGateway {
	client := gateway.NewClient(cfg.BackendURL,
		gateway.WithToken(cfg.BackendToken),
		gateway.WithTimeout(cfg.RPCTimeout),
	)

	return gateway.NewInstrumentedGateway(client, tel)
}

func buildEngine(cfg *config.Config, tel *telemetry.Telemetry, resolver *content.Resolver) *engine.Engine {
	source := events.NewSource(cfg.BackendURL,
		events.WithChannel(cfg.EventChannel),
		events.WithToken(cfg.BackendToken),
		events.WithReconnectMaxElapsed(cfg.ReconnectMaxElapsed),
		events.WithTelemetry(tel),
	)

	return engine.New(buildGateway(cfg, tel), source, resolver,
		engine.WithThumbnailWorkers(cfg.ThumbnailWorkers),
		engine.WithTelemetry(tel),
	)
}

func buildNotifier(cfg *config.Config) (notifier.Notifier, error) {
	var notifiers notifier.Multi

	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	if cfg.TelegramBotToken != "" {
		tg, err := notifier.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, "")
		if err != nil {
			return nil, err
		}

		notifiers = append(notifiers, tg)
	}

	if len(notifiers) == 0 {
		return nil, nil
	}

	return notifiers, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	resolver *content.Resolver,
	repo *sqlite.InstrumentedOutcomeRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewPlaylistHandler(st, resolver, repo)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
