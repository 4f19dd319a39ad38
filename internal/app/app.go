// Package app wires configuration, the record store, and the HTTP surface
// into runnable applications. The admin console and the licensed application
// share the lifecycle here; each adds its own routes on top.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/middleware"
	"keygate/internal/store"
)

// Application holds the pieces common to both binaries.
type Application struct {
	Name   string
	Config *config.Config
	Logger *slog.Logger
	Router *chi.Mux
	Server *http.Server
	Store  store.Store
	OTel   *infrastructure.OTelProviders

	// closers run in reverse order during Stop.
	closers []func(context.Context) error
}

// newApplication performs the setup shared by both binaries: config, logger,
// telemetry, store, and the base middleware chain.
func newApplication(name, configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger = logger.With(slog.String("app", name))

	otelProviders, err := infrastructure.InitializeOTel(name, cfg.Logging.Level == "debug")
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	st, closeStore, err := newStore(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	a := &Application{
		Name:   name,
		Config: cfg,
		Logger: logger,
		Router: chi.NewRouter(),
		Store:  st,
		OTel:   otelProviders,
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	a.setupBaseMiddleware()
	a.setupCommonRoutes()
	return a, nil
}

func (a *Application) setupBaseMiddleware() {
	r := a.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Compress(5))

	if a.Config.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}
}

func (a *Application) setupCommonRoutes() {
	a.Router.Method(http.MethodGet, "/metrics", a.OTel.PrometheusHandler)
}

// newStore builds the configured store adapter. The returned closer may be
// nil when the adapter has nothing to release.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store, records do not survive restarts")
		return store.NewMemoryStore(), nil, nil

	case "redis":
		client, err := store.ConnectRedis(ctx, cfg.Store.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		rs := store.NewRedisStore(client, cfg.Store.Redis.Prefix)
		closer := func(context.Context) error { return client.Close() }
		return rs, closer, nil

	case "sheets":
		ss, err := store.NewSheetsStore(ctx, store.SheetsConfig{
			SpreadsheetID:   cfg.Store.Sheets.SpreadsheetID,
			SheetName:       cfg.Store.Sheets.SheetName,
			CredentialsFile: cfg.Store.Sheets.CredentialsFile,
			PollInterval:    cfg.Store.Sheets.PollInterval,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sheets store: %w", err)
		}
		return ss, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start launches the HTTP server. A listen failure cancels the run context.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) {
	a.Logger.InfoContext(ctx, "starting application",
		slog.String("name", a.Name),
		slog.Int("port", a.Config.Server.Port),
		slog.String("store_backend", a.Config.Store.Backend),
		slog.String("log_level", a.Config.Logging.Level),
	)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
}

// Stop shuts the server down gracefully and releases resources in reverse
// registration order.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "shutdown step failed", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.OTel.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "telemetry shutdown failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	return firstErr
}

// Run starts the application and blocks until an interrupt or a fatal
// server error, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.createServer()
	a.Start(ctx, cancel)

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "received signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
