// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/vaultkeep/internal/api"
	"github.com/starford/vaultkeep/internal/lock"
	"github.com/starford/vaultkeep/internal/mcpserver"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/sse"
	"github.com/starford/vaultkeep/internal/storage"
	"github.com/starford/vaultkeep/internal/watch"
	"github.com/starford/vaultkeep/internal/workspace"
)

// core is the vault core shared by the HTTP and MCP entry points.
type core struct {
	store   *storage.FS
	locks   *lock.Manager
	ws      *workspace.Workspace
	closeDB func() error
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// buildCore wires storage, the lock store and manager, and the workspace.
// publish receives workspace events and onLock remote lock holder changes;
// either may be nil.
func buildCore(cfg *Config, logger *slog.Logger, publish func(workspace.Event), onLock func(string, *models.LockRecord)) (*core, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	deviceID := cfg.Vault.DeviceID
	if deviceID == "" {
		if deviceID, err = lock.LoadDeviceID(cfg.Vault.DeviceIDFile); err != nil {
			return nil, fmt.Errorf("init device id: %w", err)
		}
	}

	c := &core{store: store, closeDB: func() error { return nil }}

	var lockStore lock.Store
	switch cfg.Locks.Backend {
	case LockBackendSQLite:
		db, err := lock.OpenSQLite(cfg.Locks.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init lock store: %w", err)
		}
		lockStore, c.closeDB = db, db.Close
	default:
		lockStore = lock.NewFileStore(store)
	}

	c.locks, err = lock.NewManager(lockStore, lock.Options{
		Vault:             cfg.Vault.VaultName(),
		DeviceID:          deviceID,
		HeartbeatInterval: cfg.Locks.HeartbeatInterval,
		PollInterval:      cfg.Locks.PollInterval,
		StaleMultiplier:   cfg.Locks.StaleMultiplier,
		GraceDelay:        cfg.Locks.GraceDelay,
		Logger:            logger,
		OnStatus:          onLock,
	})
	if err != nil {
		c.closeDB()
		return nil, fmt.Errorf("init lock manager: %w", err)
	}

	c.ws = workspace.New(store, c.locks, workspace.Options{
		SaveDebounce: cfg.Editor.SaveDebounce,
		MaxCached:    cfg.Windows.MaxCached,
		MaxCachedAge: cfg.Windows.MaxCachedAge,
		Logger:       logger,
		Publish:      publish,
	})

	logger.Info("Vault core ready",
		slog.String("vault", cfg.Vault.VaultName()),
		slog.String("device_id", deviceID),
		slog.String("lock_backend", cfg.Locks.Backend))
	return c, nil
}

// shutdown flushes pending saves, releases locks and closes the lock DB.
func (c *core) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.ws.Shutdown(ctx); err != nil {
		logger.Error("workspace shutdown error", slog.String("error", err.Error()))
	}
	if err := c.closeDB(); err != nil {
		logger.Error("lock store close error", slog.String("error", err.Error()))
	}
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	logger := app.log()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("lock_backend", cfg.Locks.Backend),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	c, err := buildCore(cfg, logger, func(ev workspace.Event) {
		broker.Publish(sse.Event{Type: ev.Type, Data: ev.Data})
	}, broker.PublishLock)
	if err != nil {
		return err
	}
	c.locks.Start()
	defer c.shutdown(logger)

	apiRouter := api.NewRouter(c.ws, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher; changes reach SSE clients and open documents.
	g.Go(func() error {
		err := watch.Watch(gCtx, cfg.Vault.Path, logger, func(kind, path string) {
			broker.PublishFileEvent(kind, path)
			c.ws.NotifyChanged(gCtx, path)
		})
		if err != nil {
			return fmt.Errorf("watcher error: %w", err)
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the vault tools over stdio. Logs go to stderr so they do
// not corrupt the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	logger := app.log()
	c, err := buildCore(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer c.shutdown(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(ctx)

	// Edits made elsewhere while the tools are served must reach the cache.
	g.Go(func() error {
		err := watch.Watch(gCtx, cfg.Vault.Path, logger, func(_, path string) {
			c.ws.NotifyChanged(gCtx, path)
		})
		if err != nil {
			return fmt.Errorf("watcher error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mcpserver.New(c.ws).ServeStdio(gCtx); err != nil {
			return err
		}
		// stdin closed; stop the watcher too.
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("MCP server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
