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

	"github.com/starford/arbor/internal/api"
	"github.com/starford/arbor/internal/docservice"
	"github.com/starford/arbor/internal/editor"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/mcpserver"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/schemaload"
	"github.com/starford/arbor/internal/sse"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/storage"
)

// core holds the components shared by the HTTP and MCP front ends.
type core struct {
	logger   *slog.Logger
	cfg      *Config
	schemas  *storage.FS
	registry *schemaload.Registry
	db       *journal.DB
	bus      *event.Bus
	svc      *docservice.Service
}

func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func setup(app *application) (*core, error) {
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("schemas_dir", cfg.Schemas.Dir),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Any("plugins", cfg.Engine.Plugins),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Fail on unknown plugin names before any document opens.
	if _, err := plugins.ByName(cfg.Engine.Plugins, cfg.Engine.StampAttr); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Schemas.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create schemas dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Schemas.Dir)
	if err != nil {
		return nil, fmt.Errorf("init schema storage: %w", err)
	}

	registry := schemaload.NewRegistry()
	if err := schemaload.Sync(registry, store, logger, nil); err != nil {
		logger.Warn("initial schema sync failed", slog.String("error", err.Error()))
	}

	db, err := journal.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}

	bus := event.NewBus(logger, 0)
	bus.Handle(journal.NewRecorder(db, logger).Handle)

	var mw []editor.Middleware
	if cfg.Engine.MaxSteps > 0 {
		mw = append(mw, plugins.StepLimit(cfg.Engine.MaxSteps))
	}
	if cfg.Engine.Audit {
		mw = append(mw, plugins.Audit(logger))
	}

	svc := docservice.NewService(docservice.Config{
		Registry: registry,
		Schemas:  store,
		Journal:  db,
		Bus:      bus,
		Plugins: func(*model.Schema) []state.Plugin {
			ps, _ := plugins.ByName(cfg.Engine.Plugins, cfg.Engine.StampAttr)
			return ps
		},
		Catalog:         plugins.Catalog(cfg.Engine.StampAttr),
		Middleware:      mw,
		HistoryDepth:    cfg.Engine.HistoryDepth,
		MaxAppendRounds: cfg.Engine.MaxAppendRounds,
		HookTimeout:     cfg.Engine.HookTimeout,
		QueueSize:       cfg.Engine.QueueSize,
		Logger:          logger,
	})

	return &core{
		logger:   logger,
		cfg:      cfg,
		schemas:  store,
		registry: registry,
		db:       db,
		bus:      bus,
		svc:      svc,
	}, nil
}

// close stops editors first so their Destroy events reach the journal.
func (c *core) close() {
	c.svc.Shutdown()
	c.bus.Close()
	if err := c.db.Close(); err != nil {
		c.logger.Error("journal close failed", slog.String("error", err.Error()))
	}
}

func (c *core) watchSchemas(ctx context.Context, cb schemaload.EventCallback) error {
	if !c.cfg.Schemas.Watch {
		return nil
	}
	return schemaload.Watch(ctx, c.registry, c.schemas, c.schemas.Root(), c.logger, cb)
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := setup(app)
	if err != nil {
		return err
	}
	defer c.close()

	cfg := c.cfg
	logger := c.logger

	// SSE broker fed by the event bus.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	c.bus.Handle(broker.HandleEvent)

	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

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
		if len(c.registry.Entries()) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"no schemas"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Hot reload schemas and tell SSE clients about it.
	g.Go(func() error {
		return c.watchSchemas(gCtx, func(kind, name string) {
			broker.Publish(sse.Event{Type: "schema." + kind, Data: map[string]string{"name": name}})
		})
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
		defer signal.Stop(quit)

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

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout. Logs must not share stdout
// with the protocol, so callers pass WithLogOutput(os.Stderr).
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := setup(app)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.watchSchemas(ctx, nil); err != nil {
			c.logger.Error("schema watcher stopped", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("MCP server starting on stdio")
	return mcpserver.New(c.svc).ServeStdio()
}
