// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/api"
	"github.com/starford/tessera/internal/lock"
	"github.com/starford/tessera/internal/mcpserver"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/notify"
	"github.com/starford/tessera/internal/propschema"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/tableservice"
)

// runtime holds the components shared by the HTTP server and the MCP server.
type runtime struct {
	cfg    *Config
	log    *slog.Logger
	store  *store.Store
	redis  *redis.Client
	hub    *notify.Hub
	relay  *notify.RedisRelay
	svc    *tableservice.Service
	schema *propschema.Syncer
}

func newApplication(opts []Option) (*application, error) {
	app := &application{logOut: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(app.logOut, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	return app, nil
}

// openRedis connects and pings within five seconds.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// build opens the store and wires the shared components. The caller must
// call close.
func (a *application) build(ctx context.Context) (*runtime, error) {
	cfg, logger := a.config, a.logger
	rt := &runtime{cfg: cfg, log: logger}

	st, err := store.Open(store.Driver(cfg.Store.Driver), cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	rt.store = st

	var locks lock.Backend = lock.NewMemoryBackend()
	rt.hub = notify.NewHub(notify.DefaultPingInterval, logger)
	var pub notify.Publisher = rt.hub

	if cfg.Redis.Enabled() {
		client, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.redis = client
		locks = lock.NewRedisBackend(client)
		rt.relay = notify.NewRedisRelay(client, rt.hub, cfg.Redis.Channel, logger)
		pub = rt.relay
	}

	rt.svc = tableservice.NewService(st, pub, locks,
		tableservice.WithLockTTL(cfg.Locks.TTL),
		tableservice.WithLogger(logger))

	if cfg.Schema.Dir != "" {
		if err := os.MkdirAll(cfg.Schema.Dir, 0o755); err != nil {
			rt.close()
			return nil, fmt.Errorf("create schema dir: %w", err)
		}
		dir, err := propschema.NewDir(cfg.Schema.Dir)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.schema = propschema.NewSyncer(dir, rt.svc, logger)
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

// syncSchema runs one schema pass, logging rather than failing.
func (rt *runtime) syncSchema(ctx context.Context) {
	if rt.schema == nil {
		return
	}
	res, err := rt.schema.Sync(ctx)
	if err != nil {
		rt.log.Warn("initial schema sync failed", slog.String("error", err.Error()))
		return
	}
	rt.log.Info("Property schema synced",
		slog.Int("upserted", res.Upserted), slog.Int("deleted", res.Deleted), slog.Int("failed", res.Failed))
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, `{"status":"`+status+`"}`)
}

// handler builds the root router: middleware, health checks and /api.
func (rt *runtime) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.CORS(rt.cfg.App.HTTP.CORSOrigins))

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := rt.store.Ping(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if rt.redis != nil {
			if err := rt.redis.Ping(ctx).Err(); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "redis unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	r.Mount("/api", api.NewRouter(rt.svc, rt.cfg.Auth.API(), rt.hub))
	return r
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.Bool("redis", cfg.Redis.Enabled()),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("schema_dir", cfg.Schema.Dir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt, err := app.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           rt.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	if rt.schema != nil {
		if cfg.Schema.Watch {
			g.Go(func() error {
				return propschema.Watch(gCtx, rt.schema, propschema.DefaultDebounce, nil)
			})
		} else {
			rt.syncSchema(gCtx)
		}
	}

	if rt.relay != nil {
		g.Go(func() error {
			if err := rt.relay.Run(gCtx); err != nil && gCtx.Err() == nil {
				return fmt.Errorf("event relay: %w", err)
			}
			return nil
		})
	}

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
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group once the server has been shut down, so the
// watcher and relay stop with it.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout against the configured store.
// With Redis configured, changes reach editors connected to the HTTP
// servers through the relay.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	slog.SetDefault(app.logger)

	rt, err := app.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.syncSchema(ctx)

	identity := models.Identity{
		UserID:      "mcp",
		DisplayName: "MCP assistant",
		ClientID:    "mcp-" + uuid.NewString(),
	}
	app.logger.Info("MCP server starting", slog.String("client_id", identity.ClientID))
	return mcpserver.New(rt.svc, identity, app.logger).ServeStdio()
}
