// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/joho/godotenv"

	"github.com/erisrwa/portal/internal/admin"
	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/events"
	"github.com/erisrwa/portal/internal/health"
	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/metrics"
	"github.com/erisrwa/portal/internal/middleware"
	"github.com/erisrwa/portal/internal/proxy"
	"github.com/erisrwa/portal/internal/server"
	"github.com/erisrwa/portal/internal/session"
	"github.com/erisrwa/portal/internal/user"
	"github.com/erisrwa/portal/migrations"
)

const (
	drainDelay = 5 * time.Second

	contactPerHour = 10
	contactBurst   = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	generateKeys := flag.String(
		"generate-keys",
		"",
		"write a new session signing key to this path and exit",
	)
	flag.Parse()

	//nolint:errcheck // .env is optional outside local development
	_ = godotenv.Load()

	if *generateKeys != "" {
		if err := writeKeys(*generateKeys); err != nil {
			slog.Error("key generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func writeKeys(privatePath string) error {
	if err := os.MkdirAll(filepath.Dir(privatePath), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	publicPath := strings.TrimSuffix(privatePath, filepath.Ext(privatePath)) + ".pub.pem"
	if err := session.GenerateKeyPair(privatePath, publicPath); err != nil {
		return err
	}

	slog.Info("session keys written", "private", privatePath, "public", publicPath)
	return nil
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var tracing *core.Tracing
	if cfg.Otel.Enabled {
		t, tracingErr := core.StartTracing(ctx, cfg.Otel, cfg.App)
		if tracingErr != nil {
			logger.Warn("tracing disabled", "error", tracingErr)
		} else {
			tracing = t
			logger.Info("tracing enabled", "endpoint", cfg.Otel.Endpoint)
		}
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	rdb, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	tokens, err := session.NewTokenManager(cfg.Session, rdb)
	if err != nil {
		return err
	}
	logger.Info("session token manager initialized",
		"algorithm", "ES256",
		"key_id", tokens.KeyID(),
	)

	provider, err := identity.New(cfg.Identity, rdb)
	if err != nil {
		return err
	}
	logger.Info("identity provider selected", "provider", provider.Name())

	publisher, err := events.New(cfg.Kafka, logger)
	if err != nil {
		return err
	}

	userRepo := user.NewRepository(db.DB)
	userSvc := user.NewService(userRepo)

	manager := session.NewManager(session.ManagerConfig{
		Caches:      session.RedisCacheFactory(rdb, cfg.Session.CacheTTL),
		Directory:   userSvc,
		Provider:    provider,
		Events:      publisher,
		Logger:      logger,
		IdleTimeout: cfg.Session.IdleTimeout,
	})
	manager.Start(ctx)

	sessionHandler := session.NewHandler(
		manager,
		tokens,
		cfg.Session,
		cfg.CORS.AllowedOrigins,
		logger,
	)
	userHandler := user.NewHandler(userSvc, manager)

	proxyHandler := proxy.NewHandler(
		proxy.Config{
			Upstream:     cfg.Upstream,
			Email:        cfg.Email,
			CookieSecure: cfg.Session.CookieSecure,
		},
		proxy.NewResend(cfg.Email, cfg.Upstream.Timeout),
		userSvc,
		manager,
		logger,
	)

	healthHandler := health.NewHandler(
		health.Dependency{Name: "database", Checker: db},
		health.Dependency{Name: "redis", Checker: rdb},
	)

	adminHandler := admin.NewHandler(admin.HandlerConfig{
		DBStats:    db.Stats,
		RedisStats: rdb.PoolStats,
		DBPing:     db.Ping,
		RedisPing:  rdb.Ping,
		Sessions:   manager,
		Provider:   provider.Name(),
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Trace(cfg.Otel.ServiceName))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recoverer(logger))
	router.Use(
		middleware.NewRateLimiter(rdb.Client, middleware.RateLimitConfig{
			Name: "global",
			Limit: middleware.PerMinute(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Burst,
			),
			BypassFunc: isHealthCheck,
		}).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	router.Get("/.well-known/jwks.json", tokens.JWKSHandler())

	authenticator := middleware.Authenticator(tokens, cfg.Session.CookieName)
	principal := middleware.LoadPrincipal(manager)

	router.Route("/v1", func(r chi.Router) {
		sessionHandler.RegisterRoutes(r, authenticator)
		userHandler.RegisterRoutes(r, authenticator, principal)
		adminHandler.RegisterRoutes(r, middleware.RequireAPIKey(cfg.Admin.APIKey))
	})

	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.OptionalCookieAuth(tokens, cfg.Session.CookieName))
		r.Use(principal)

		proxyHandler.RegisterRoutes(
			r,
			middleware.SubscriptionLimiter(rdb.Client, subscriptionLimits()),
			middleware.NewRateLimiter(rdb.Client, middleware.RateLimitConfig{
				Name:    "contact",
				Limit:   middleware.PerHour(contactPerHour, contactBurst),
				KeyFunc: middleware.KeyBySubjectAndRoute,
			}).Handler,
		)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		manager.Close()
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	manager.Close()

	if err := publisher.Close(); err != nil {
		logger.Error("event publisher close error", "error", err)
	}

	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}

	if err := rdb.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

// subscriptionLimits budgets the asset routes. Sessions without a resolved
// user get less than the free tier.
func subscriptionLimits() middleware.TierLimits {
	return middleware.TierLimits{
		Tiers: map[string]redis_rate.Limit{
			user.TierFree:    middleware.PerMinute(30, 5),
			user.TierPremium: middleware.PerMinute(300, 50),
		},
		Default:    user.TierFree,
		Unresolved: middleware.PerMinute(20, 5),
	}
}

func isHealthCheck(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/livez", "/readyz":
		return true
	}
	return false
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
