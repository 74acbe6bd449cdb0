package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bonjourjohn/gatekeeper/internal/app"
	"github.com/bonjourjohn/gatekeeper/internal/observability"
	"github.com/bonjourjohn/gatekeeper/internal/permissions"
	permissionhttp "github.com/bonjourjohn/gatekeeper/internal/permissions/http"
	"github.com/bonjourjohn/gatekeeper/internal/platform/cache"
	"github.com/bonjourjohn/gatekeeper/internal/platform/db"
	"github.com/bonjourjohn/gatekeeper/internal/roles"
	"github.com/bonjourjohn/gatekeeper/internal/rules"
	"github.com/bonjourjohn/gatekeeper/internal/users"
	"github.com/bonjourjohn/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The service degrades to uncached resolution when redis is
		// down; rule storage stays authoritative.
		logger.Warn("redis unavailable, running uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	store := rules.NewPGStore(pool)
	resolver := permissions.NewResolver(store)
	mutator := permissions.NewMutator(store, resolver)
	permCache := permissions.NewCache(redisClient, cfg.PermissionCacheTTL)

	userRepo := users.NewRepository(pool)
	roleRepo := roles.NewRepository(pool)

	var warmup permissionhttp.WarmupEnqueuer
	if redisClient != nil {
		jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		warmup = jobsClient
	}

	metrics := observability.NewMetrics()
	permHandler := permissionhttp.NewHandler(logger, resolver, mutator, permCache, userRepo, roleRepo, metrics, warmup)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		PermissionsHandler: permHandler,
		Pool:               pool,
		Redis:              redisClient,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("gatekeeper listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	logger.Info("gatekeeper stopped")
}
