package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bonjourjohn/gatekeeper/internal/observability"
	permissionhttp "github.com/bonjourjohn/gatekeeper/internal/permissions/http"
	"github.com/bonjourjohn/gatekeeper/internal/platform/httpx"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Metrics            *observability.Metrics
	PermissionsHandler *permissionhttp.Handler
	Pool               *pgxpool.Pool
	Redis              *redis.Client
}

// NewRouter assembles the middleware chain and mounts all routes.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  p.Logger,
		Config:  p.Config,
		Metrics: p.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(p.Pool, p.Redis))
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}

	tokenHash := ""
	if p.Config != nil {
		tokenHash = p.Config.AppTokenHash
	}
	r.Route("/permissions", func(r chi.Router) {
		r.Use(AppTokenGate(p.Logger, tokenHash))
		p.PermissionsHandler.MountRoutes(r)
	})

	return r
}

func healthHandler(pool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unhealthy", "postgres unreachable")
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unhealthy", "redis unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
