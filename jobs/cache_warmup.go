package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bonjourjohn/gatekeeper/internal/permissions"
	"github.com/bonjourjohn/gatekeeper/internal/users"
)

// UserLister enumerates users whose compiled permissions get warmed.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	GetUser(ctx context.Context, id uuid.UUID) (users.User, error)
}

// CacheWarmupJob pre-populates the compiled permission cache so the
// first authorization check after an invalidation does not pay the
// resolution cost.
type CacheWarmupJob struct {
	Users    UserLister
	Resolver *permissions.Resolver
	Cache    *permissions.Cache
	Logger   *slog.Logger
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(userLister UserLister, resolver *permissions.Resolver, cache *permissions.Cache, logger *slog.Logger) *CacheWarmupJob {
	return &CacheWarmupJob{Users: userLister, Resolver: resolver, Cache: cache, Logger: logger}
}

// Handle processes permission cache warmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Resolver == nil || j.Users == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	logger.Info("starting permission cache warmup", slog.String("scope", payload.Scope))

	ids, err := j.Users.ListUserIDs(ctx)
	if err != nil {
		logger.Error("list users for warmup", slog.Any("error", err))
		return err
	}

	warmed := 0
	for _, id := range ids {
		user, err := j.Users.GetUser(ctx, id)
		if err != nil {
			logger.Warn("load user for warmup", slog.String("user_id", id.String()), slog.Any("error", err))
			continue
		}
		key, err := j.Cache.BuildKey(ctx, "perm", "user", user.ID.String(), "")
		if err != nil {
			return err
		}
		if _, err := j.Cache.FetchCompiled(ctx, key, func(ctx context.Context) (map[string][]string, error) {
			return j.Resolver.EffectivePermissions(ctx, user, "", uuid.Nil)
		}); err != nil {
			logger.Error("warm user permissions", slog.String("user_id", user.ID.String()), slog.Any("error", err))
			return err
		}
		warmed++
	}

	logger.Info("permission cache warmup finished", slog.Int("users", warmed))
	return nil
}

func (j *CacheWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
