// Package permissionhttp exposes the permission engine over JSON
// endpoints. Response bodies are plain resource-type-to-verbs mappings,
// or bare verb lists when scoped to a single resource type.
package permissionhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bonjourjohn/gatekeeper/internal/observability"
	"github.com/bonjourjohn/gatekeeper/internal/permissions"
	"github.com/bonjourjohn/gatekeeper/internal/platform/httpx"
	"github.com/bonjourjohn/gatekeeper/internal/roles"
	"github.com/bonjourjohn/gatekeeper/internal/users"
)

// UserDirectory resolves user subjects.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (users.User, error)
}

// RoleDirectory resolves role subjects.
type RoleDirectory interface {
	GetRole(ctx context.Context, id uuid.UUID) (roles.Role, error)
}

// WarmupEnqueuer schedules a cache warmup after mutations. Optional.
type WarmupEnqueuer interface {
	EnqueueCacheWarmup(ctx context.Context) error
}

// Handler coordinates HTTP requests for permission reads and writes.
type Handler struct {
	logger   *slog.Logger
	resolver *permissions.Resolver
	mutator  *permissions.Mutator
	cache    *permissions.Cache
	users    UserDirectory
	roles    RoleDirectory
	metrics  *observability.Metrics
	warmup   WarmupEnqueuer
	validate *validator.Validate
}

// NewHandler constructs the permission HTTP handler.
func NewHandler(logger *slog.Logger, resolver *permissions.Resolver, mutator *permissions.Mutator, cache *permissions.Cache, userDir UserDirectory, roleDir RoleDirectory, metrics *observability.Metrics, warmup WarmupEnqueuer) *Handler {
	return &Handler{
		logger:   logger,
		resolver: resolver,
		mutator:  mutator,
		cache:    cache,
		users:    userDir,
		roles:    roleDir,
		metrics:  metrics,
		warmup:   warmup,
		validate: validator.New(),
	}
}

// MountRoutes registers the permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/role/{roleID}", h.getRolePermissions)
	r.Get("/user/{userID}", h.getUserPermissions)
	r.Get("/user/{userID}/{resourceType}/{instanceID}", h.getUserPermissionsOn)

	r.Post("/role/{roleID}", h.createRolePermissions)
	r.Post("/user/{userID}", h.createUserPermissions)
	r.Post("/user/{userID}/{resourceType}/{instanceID}", h.createUserInstanceExceptions)

	r.Delete("/{verbs}/role/{roleID}/object/{resourceType}", h.removeRolePermissions)
	r.Delete("/{verbs}/user/{userID}/object/{resourceType}", h.removeUserPermissions)
	r.Delete("/{verbs}/user/{userID}/object/{resourceType}/{instanceID}", h.removeUserInstancePermissions)
}

func (h *Handler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := h.findRole(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := r.URL.Query().Get("objectName")

	key, err := h.cache.BuildKey(r.Context(), "perm", "role", role.ID.String(), resourceType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	compiled, err := h.cache.FetchCompiled(r.Context(), key, func(ctx context.Context) (map[string][]string, error) {
		return h.resolver.RolePermissions(ctx, []uuid.UUID{role.ID}, resourceType)
	})
	if err != nil {
		h.logger.Error("compile role permissions", slog.String("role_id", role.ID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, compiled)
}

func (h *Handler) getUserPermissions(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := r.URL.Query().Get("objectName")

	key, err := h.cache.BuildKey(r.Context(), "perm", "user", user.ID.String(), resourceType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	compiled, err := h.cache.FetchCompiled(r.Context(), key, func(ctx context.Context) (map[string][]string, error) {
		return h.resolver.EffectivePermissions(ctx, user, resourceType, uuid.Nil)
	})
	if err != nil {
		h.logger.Error("compile user permissions", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, compiled)
}

func (h *Handler) getUserPermissionsOn(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	instanceID, err := parseID(chi.URLParam(r, "instanceID"), "instance id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	key, err := h.cache.BuildKey(r.Context(), "perm", "user", user.ID.String(), resourceType, instanceID.String())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	compiled, err := h.cache.FetchCompiled(r.Context(), key, func(ctx context.Context) (map[string][]string, error) {
		return h.resolver.EffectivePermissions(ctx, user, resourceType, instanceID)
	})
	if err != nil {
		h.logger.Error("compile user permissions on instance", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	verbs := compiled[resourceType]
	if verbs == nil {
		verbs = []string{}
	}
	h.metrics.ObserveDecision(len(verbs) > 0)
	httpx.JSON(w, http.StatusOK, verbs)
}

func (h *Handler) createRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := h.findRole(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.decodeBatch(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	for _, resourceType := range sortedKeys(batch) {
		for _, verb := range batch[resourceType] {
			if err := h.mutator.GrantRoleVerb(r.Context(), role.ID, resourceType, verb); err != nil {
				h.logger.Error("grant role verb",
					slog.String("role_id", role.ID.String()),
					slog.String("resource_type", resourceType),
					slog.String("verb", verb),
					slog.Any("error", err))
				httpx.RespondError(w, fmt.Errorf("grant %s on %s: %w", verb, resourceType, err))
				return
			}
		}
	}
	h.invalidate(r.Context())

	compiled, err := h.resolver.RolePermissions(r.Context(), []uuid.UUID{role.ID}, "")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, compiled)
}

func (h *Handler) createUserPermissions(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.decodeBatch(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	for _, resourceType := range sortedKeys(batch) {
		for _, verb := range batch[resourceType] {
			if err := h.mutator.GrantUserVerb(r.Context(), user, resourceType, verb); err != nil {
				h.logger.Error("grant user verb",
					slog.String("user_id", user.ID.String()),
					slog.String("resource_type", resourceType),
					slog.String("verb", verb),
					slog.Any("error", err))
				httpx.RespondError(w, fmt.Errorf("grant %s on %s: %w", verb, resourceType, err))
				return
			}
		}
	}
	h.invalidate(r.Context())

	compiled, err := h.resolver.EffectivePermissions(r.Context(), user, "", uuid.Nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, compiled)
}

func (h *Handler) createUserInstanceExceptions(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	instanceID, err := parseID(chi.URLParam(r, "instanceID"), "instance id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	verbs, err := h.decodeVerbList(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	for _, verb := range verbs {
		if err := h.mutator.SetInstanceException(r.Context(), user, resourceType, instanceID, verb, true); err != nil {
			h.logger.Error("grant instance exception",
				slog.String("user_id", user.ID.String()),
				slog.String("resource_type", resourceType),
				slog.String("instance_id", instanceID.String()),
				slog.String("verb", verb),
				slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("grant %s on %s/%s: %w", verb, resourceType, instanceID, err))
			return
		}
	}
	h.invalidate(r.Context())

	compiled, err := h.resolver.EffectivePermissions(r.Context(), user, resourceType, instanceID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	granted := compiled[resourceType]
	if granted == nil {
		granted = []string{}
	}
	httpx.JSON(w, http.StatusCreated, granted)
}

func (h *Handler) removeRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := h.findRole(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	verbs, err := parseVerbs(chi.URLParam(r, "verbs"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	if err := h.mutator.RevokeRoleVerbs(r.Context(), role.ID, resourceType, verbs); err != nil {
		h.logger.Error("revoke role verbs",
			slog.String("role_id", role.ID.String()),
			slog.String("resource_type", resourceType),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.invalidate(r.Context())
	httpx.JSON(w, http.StatusOK, verbs)
}

func (h *Handler) removeUserPermissions(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	verbs, err := parseVerbs(chi.URLParam(r, "verbs"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	for _, verb := range verbs {
		if err := h.mutator.RevokeUserVerb(r.Context(), user, resourceType, verb); err != nil {
			h.logger.Error("revoke user verb",
				slog.String("user_id", user.ID.String()),
				slog.String("resource_type", resourceType),
				slog.String("verb", verb),
				slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("revoke %s on %s: %w", verb, resourceType, err))
			return
		}
	}
	h.invalidate(r.Context())
	httpx.JSON(w, http.StatusOK, verbs)
}

func (h *Handler) removeUserInstancePermissions(w http.ResponseWriter, r *http.Request) {
	user, err := h.findUser(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	instanceID, err := parseID(chi.URLParam(r, "instanceID"), "instance id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	verbs, err := parseVerbs(chi.URLParam(r, "verbs"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	for _, verb := range verbs {
		if err := h.mutator.SetInstanceException(r.Context(), user, resourceType, instanceID, verb, false); err != nil {
			h.logger.Error("revoke instance permission",
				slog.String("user_id", user.ID.String()),
				slog.String("resource_type", resourceType),
				slog.String("instance_id", instanceID.String()),
				slog.String("verb", verb),
				slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("revoke %s on %s/%s: %w", verb, resourceType, instanceID, err))
			return
		}
	}
	h.invalidate(r.Context())
	httpx.JSON(w, http.StatusOK, verbs)
}

func (h *Handler) findUser(r *http.Request) (users.User, error) {
	id, err := parseID(chi.URLParam(r, "userID"), "user id")
	if err != nil {
		return users.User{}, err
	}
	user, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		return users.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return user, nil
}

func (h *Handler) findRole(r *http.Request) (roles.Role, error) {
	id, err := parseID(chi.URLParam(r, "roleID"), "role id")
	if err != nil {
		return roles.Role{}, err
	}
	role, err := h.roles.GetRole(r.Context(), id)
	if err != nil {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, err)
	}
	return role, nil
}

// decodeBatch reads a {resourceType: [verbs]} body. The whole batch is
// validated up front; entries already applied before a later failure
// stay applied, each is independently idempotent.
func (h *Handler) decodeBatch(r *http.Request) (map[string][]string, error) {
	var batch map[string][]string
	if err := httpx.DecodeJSON(r, &batch); err != nil {
		return nil, fmt.Errorf("%w: malformed permission batch", httpx.ErrValidation)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: missing permissions to add", httpx.ErrValidation)
	}
	for resourceType, verbs := range batch {
		if strings.TrimSpace(resourceType) == "" {
			return nil, fmt.Errorf("%w: empty resource type", httpx.ErrValidation)
		}
		if err := h.validate.Var(verbs, "min=1,dive,required"); err != nil {
			return nil, fmt.Errorf("%w: invalid verbs for %s", httpx.ErrValidation, resourceType)
		}
	}
	return batch, nil
}

func (h *Handler) decodeVerbList(r *http.Request) ([]string, error) {
	var verbs []string
	if err := httpx.DecodeJSON(r, &verbs); err != nil {
		return nil, fmt.Errorf("%w: malformed verb list", httpx.ErrValidation)
	}
	if err := h.validate.Var(verbs, "min=1,dive,required"); err != nil {
		return nil, fmt.Errorf("%w: missing permissions to add", httpx.ErrValidation)
	}
	return verbs, nil
}

// invalidate bumps the compiled-permission cache and schedules a warmup.
// Both are best effort: the rules already converged.
func (h *Handler) invalidate(ctx context.Context) {
	if err := h.cache.Bump(ctx); err != nil {
		h.logger.Warn("bump permission cache", slog.Any("error", err))
	}
	if h.warmup != nil {
		if err := h.warmup.EnqueueCacheWarmup(ctx); err != nil {
			h.logger.Warn("enqueue cache warmup", slog.Any("error", err))
		}
	}
}

func parseVerbs(raw string) ([]string, error) {
	var verbs []string
	for _, verb := range strings.Split(raw, ",") {
		verb = strings.TrimSpace(verb)
		if verb == "" {
			continue
		}
		verbs = append(verbs, verb)
	}
	if len(verbs) == 0 {
		return nil, fmt.Errorf("%w: missing permissions to remove", httpx.ErrValidation)
	}
	return verbs, nil
}

func parseID(raw, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", httpx.ErrValidation, what, raw)
	}
	return id, nil
}

func sortedKeys(batch map[string][]string) []string {
	keys := make([]string, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
