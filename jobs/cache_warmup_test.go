package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjourjohn/gatekeeper/internal/permissions"
	"github.com/bonjourjohn/gatekeeper/internal/rules"
	"github.com/bonjourjohn/gatekeeper/internal/users"
)

type stubUserLister struct {
	users  map[uuid.UUID]users.User
	broken map[uuid.UUID]bool
}

func (s *stubUserLister) ListUserIDs(context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	for id := range s.broken {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *stubUserLister) GetUser(_ context.Context, id uuid.UUID) (users.User, error) {
	if s.broken[id] {
		return users.User{}, fmt.Errorf("user %s unavailable", id)
	}
	user, ok := s.users[id]
	if !ok {
		return users.User{}, fmt.Errorf("user %s not found", id)
	}
	return user, nil
}

func newWarmupJob(lister *stubUserLister, store *rules.MemStore) *CacheWarmupJob {
	resolver := permissions.NewResolver(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCacheWarmupJob(lister, resolver, permissions.NewCache(nil, 0), logger)
}

func TestCacheWarmupHandleWarmsAllUsers(t *testing.T) {
	store := rules.NewMemStore()
	roleID := uuid.New()
	user := users.User{ID: uuid.New(), Email: "u@example.com", Name: "U", Roles: []uuid.UUID{roleID}}
	store.Seed(rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "invoice", Verb: "read", Allowed: true})

	lister := &stubUserLister{users: map[uuid.UUID]users.User{user.ID: user}}
	job := newWarmupJob(lister, store)

	task, err := NewCacheWarmupTask("")
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

func TestCacheWarmupHandleSkipsUnloadableUsers(t *testing.T) {
	store := rules.NewMemStore()
	user := users.User{ID: uuid.New(), Email: "u@example.com", Name: "U"}
	lister := &stubUserLister{
		users:  map[uuid.UUID]users.User{user.ID: user},
		broken: map[uuid.UUID]bool{uuid.New(): true},
	}
	job := newWarmupJob(lister, store)

	task, err := NewCacheWarmupTask("")
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

func TestCacheWarmupHandleMalformedPayload(t *testing.T) {
	job := newWarmupJob(&stubUserLister{}, rules.NewMemStore())

	task := asynq.NewTask(TaskPermissionCacheWarmup, []byte("not json"))
	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewCacheWarmupTaskPayload(t *testing.T) {
	task, err := NewCacheWarmupTask("nightly")
	require.NoError(t, err)
	assert.Equal(t, TaskPermissionCacheWarmup, task.Type())
	assert.JSONEq(t, `{"scope":"nightly"}`, string(task.Payload()))
}
