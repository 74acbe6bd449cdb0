package permissions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjourjohn/gatekeeper/internal/rules"
)

func newTestMutator(store *rules.MemStore) *Mutator {
	resolver := NewResolver(store)
	return NewMutator(store, resolver)
}

func TestGrantRoleVerbCreatesPureGrant(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()

	require.NoError(t, mutator.GrantRoleVerb(context.Background(), roleID, "invoice", "read"))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.Equal(t, rules.RoleSubject(roleID), stored[0].Subject)
	assert.True(t, stored[0].Allowed)
	assert.Empty(t, stored[0].Except)
}

func TestGrantRoleVerbIdempotent(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	ctx := context.Background()

	require.NoError(t, mutator.GrantRoleVerb(ctx, roleID, "invoice", "read"))
	require.NoError(t, mutator.GrantRoleVerb(ctx, roleID, "invoice", "read"))

	assert.Len(t, store.Rules(), 1)
}

func TestRevokeRoleVerbs(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	store.Seed(
		rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "invoice", Verb: "read", Allowed: true},
		rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "invoice", Verb: "create", Allowed: true},
		rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "report", Verb: "read", Allowed: true},
	)

	require.NoError(t, mutator.RevokeRoleVerbs(context.Background(), roleID, "invoice", []string{"read", "create"}))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.Equal(t, "report", stored[0].ResourceType)
}

func TestGrantUserVerbAlreadyGrantedByRoleWritesNothing(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	user := testUser(roleID)
	store.Seed(rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "schools", Verb: "GET", Allowed: true})

	require.NoError(t, mutator.GrantUserVerb(context.Background(), user, "schools", "GET"))

	assert.Zero(t, store.WriteCalls())
	assert.Len(t, store.Rules(), 1)
}

func TestGrantUserVerbInsertsCleanGrant(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()

	require.NoError(t, mutator.GrantUserVerb(context.Background(), user, "fooz", "PUT"))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.Equal(t, rules.UserSubject(user.ID), stored[0].Subject)
	assert.True(t, stored[0].Allowed)
	assert.Empty(t, stored[0].Except)
}

func TestGrantUserVerbRemovesDenial(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	user := testUser(roleID)
	store.Seed(
		rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "degrees", Verb: "GET", Allowed: true},
		rules.Rule{Subject: rules.UserSubject(user.ID), ResourceType: "degrees", Verb: "GET", Allowed: false},
	)

	require.NoError(t, mutator.GrantUserVerb(context.Background(), user, "degrees", "GET"))

	// The role grant suffices once the denial is gone; no user grant is
	// inserted.
	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.Equal(t, rules.RoleSubject(roleID), stored[0].Subject)

	allowed, err := NewResolver(store).HasPermission(context.Background(), user, "degrees", "GET", uuid.Nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGrantUserVerbReplacesExceptionCarryingRules(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceID := uuid.New()
	store.Seed(
		rules.Rule{Subject: rules.UserSubject(user.ID), ResourceType: "invoice", Verb: "read", Allowed: true, Except: []uuid.UUID{instanceID}},
		rules.Rule{Subject: rules.UserSubject(user.ID), ResourceType: "invoice", Verb: "read", Allowed: false},
	)

	require.NoError(t, mutator.GrantUserVerb(context.Background(), user, "invoice", "read"))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Allowed)
	assert.Empty(t, stored[0].Except)

	allowed, err := NewResolver(store).HasPermission(context.Background(), user, "invoice", "read", instanceID)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGrantUserVerbIdempotent(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	ctx := context.Background()

	require.NoError(t, mutator.GrantUserVerb(ctx, user, "fooz", "PUT"))
	writesAfterFirst := store.WriteCalls()

	require.NoError(t, mutator.GrantUserVerb(ctx, user, "fooz", "PUT"))

	assert.Equal(t, writesAfterFirst, store.WriteCalls())
	assert.Len(t, store.Rules(), 1)
}

func TestRevokeUserVerbRemovesDirectGrant(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	store.Seed(rules.Rule{Subject: rules.UserSubject(user.ID), ResourceType: "fooz", Verb: "PUT", Allowed: true})

	require.NoError(t, mutator.RevokeUserVerb(context.Background(), user, "fooz", "PUT"))

	// No role backs the permission, so no denial rule is needed.
	assert.Empty(t, store.Rules())
}

func TestRevokeUserVerbSuppressesRoleGrantWithDenial(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	user := testUser(roleID)
	store.Seed(rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "degrees", Verb: "GET", Allowed: true})

	require.NoError(t, mutator.RevokeUserVerb(context.Background(), user, "degrees", "GET"))

	stored := store.Rules()
	require.Len(t, stored, 2)

	allowed, err := NewResolver(store).HasPermission(context.Background(), user, "degrees", "GET", uuid.Nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRevokeUserVerbNotGrantedWritesNothing(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()

	require.NoError(t, mutator.RevokeUserVerb(context.Background(), user, "fooz", "PUT"))

	assert.Zero(t, store.WriteCalls())
}

func TestRevokeUserVerbIdempotent(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	roleID := uuid.New()
	user := testUser(roleID)
	store.Seed(rules.Rule{Subject: rules.RoleSubject(roleID), ResourceType: "degrees", Verb: "GET", Allowed: true})
	ctx := context.Background()

	require.NoError(t, mutator.RevokeUserVerb(ctx, user, "degrees", "GET"))
	writesAfterFirst := store.WriteCalls()

	require.NoError(t, mutator.RevokeUserVerb(ctx, user, "degrees", "GET"))

	assert.Equal(t, writesAfterFirst, store.WriteCalls())
}

func TestSetInstanceExceptionGrantsSingleInstance(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	instanceY := uuid.New()
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "fooz", instanceX, "PUT", true))

	resolver := NewResolver(store)
	allowed, err := resolver.HasPermission(ctx, user, "fooz", "PUT", instanceX)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = resolver.HasPermission(ctx, user, "fooz", "PUT", instanceY)
	require.NoError(t, err)
	assert.False(t, allowed)

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Allowed)
	assert.Equal(t, []uuid.UUID{instanceX}, stored[0].Except)
}

func TestSetInstanceExceptionPrefersRemovingFlip(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	store.Seed(rules.Rule{
		Subject:      rules.UserSubject(user.ID),
		ResourceType: "schools",
		Verb:         "GET",
		Allowed:      true,
		Except:       []uuid.UUID{instanceX},
	})
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "schools", instanceX, "GET", true))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Allowed)
	assert.Empty(t, stored[0].Except)

	allowed, err := NewResolver(store).HasPermission(ctx, user, "schools", "GET", instanceX)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSetInstanceExceptionRevokesSingleInstance(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	instanceY := uuid.New()
	store.Seed(rules.Rule{Subject: rules.UserSubject(user.ID), ResourceType: "schools", Verb: "GET", Allowed: true})
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "schools", instanceX, "GET", false))

	resolver := NewResolver(store)
	allowed, err := resolver.HasPermission(ctx, user, "schools", "GET", instanceX)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = resolver.HasPermission(ctx, user, "schools", "GET", instanceY)
	require.NoError(t, err)
	assert.True(t, allowed)

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Allowed)
	assert.Equal(t, []uuid.UUID{instanceX}, stored[0].Except)
}

func TestSetInstanceExceptionUndoDenialFlip(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	store.Seed(rules.Rule{
		Subject:      rules.UserSubject(user.ID),
		ResourceType: "fooz",
		Verb:         "PUT",
		Allowed:      false,
		Except:       []uuid.UUID{instanceX},
	})
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "fooz", instanceX, "PUT", false))

	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Allowed)
	assert.Empty(t, stored[0].Except)
}

func TestSetInstanceExceptionAlreadyConvergedWritesNothing(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	store.Seed(rules.Rule{
		Subject:      rules.UserSubject(user.ID),
		ResourceType: "fooz",
		Verb:         "PUT",
		Allowed:      false,
		Except:       []uuid.UUID{instanceX},
	})
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "fooz", instanceX, "PUT", true))

	assert.Zero(t, store.WriteCalls())
}

func TestSetInstanceExceptionIdempotent(t *testing.T) {
	store := rules.NewMemStore()
	mutator := newTestMutator(store)
	user := testUser()
	instanceX := uuid.New()
	ctx := context.Background()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "fooz", instanceX, "PUT", true))
	writesAfterFirst := store.WriteCalls()

	require.NoError(t, mutator.SetInstanceException(ctx, user, "fooz", instanceX, "PUT", true))

	assert.Equal(t, writesAfterFirst, store.WriteCalls())
	stored := store.Rules()
	require.Len(t, stored, 1)
	assert.Equal(t, []uuid.UUID{instanceX}, stored[0].Except)
}
