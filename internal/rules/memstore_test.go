package rules

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreByUserInstancePolarity(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	userID := uuid.New()
	flipped := uuid.New()
	other := uuid.New()

	store.Seed(Rule{
		Subject:      UserSubject(userID),
		ResourceType: "invoice",
		Verb:         "read",
		Allowed:      true,
		Except:       []uuid.UUID{flipped},
	})

	granted, err := store.ByUser(ctx, userID, true, "invoice", other)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, []string{"read"}, granted[0].Verbs)

	granted, err = store.ByUser(ctx, userID, true, "invoice", flipped)
	require.NoError(t, err)
	assert.Empty(t, granted)

	denied, err := store.ByUser(ctx, userID, false, "invoice", flipped)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, []string{"read"}, denied[0].Verbs)
}

func TestMemStoreFindOneAndUpdateUpsert(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	subject := UserSubject(uuid.New())
	instanceID := uuid.New()

	err := store.FindOneAndUpdate(ctx,
		Filter{Subject: &subject, ResourceType: "invoice", Verb: "read", Allowed: Bool(true)},
		Update{AddException: &instanceID},
		true)
	require.NoError(t, err)

	rule, found, err := store.FindOne(ctx, Filter{Subject: &subject})
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rule.Allowed)
	assert.Equal(t, []uuid.UUID{instanceID}, rule.Except)

	// A second add of the same instance must not duplicate the entry.
	err = store.FindOneAndUpdate(ctx,
		Filter{Subject: &subject, ResourceType: "invoice", Verb: "read"},
		Update{AddException: &instanceID},
		false)
	require.NoError(t, err)

	rule, _, err = store.FindOne(ctx, Filter{Subject: &subject})
	require.NoError(t, err)
	assert.Len(t, rule.Except, 1)
}

func TestMemStoreFindOneAndUpdateNoUpsertNoop(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	subject := UserSubject(uuid.New())

	err := store.FindOneAndUpdate(ctx,
		Filter{Subject: &subject, ResourceType: "invoice", Verb: "read"},
		Update{SetAllowed: Bool(false)},
		false)
	require.NoError(t, err)

	_, found, err := store.FindOne(ctx, Filter{Subject: &subject})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStoreDeleteManyCounts(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	subject := UserSubject(uuid.New())

	store.Seed(
		Rule{Subject: subject, ResourceType: "invoice", Verb: "read", Allowed: true},
		Rule{Subject: subject, ResourceType: "invoice", Verb: "create", Allowed: true},
		Rule{Subject: subject, ResourceType: "invoice", Verb: "delete", Allowed: false},
	)

	removed, err := store.DeleteMany(ctx, Filter{
		Subject: &subject,
		Verbs:   []string{"read", "create", "delete"},
		Allowed: Bool(true),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Len(t, store.Rules(), 1)
}
