package permissions

import (
	"context"

	"github.com/google/uuid"

	"github.com/bonjourjohn/gatekeeper/internal/rules"
	"github.com/bonjourjohn/gatekeeper/internal/users"
)

// Mutator moves the rule set toward a desired effective permission with
// the minimal writes. Every procedure is a sequence of individually
// idempotent guarded steps: a store failure aborts the remaining steps
// and the whole call is safe to retry. Procedures against the same rule
// key are serialized in-process.
type Mutator struct {
	store    rules.Store
	resolver *Resolver
	locks    *keyedLocks
}

// NewMutator constructs a Mutator sharing the resolver's store.
func NewMutator(store rules.Store, resolver *Resolver) *Mutator {
	return &Mutator{store: store, resolver: resolver, locks: newKeyedLocks()}
}

// GrantRoleVerb upserts the role grant rule for the triple. Role rules
// are pure grants: polarity is forced to allowed and no exception is
// ever written.
func (m *Mutator) GrantRoleVerb(ctx context.Context, roleID uuid.UUID, resourceType, verb string) error {
	release := m.locks.Acquire(RoleRuleKey(roleID, resourceType, verb))
	defer release()

	subject := rules.RoleSubject(roleID)
	return m.store.FindOneAndUpdate(ctx,
		rules.Filter{Subject: &subject, ResourceType: resourceType, Verb: verb},
		rules.Update{SetAllowed: rules.Bool(true)},
		true)
}

// RevokeRoleVerbs deletes the role's grant rules for the given verbs.
func (m *Mutator) RevokeRoleVerbs(ctx context.Context, roleID uuid.UUID, resourceType string, verbs []string) error {
	subject := rules.RoleSubject(roleID)
	_, err := m.store.DeleteMany(ctx, rules.Filter{
		Subject:      &subject,
		ResourceType: resourceType,
		Verbs:        verbs,
		Allowed:      rules.Bool(true),
	})
	return err
}

// GrantUserVerb converges on the user holding verb unconditionally at
// the resource type level. Already-granted subjects cost zero writes.
func (m *Mutator) GrantUserVerb(ctx context.Context, user users.User, resourceType, verb string) error {
	release := m.locks.Acquire(UserRuleKey(user.ID, resourceType, verb))
	defer release()

	allowed, err := m.resolver.HasPermission(ctx, user, resourceType, verb, uuid.Nil)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	subject := rules.UserSubject(user.ID)

	// A grant that carries instance exceptions is not an unconditional
	// grant; clear it before reasserting one.
	if _, err := m.store.DeleteMany(ctx, rules.Filter{
		Subject:       &subject,
		ResourceType:  resourceType,
		Verb:          verb,
		Allowed:       rules.Bool(true),
		HasExceptions: rules.Bool(true),
	}); err != nil {
		return err
	}

	allowed, err = m.resolver.HasPermission(ctx, user, resourceType, verb, uuid.Nil)
	if err != nil {
		return err
	}
	if !allowed {
		// Denials, including any exceptions they carry, are irrelevant
		// once the subject is meant to be granted outright.
		if _, err := m.store.DeleteMany(ctx, rules.Filter{
			Subject:      &subject,
			ResourceType: resourceType,
			Verb:         verb,
			Allowed:      rules.Bool(false),
		}); err != nil {
			return err
		}
	}

	allowed, err = m.resolver.HasPermission(ctx, user, resourceType, verb, uuid.Nil)
	if err != nil {
		return err
	}
	if !allowed {
		if err := m.store.Insert(ctx, rules.Rule{
			Subject:      subject,
			ResourceType: resourceType,
			Verb:         verb,
			Allowed:      true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RevokeUserVerb converges on the user not holding verb at the resource
// type level. Direct grants are removed; a permission still present
// afterwards comes from a role and is suppressed with an explicit
// denial rule.
func (m *Mutator) RevokeUserVerb(ctx context.Context, user users.User, resourceType, verb string) error {
	release := m.locks.Acquire(UserRuleKey(user.ID, resourceType, verb))
	defer release()

	allowed, err := m.resolver.HasPermission(ctx, user, resourceType, verb, uuid.Nil)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	subject := rules.UserSubject(user.ID)
	if _, err := m.store.DeleteMany(ctx, rules.Filter{
		Subject:      &subject,
		ResourceType: resourceType,
		Verb:         verb,
		Allowed:      rules.Bool(true),
	}); err != nil {
		return err
	}

	allowed, err = m.resolver.HasPermission(ctx, user, resourceType, verb, uuid.Nil)
	if err != nil {
		return err
	}
	if allowed {
		if err := m.store.FindOneAndUpdate(ctx,
			rules.Filter{Subject: &subject, ResourceType: resourceType, Verb: verb},
			rules.Update{SetAllowed: rules.Bool(false), ClearExceptions: true},
			true); err != nil {
			return err
		}
	}
	return nil
}

// SetInstanceException converges on the user's permission at one
// instance matching desiredGranted while leaving every other instance
// governed by the rule's base polarity. The general mechanism is a rule
// whose base polarity is the opposite of what is wanted here, with this
// instance listed as an exception.
func (m *Mutator) SetInstanceException(ctx context.Context, user users.User, resourceType string, instanceID uuid.UUID, verb string, desiredGranted bool) error {
	release := m.locks.Acquire(UserRuleKey(user.ID, resourceType, verb))
	defer release()

	allowed, err := m.resolver.HasPermission(ctx, user, resourceType, verb, instanceID)
	if err != nil {
		return err
	}
	if allowed == desiredGranted {
		return nil
	}

	subject := rules.UserSubject(user.ID)

	// Undo a prior flip first: drop the instance from the rule whose
	// base polarity already matches what is wanted.
	if err := m.store.FindOneAndUpdate(ctx,
		rules.Filter{
			Subject:      &subject,
			ResourceType: resourceType,
			Verb:         verb,
			Allowed:      rules.Bool(desiredGranted),
		},
		rules.Update{RemoveException: &instanceID},
		false); err != nil {
		return err
	}

	allowed, err = m.resolver.HasPermission(ctx, user, resourceType, verb, instanceID)
	if err != nil {
		return err
	}
	if allowed != desiredGranted {
		if err := m.store.FindOneAndUpdate(ctx,
			rules.Filter{
				Subject:      &subject,
				ResourceType: resourceType,
				Verb:         verb,
				Allowed:      rules.Bool(!desiredGranted),
			},
			rules.Update{AddException: &instanceID},
			true); err != nil {
			return err
		}
	}
	return nil
}
