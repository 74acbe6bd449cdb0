// Package permissions implements the permission resolution and mutation
// engines. Grants come from three layers: role rules, user rules and
// per-instance exception flips. A user-level denial always wins over any
// grant source.
package permissions

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bonjourjohn/gatekeeper/internal/rules"
	"github.com/bonjourjohn/gatekeeper/internal/users"
)

// Resolver answers "is this permitted" and "what is permitted" queries.
// It is read-only and holds no state beyond the store port.
type Resolver struct {
	store rules.Store
}

// NewResolver constructs a Resolver over the given rule store.
func NewResolver(store rules.Store) *Resolver {
	return &Resolver{store: store}
}

// RolePermissions compiles granted permissions for the given roles,
// optionally scoped to one resource type.
func (r *Resolver) RolePermissions(ctx context.Context, roleIDs []uuid.UUID, resourceType string) (map[string][]string, error) {
	groups, err := r.store.GrantedByRoles(ctx, roleIDs, resourceType)
	if err != nil {
		return nil, err
	}
	return rules.Compact(groups), nil
}

// EffectivePermissions compiles the user's final permission map: role
// grants unioned with user grants, minus user denials, per resource
// type. A zero instanceID resolves at the resource type level. The three
// underlying queries have no ordering requirement and run concurrently.
func (r *Resolver) EffectivePermissions(ctx context.Context, user users.User, resourceType string, instanceID uuid.UUID) (map[string][]string, error) {
	var roleGroups, grantGroups, denyGroups []rules.Group

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		roleGroups, err = r.store.GrantedByRoles(gctx, user.Roles, resourceType)
		return err
	})
	g.Go(func() (err error) {
		grantGroups, err = r.store.ByUser(gctx, user.ID, true, resourceType, instanceID)
		return err
	})
	g.Go(func() (err error) {
		denyGroups, err = r.store.ByUser(gctx, user.ID, false, resourceType, instanceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	granted := rules.MergeCompiled(rules.Compact(roleGroups), rules.Compact(grantGroups))
	denied := rules.Compact(denyGroups)

	for rt, verbs := range granted {
		deniedVerbs, ok := denied[rt]
		if !ok {
			continue
		}
		kept := verbs[:0]
		for _, verb := range verbs {
			if !containsVerb(deniedVerbs, verb) {
				kept = append(kept, verb)
			}
		}
		if len(kept) == 0 {
			delete(granted, rt)
			continue
		}
		granted[rt] = kept
	}
	return granted, nil
}

// HasPermission reports whether the user may perform verb on the
// resource type, at one instance when instanceID is set. This is the
// direct form of EffectivePermissions restricted to a single verb:
// denied rules win, otherwise any role or user grant suffices. Duplicate
// rules degrade gracefully: grants union, and a denial not excepted at
// the queried instance wins.
func (r *Resolver) HasPermission(ctx context.Context, user users.User, resourceType, verb string, instanceID uuid.UUID) (bool, error) {
	var roleGroups, grantGroups, denyGroups []rules.Group

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		roleGroups, err = r.store.GrantedByRoles(gctx, user.Roles, resourceType)
		return err
	})
	g.Go(func() (err error) {
		grantGroups, err = r.store.ByUser(gctx, user.ID, true, resourceType, instanceID)
		return err
	})
	g.Go(func() (err error) {
		denyGroups, err = r.store.ByUser(gctx, user.ID, false, resourceType, instanceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	roleGrant := containsVerb(rules.Compact(roleGroups)[resourceType], verb)
	userGrant := containsVerb(rules.Compact(grantGroups)[resourceType], verb)
	userDenial := containsVerb(rules.Compact(denyGroups)[resourceType], verb)

	return !userDenial && (roleGrant || userGrant), nil
}

func containsVerb(verbs []string, verb string) bool {
	for _, v := range verbs {
		if v == verb {
			return true
		}
	}
	return false
}
