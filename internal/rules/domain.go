// Package rules owns the stored permission rule entity and its
// persistence port. A rule records one subject / resource type / verb
// combination together with its base polarity and, for user rules, the
// set of instance ids whose outcome is flipped relative to that
// polarity.
package rules

import (
	"context"

	"github.com/google/uuid"
)

// SubjectKind discriminates rule ownership.
type SubjectKind int

const (
	// SubjectRole marks a rule owned by a role. Role rules are pure
	// grants: always allowed, never carrying exceptions.
	SubjectRole SubjectKind = iota
	// SubjectUser marks a rule owned by a user.
	SubjectUser
)

// Subject identifies the owner of a rule. Exactly one kind applies to a
// rule, which keeps the role/user mutual exclusion structural instead of
// a pair of nullable fields.
type Subject struct {
	Kind SubjectKind
	ID   uuid.UUID
}

// RoleSubject builds a role-owned subject.
func RoleSubject(id uuid.UUID) Subject {
	return Subject{Kind: SubjectRole, ID: id}
}

// UserSubject builds a user-owned subject.
func UserSubject(id uuid.UUID) Subject {
	return Subject{Kind: SubjectUser, ID: id}
}

// Rule is the only entity the permission engine creates or mutates.
type Rule struct {
	ID           uuid.UUID
	Subject      Subject
	ResourceType string
	Verb         string
	// Allowed is the base polarity: the rule's outcome before
	// exceptions are applied.
	Allowed bool
	// Except holds instance ids whose outcome is the inverse of
	// Allowed. Only meaningful on user rules.
	Except []uuid.UUID
}

// EffectiveAt reports the rule's polarity at the given instance:
// the base polarity XOR exception membership.
func (r Rule) EffectiveAt(instanceID uuid.UUID) bool {
	return r.Allowed != r.HasException(instanceID)
}

// HasException reports whether instanceID is listed in the exception set.
func (r Rule) HasException(instanceID uuid.UUID) bool {
	for _, id := range r.Except {
		if id == instanceID {
			return true
		}
	}
	return false
}

// Filter is a conjunction of rule predicates. Zero values mean "any";
// pointer fields distinguish "unset" from "false".
type Filter struct {
	Subject      *Subject
	ResourceType string
	Verb         string
	Verbs        []string
	Allowed      *bool
	// HasExceptions matches rules whose exception set is non-empty
	// (true) or empty (false).
	HasExceptions *bool
	// ExceptionID matches rules whose exception set contains the id.
	ExceptionID *uuid.UUID
}

// Update describes a single-rule mutation. Exactly the operations the
// mutation engine needs: polarity set, exception add/remove, exception
// clear.
type Update struct {
	SetAllowed      *bool
	AddException    *uuid.UUID
	RemoveException *uuid.UUID
	ClearExceptions bool
}

// Group is one row of the grouped aggregation: a resource type together
// with its distinct verbs.
type Group struct {
	ResourceType string
	Verbs        []string
}

// Store is the persistence port consumed by the resolution and mutation
// engines. No uniqueness is enforced at the storage level; the mutation
// engine maintains at-most-one-rule-per-triple as a convention.
type Store interface {
	Insert(ctx context.Context, rule Rule) error
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	FindOne(ctx context.Context, filter Filter) (Rule, bool, error)
	// FindOneAndUpdate applies the update to one rule matching the
	// filter. With upsert, a missing rule is created from the filter's
	// equality fields with the update applied.
	FindOneAndUpdate(ctx context.Context, filter Filter, update Update, upsert bool) error
	// GrantedByRoles aggregates allowed role rules for the given roles,
	// grouped by resource type with verbs deduplicated. An empty
	// resourceType means all resource types.
	GrantedByRoles(ctx context.Context, roleIDs []uuid.UUID, resourceType string) ([]Group, error)
	// ByUser aggregates user rules whose effective polarity equals
	// wantGranted. With a zero instanceID only the base polarity is
	// compared; otherwise the polarity at that instance is used:
	// base polarity XOR exception membership.
	ByUser(ctx context.Context, userID uuid.UUID, wantGranted bool, resourceType string, instanceID uuid.UUID) ([]Group, error)
}

// Bool returns a pointer to b, for filter literals.
func Bool(b bool) *bool { return &b }
