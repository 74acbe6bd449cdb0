package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and local development. It
// mirrors the persistence semantics of PGStore, including the lack of
// triple uniqueness, and counts mutating calls so convergence tests can
// assert zero-write behavior.
type MemStore struct {
	mu    sync.Mutex
	rules []Rule

	InsertCalls int
	DeleteCalls int
	UpdateCalls int
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Seed loads rules without touching the write counters.
func (s *MemStore) Seed(seed ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range seed {
		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		s.rules = append(s.rules, rule)
	}
}

// WriteCalls reports the total number of mutating store calls.
func (s *MemStore) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InsertCalls + s.DeleteCalls + s.UpdateCalls
}

// Rules returns a snapshot of the stored rules.
func (s *MemStore) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]Rule, len(s.rules))
	copy(snapshot, s.rules)
	return snapshot
}

// Insert stores a new rule.
func (s *MemStore) Insert(_ context.Context, rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InsertCalls++
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	s.rules = append(s.rules, rule)
	return nil
}

// DeleteMany removes every matching rule.
func (s *MemStore) DeleteMany(_ context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++
	var kept []Rule
	var removed int64
	for _, rule := range s.rules {
		if matches(rule, filter) {
			removed++
			continue
		}
		kept = append(kept, rule)
	}
	s.rules = kept
	return removed, nil
}

// FindOne returns a single matching rule, if any.
func (s *MemStore) FindOne(_ context.Context, filter Filter) (Rule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if matches(rule, filter) {
			return rule, true, nil
		}
	}
	return Rule{}, false, nil
}

// FindOneAndUpdate applies the update to one matching rule, creating it
// from the filter when upsert is requested.
func (s *MemStore) FindOneAndUpdate(_ context.Context, filter Filter, update Update, upsert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls++
	for i := range s.rules {
		if matches(s.rules[i], filter) {
			applyUpdate(&s.rules[i], update)
			return nil
		}
	}
	if !upsert {
		return nil
	}
	if filter.Subject == nil || filter.ResourceType == "" || filter.Verb == "" {
		return fmt.Errorf("rules: upsert requires subject, resource type and verb")
	}
	rule := Rule{
		ID:           uuid.New(),
		Subject:      *filter.Subject,
		ResourceType: filter.ResourceType,
		Verb:         filter.Verb,
	}
	if filter.Allowed != nil {
		rule.Allowed = *filter.Allowed
	}
	applyUpdate(&rule, update)
	s.rules = append(s.rules, rule)
	return nil
}

// GrantedByRoles aggregates allowed role rules grouped by resource type.
func (s *MemStore) GrantedByRoles(_ context.Context, roleIDs []uuid.UUID, resourceType string) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[uuid.UUID]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		ids[id] = struct{}{}
	}
	var picked []Rule
	for _, rule := range s.rules {
		if rule.Subject.Kind != SubjectRole || !rule.Allowed {
			continue
		}
		if _, ok := ids[rule.Subject.ID]; !ok {
			continue
		}
		if resourceType != "" && rule.ResourceType != resourceType {
			continue
		}
		picked = append(picked, rule)
	}
	return groupRules(picked), nil
}

// ByUser aggregates user rules by effective polarity.
func (s *MemStore) ByUser(_ context.Context, userID uuid.UUID, wantGranted bool, resourceType string, instanceID uuid.UUID) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var picked []Rule
	for _, rule := range s.rules {
		if rule.Subject.Kind != SubjectUser || rule.Subject.ID != userID {
			continue
		}
		if resourceType != "" && rule.ResourceType != resourceType {
			continue
		}
		if instanceID == uuid.Nil {
			if rule.Allowed != wantGranted {
				continue
			}
		} else if rule.EffectiveAt(instanceID) != wantGranted {
			continue
		}
		picked = append(picked, rule)
	}
	return groupRules(picked), nil
}

func matches(rule Rule, filter Filter) bool {
	if filter.Subject != nil {
		if rule.Subject.Kind != filter.Subject.Kind || rule.Subject.ID != filter.Subject.ID {
			return false
		}
	}
	if filter.ResourceType != "" && rule.ResourceType != filter.ResourceType {
		return false
	}
	if filter.Verb != "" && rule.Verb != filter.Verb {
		return false
	}
	if len(filter.Verbs) > 0 {
		found := false
		for _, verb := range filter.Verbs {
			if rule.Verb == verb {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Allowed != nil && rule.Allowed != *filter.Allowed {
		return false
	}
	if filter.HasExceptions != nil && (len(rule.Except) > 0) != *filter.HasExceptions {
		return false
	}
	if filter.ExceptionID != nil && !rule.HasException(*filter.ExceptionID) {
		return false
	}
	return true
}

func applyUpdate(rule *Rule, update Update) {
	if update.SetAllowed != nil {
		rule.Allowed = *update.SetAllowed
	}
	if update.AddException != nil && !rule.HasException(*update.AddException) {
		rule.Except = append(rule.Except, *update.AddException)
	}
	if update.RemoveException != nil {
		var kept []uuid.UUID
		for _, id := range rule.Except {
			if id != *update.RemoveException {
				kept = append(kept, id)
			}
		}
		rule.Except = kept
	}
	if update.ClearExceptions {
		rule.Except = nil
	}
}

func groupRules(picked []Rule) []Group {
	byType := make(map[string][]string)
	var order []string
	for _, rule := range picked {
		if _, ok := byType[rule.ResourceType]; !ok {
			order = append(order, rule.ResourceType)
		}
		byType[rule.ResourceType] = append(byType[rule.ResourceType], rule.Verb)
	}
	groups := make([]Group, 0, len(order))
	for _, resourceType := range order {
		groups = append(groups, Group{ResourceType: resourceType, Verbs: byType[resourceType]})
	}
	return groups
}
