package permissions

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// keyedLocks serializes mutation procedures per rule key so two
// concurrent convergence calls against the same triple cannot interleave
// their check/fix steps. Scope is this process; the store itself only
// guarantees single-statement atomicity.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*entryLock)}
}

// Acquire locks the key and returns the release function.
func (k *keyedLocks) Acquire(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &entryLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// RoleRuleKey names the critical section for a role rule triple.
func RoleRuleKey(roleID uuid.UUID, resourceType, verb string) string {
	return fmt.Sprintf("perm:role:%s:%s:%s", roleID, resourceType, verb)
}

// UserRuleKey names the critical section for a user rule triple.
func UserRuleKey(userID uuid.UUID, resourceType, verb string) string {
	return fmt.Sprintf("perm:user:%s:%s:%s", userID, resourceType, verb)
}
