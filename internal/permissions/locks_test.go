package permissions

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyedLocksSerializesSameKey(t *testing.T) {
	locks := newKeyedLocks()

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Acquire("same")
			defer release()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	releaseA := locks.Acquire("a")
	done := make(chan struct{})
	go func() {
		releaseB := locks.Acquire("b")
		releaseB()
		close(done)
	}()
	<-done
	releaseA()
}

func TestKeyedLocksReleaseDropsEntry(t *testing.T) {
	locks := newKeyedLocks()

	release := locks.Acquire("x")
	release()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}

func TestRuleKeyFormats(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	assert.Equal(t, "perm:role:11111111-2222-3333-4444-555555555555:invoice:read", RoleRuleKey(id, "invoice", "read"))
	assert.Equal(t, "perm:user:11111111-2222-3333-4444-555555555555:invoice:read", UserRuleKey(id, "invoice", "read"))
}
