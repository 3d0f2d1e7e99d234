package auth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayGuardRejectsDuplicate(t *testing.T) {
	g := NewReplayGuard()

	assert.True(t, g.Check("did:key:z6MkA", 1000, 1000))
	assert.False(t, g.Check("did:key:z6MkA", 1000, 1001))
	// Other subjects are independent.
	assert.True(t, g.Check("did:key:z6MkB", 1000, 1001))
}

func TestReplayGuardExpiry(t *testing.T) {
	g := NewReplayGuard()

	assert.True(t, g.Check("s", 1000, 1000))
	// Inside the window the nonce stays blocked.
	assert.False(t, g.Check("s", 1000, 1300))
	// After the window it may be accepted again. The authenticator's
	// staleness check makes this unreachable for real requests.
	assert.True(t, g.Check("s", 1000, 1301))
}

func TestReplayGuardPerSubjectCap(t *testing.T) {
	g := NewReplayGuard()

	for i := int64(0); i < maxNoncesPerSubject; i++ {
		assert.True(t, g.Check("s", i, 2000))
	}
	// The cap evicts the oldest nonce to make room.
	assert.True(t, g.Check("s", int64(maxNoncesPerSubject), 2000))
	assert.True(t, g.Check("s", 0, 2000))
}

func TestReplayGuardDropsIdleSubjects(t *testing.T) {
	g := NewReplayGuard()

	g.Check("gone", 1000, 1000)
	assert.Equal(t, 1, g.Len())

	// A later check on another subject does not prune strangers, but a
	// fresh check on the same subject after expiry leaves one entry.
	g.Check("gone", 2000, 2000)
	assert.Equal(t, 1, g.Len())
}

func TestReplayGuardConcurrent(t *testing.T) {
	g := NewReplayGuard()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check("shared", 42, 100) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}
