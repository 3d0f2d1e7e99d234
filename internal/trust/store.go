package trust

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agoramesh/pkg/logging"
)

// Event is an observed task outcome for an identity.
type Event string

const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
)

// MinStoreCapacity is the floor for the profile cache so free-tier
// identity churn cannot wash out long-lived profiles too quickly.
const MinStoreCapacity = 10_000

// Store tracks per-identity activity profiles. It is bounded: the least
// recently active identity is evicted at capacity, which resets that
// identity to NEW if it ever returns.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Profile]
	now   func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity < MinStoreCapacity {
		capacity = MinStoreCapacity
	}
	cache, err := lru.New[string, *Profile](capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Store{cache: cache, now: time.Now}
}

// Observe records a task lifecycle event for the identity key, creating
// the profile on first sight.
func (s *Store) Observe(key string, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, ok := s.cache.Get(key)
	if !ok {
		p = &Profile{FirstSeenAt: now}
		s.cache.Add(key, p)
		logging.Debug("TrustStore", "New profile for %s", logging.TruncateSubject(key))
	}
	p.LastActivityAt = now

	switch event {
	case EventComplete:
		p.Completions++
	case EventFail:
		p.Failures++
	}

	// Record the earned tier so later failures cannot demote.
	if earned := p.Tier(now); earned > p.maxTier {
		p.maxTier = earned
		logging.Info("TrustStore", "%s promoted to %s", logging.TruncateSubject(key), earned)
	}
}

// Get returns a copy of the identity's profile. The second return is
// false for identities never seen (or already evicted).
func (s *Store) Get(key string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache.Get(key)
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// TierFor returns the current tier for the identity, NEW when unknown.
func (s *Store) TierFor(key string) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache.Peek(key)
	if !ok {
		return TierNew
	}
	return p.Tier(s.now())
}

// Len reports the number of tracked identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
