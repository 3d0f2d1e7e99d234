package trust

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agoramesh/pkg/logging"
)

// quotaWindow is one identity's rolling 24 h usage counter.
type quotaWindow struct {
	dayStartAt   time.Time
	countThisDay int
}

// Denial carries the caller-facing details of a quota rejection.
type Denial struct {
	DailyLimit int
	UsedToday  int
	ResetAt    time.Time
	Tier       Tier
}

// Limiter enforces per-identity daily task quotas derived from trust
// tier. Admission is serialized so concurrent racers resolve
// deterministically at the limit.
type Limiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *quotaWindow]
	store   *Store
	now     func() time.Time
}

func NewLimiter(store *Store, capacity int) *Limiter {
	if capacity < MinStoreCapacity {
		capacity = MinStoreCapacity
	}
	windows, err := lru.New[string, *quotaWindow](capacity)
	if err != nil {
		panic(err)
	}
	return &Limiter{windows: windows, store: store, now: time.Now}
}

// Admit consumes one unit of the identity's daily quota. Paid callers
// are always admitted and never counted. A nil Denial means admitted.
//
// Admit is the only place the counter increments; callers invoke it
// exactly once per accepted task or tool call.
func (l *Limiter) Admit(key string, paid bool) *Denial {
	if paid {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(key)
	if !ok || now.Sub(w.dayStartAt) > 24*time.Hour {
		w = &quotaWindow{dayStartAt: now}
		l.windows.Add(key, w)
	}

	tier := l.store.TierFor(key)
	limit := tier.DailyLimit()
	if w.countThisDay >= limit {
		logging.Info("QuotaLimiter", "Denied %s: %d/%d used (tier %s)",
			logging.TruncateSubject(key), w.countThisDay, limit, tier)
		return &Denial{
			DailyLimit: limit,
			UsedToday:  w.countThisDay,
			ResetAt:    w.dayStartAt.Add(24 * time.Hour),
			Tier:       tier,
		}
	}
	w.countThisDay++
	return nil
}

// Usage reports the identity's current window without consuming quota.
func (l *Limiter) Usage(key string) (used int, limit int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit = l.store.TierFor(key).DailyLimit()
	w, ok := l.windows.Peek(key)
	if !ok {
		return 0, limit, time.Time{}
	}
	return w.countThisDay, limit, w.dayStartAt.Add(24 * time.Hour)
}
