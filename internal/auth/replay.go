package auth

import (
	"sync"

	"agoramesh/pkg/logging"
)

const (
	// replayWindowSec is how long an accepted nonce stays blocked.
	replayWindowSec = 300

	// maxNoncesPerSubject bounds memory per subject; oldest entries are
	// evicted when the cap is exceeded.
	maxNoncesPerSubject = 1024
)

// subjectNonces tracks the accepted nonces of one subject in arrival
// order so the oldest can be evicted cheaply.
type subjectNonces struct {
	seen  map[int64]int64 // nonce -> firstSeenAt (unix seconds)
	order []int64         // nonces in acceptance order
}

// ReplayGuard rejects reuse of (subject, nonce) pairs inside the replay
// window. Nonces are the signed request timestamps, so staleness and
// replay share the same 300 s horizon.
type ReplayGuard struct {
	mu       sync.Mutex
	subjects map[string]*subjectNonces
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{subjects: make(map[string]*subjectNonces)}
}

// Check admits the (subject, nonce) pair if it has not been seen inside
// the replay window, recording it on admission. Expired entries for the
// subject are pruned lazily on each call.
func (g *ReplayGuard) Check(subject string, nonce int64, nowSec int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := g.subjects[subject]
	if entry == nil {
		entry = &subjectNonces{seen: make(map[int64]int64)}
		g.subjects[subject] = entry
	}

	g.pruneLocked(subject, entry, nowSec)

	if _, dup := entry.seen[nonce]; dup {
		logging.Debug("ReplayGuard", "Rejected replayed nonce %d for %s", nonce, logging.TruncateSubject(subject))
		return false
	}

	if len(entry.order) >= maxNoncesPerSubject {
		oldest := entry.order[0]
		entry.order = entry.order[1:]
		delete(entry.seen, oldest)
	}
	entry.seen[nonce] = nowSec
	entry.order = append(entry.order, nonce)
	// Pruning may have emptied and dropped the subject entry.
	g.subjects[subject] = entry
	return true
}

// pruneLocked drops entries older than the replay window. Empty
// subjects are removed so the guard does not grow with one-shot callers.
func (g *ReplayGuard) pruneLocked(subject string, entry *subjectNonces, nowSec int64) {
	cut := 0
	for cut < len(entry.order) {
		nonce := entry.order[cut]
		if nowSec-entry.seen[nonce] <= replayWindowSec {
			break
		}
		delete(entry.seen, nonce)
		cut++
	}
	entry.order = entry.order[cut:]
	if len(entry.order) == 0 {
		delete(g.subjects, subject)
	}
}

// Len reports the number of tracked subjects, for tests and metrics.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subjects)
}
