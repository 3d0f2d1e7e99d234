package mcpgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agoramesh/internal/metrics"
	"agoramesh/pkg/logging"
)

const (
	// DefaultMaxSessions is the hard cap on concurrent MCP sessions.
	DefaultMaxSessions = 100

	// sessionIdleTimeout is how long a session may stay silent before the
	// scanner closes it.
	sessionIdleTimeout = 30 * time.Minute

	// cleanupInterval is how often the idle scanner runs.
	cleanupInterval = 5 * time.Minute
)

// ErrSessionLimitReached is returned when a new session would exceed
// the cap.
type ErrSessionLimitReached struct{ Max int }

func (e *ErrSessionLimitReached) Error() string {
	return fmt.Sprintf("session limit of %d concurrent sessions reached", e.Max)
}

type sessionInfo struct {
	createdAt  time.Time
	lastActive time.Time
}

// SessionRegistry tracks live MCP session ids with a hard cap and idle
// eviction. The transport owns session semantics; the registry only
// does accounting so the cap and timeout hold.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionInfo
	max      int
	onEvict  func(sessionID string)
}

func NewSessionRegistry(max int) *SessionRegistry {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &SessionRegistry{
		sessions: make(map[string]*sessionInfo),
		max:      max,
	}
}

// SetEvictHandler registers a callback invoked for idle-evicted
// sessions, so the transport can drop its own state.
func (r *SessionRegistry) SetEvictHandler(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Reserve checks the cap before a new session is created. It does not
// allocate; Register records the id once the transport assigned one.
func (r *SessionRegistry) Reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return &ErrSessionLimitReached{Max: r.max}
	}
	return nil
}

// Register records a session id. Races past the cap between Reserve
// and Register are tolerated; the scanner restores the bound.
func (r *SessionRegistry) Register(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return
	}
	now := time.Now()
	r.sessions[id] = &sessionInfo{createdAt: now, lastActive: now}
	metrics.McpSessionsActive.Set(float64(len(r.sessions)))
	logging.Info("McpSessionMux", "Session %s opened (%d active)", logging.TruncateSubject(id), len(r.sessions))
}

// Touch marks the session active. Unknown ids are re-registered only if
// the cap allows, covering sessions the transport kept across a restart
// of the registry.
func (r *SessionRegistry) Touch(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.lastActive = time.Now()
		return
	}
	if len(r.sessions) < r.max {
		now := time.Now()
		r.sessions[id] = &sessionInfo{createdAt: now, lastActive: now}
		metrics.McpSessionsActive.Set(float64(len(r.sessions)))
	}
}

// Remove drops a session, freeing its slot.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	metrics.McpSessionsActive.Set(float64(len(r.sessions)))
	logging.Info("McpSessionMux", "Session %s closed (%d active)", logging.TruncateSubject(id), len(r.sessions))
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartCleanup runs the idle scanner until ctx is cancelled.
func (r *SessionRegistry) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle(time.Now())
			}
		}
	}()
}

func (r *SessionRegistry) evictIdle(now time.Time) {
	r.mu.Lock()
	var evicted []string
	for id, s := range r.sessions {
		if now.Sub(s.lastActive) > sessionIdleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	onEvict := r.onEvict
	metrics.McpSessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, id := range evicted {
		logging.Info("McpSessionMux", "Session %s evicted after idle timeout", logging.TruncateSubject(id))
		if onEvict != nil {
			onEvict(id)
		}
	}
}
