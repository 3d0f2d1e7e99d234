package task

import (
	"container/list"
	"fmt"
	"sync"

	"agoramesh/pkg/logging"
)

// DefaultRegistryCapacity bounds the number of retained task records.
const DefaultRegistryCapacity = 10_000

// Subscriber receives exactly one terminal record snapshot. The channel
// is buffered by the registry so delivery never blocks the worker.
type Subscriber chan Record

// ErrDuplicateTask is returned by Create for an already-present id.
type ErrDuplicateTask struct{ ID string }

func (e *ErrDuplicateTask) Error() string {
	return fmt.Sprintf("task %s already exists", e.ID)
}

// ErrTaskNotFound is returned when an id is unknown or already evicted.
type ErrTaskNotFound struct{ ID string }

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// ErrBadTransition is returned for a transition the state machine
// forbids, including any transition out of a terminal state.
type ErrBadTransition struct {
	ID   string
	From Status
	To   Status
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

type taskEntry struct {
	record      Record
	subscribers []Subscriber

	// lruElem is non-nil only for terminal records, which are the only
	// eviction candidates.
	lruElem *list.Element
}

// Registry is the process-wide task store. Capacity is enforced by
// evicting the least recently touched terminal record; live tasks are
// never evicted.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*taskEntry
	terminal *list.List // front = oldest terminal record
	capacity int
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{
		entries:  make(map[string]*taskEntry),
		terminal: list.New(),
		capacity: capacity,
	}
}

// Create registers a new record. The record must carry a unique ID and
// status queued.
func (r *Registry) Create(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[rec.ID]; exists {
		return &ErrDuplicateTask{ID: rec.ID}
	}
	rec.Status = StatusQueued
	r.entries[rec.ID] = &taskEntry{record: rec}
	r.evictLocked()
	return nil
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return Record{}, &ErrTaskNotFound{ID: id}
	}
	return entry.record, nil
}

// Attach subscribes to the task's terminal event. If the task is
// already terminal the snapshot is delivered immediately and the
// subscriber is not retained.
func (r *Registry) Attach(id string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return &ErrTaskNotFound{ID: id}
	}
	if entry.record.Status.Terminal() {
		deliver(sub, entry.record)
		return nil
	}
	entry.subscribers = append(entry.subscribers, sub)
	return nil
}

// Detach removes a subscriber from a non-terminal task. Harmless if the
// task is gone or already terminal.
func (r *Registry) Detach(id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return
	}
	for i, s := range entry.subscribers {
		if s == sub {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			return
		}
	}
}

// Transition advances the task's state, applying mutate to the record
// under the registry lock. On a terminal transition the record is
// snapshotted and delivered to every subscriber exactly once, then the
// subscriber list is cleared.
func (r *Registry) Transition(id string, to Status, mutate func(*Record)) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return Record{}, &ErrTaskNotFound{ID: id}
	}
	from := entry.record.Status
	if !transitionAllowed(from, to) {
		return Record{}, &ErrBadTransition{ID: id, From: from, To: to}
	}

	entry.record.Status = to
	if mutate != nil {
		mutate(&entry.record)
	}

	if to.Terminal() {
		snapshot := entry.record
		for _, sub := range entry.subscribers {
			deliver(sub, snapshot)
		}
		entry.subscribers = nil
		entry.lruElem = r.terminal.PushBack(id)
		r.evictLocked()
		logging.Debug("TaskRegistry", "Task %s reached %s", id, to)
	}
	return entry.record, nil
}

// evictLocked trims terminal records until the registry fits its
// capacity. Live tasks always survive, so the registry can briefly
// exceed capacity when all records are live.
func (r *Registry) evictLocked() {
	for len(r.entries) > r.capacity {
		oldest := r.terminal.Front()
		if oldest == nil {
			return
		}
		id := r.terminal.Remove(oldest).(string)
		delete(r.entries, id)
		logging.Debug("TaskRegistry", "Evicted terminal task %s", id)
	}
}

// deliver sends without blocking. Subscriber channels are buffered and
// receive at most one record, so a full channel means the subscriber is
// gone.
func deliver(sub Subscriber, rec Record) {
	select {
	case sub <- rec:
	default:
	}
}

// Len reports the number of retained records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
