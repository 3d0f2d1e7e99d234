package task

import "time"

// Status is a task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the task state machine. Terminal states have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the authoritative state of one task. Copies of it are
// handed to subscribers and HTTP responses; the registry owns the
// mutable original.
type Record struct {
	ID       string `json:"taskId"`
	Owner    string `json:"-"`
	Type     string `json:"type"`
	Prompt   string `json:"-"`
	Status   Status `json:"status"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`

	TimeoutSec  int     `json:"timeoutSec"`
	DurationSec float64 `json:"durationSec,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
