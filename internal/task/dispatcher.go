package task

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agoramesh/internal/auth"
	"agoramesh/internal/config"
	"agoramesh/internal/metrics"
	"agoramesh/internal/trust"
	"agoramesh/internal/worker"
	"agoramesh/pkg/logging"
)

// Request is a validated task submission. TaskID is optional; when
// empty the dispatcher assigns a UUID.
type Request struct {
	TaskID     string `json:"taskId,omitempty"`
	Type       string `json:"type"`
	Prompt     string `json:"prompt"`
	TimeoutSec int    `json:"timeout,omitempty"`
}

// taskIDPattern constrains caller-supplied ids to the workspace-safe
// character set.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNotOwner is returned when a requester touches a task it does not
// own and is not an admin.
type ErrNotOwner struct{ ID string }

func (e *ErrNotOwner) Error() string {
	return fmt.Sprintf("task %s is owned by another identity", e.ID)
}

// ErrCancelTerminal is returned for cancellation of a finished task.
type ErrCancelTerminal struct {
	ID     string
	Status Status
}

func (e *ErrCancelTerminal) Error() string {
	return fmt.Sprintf("task %s already %s", e.ID, e.Status)
}

// QuotaError wraps a quota denial so transports can shape 429 bodies.
type QuotaError struct{ Denial *trust.Denial }

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily quota exhausted: %d/%d used", e.Denial.UsedToday, e.Denial.DailyLimit)
}

// taskInstructions maps task types to the instruction prefix prepended
// to the prompt handed to the worker command.
var taskInstructions = map[string]string{
	"prompt":      "",
	"custom":      "",
	"code-review": "Review the following code and report problems concisely.\n\n",
	"refactor":    "Refactor the following code, preserving behavior.\n\n",
	"debug":       "Diagnose the bug described below and propose a fix.\n\n",
}

// Dispatcher is the single entry point for task submission and
// cancellation. It owns admission (quota), registration, worker
// hand-off, and trust bookkeeping.
type Dispatcher struct {
	cfg      config.BridgeConfig
	registry *Registry
	pool     *worker.Pool
	store    *trust.Store
	quota    *trust.Limiter

	mu      sync.Mutex
	cancels map[string]chan struct{}

	// baseCtx bounds worker slot waits; it is the server lifetime, not
	// any single caller's request context.
	baseCtx context.Context
}

func NewDispatcher(ctx context.Context, cfg config.BridgeConfig, registry *Registry, pool *worker.Pool, store *trust.Store, quota *trust.Limiter) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		store:    store,
		quota:    quota,
		cancels:  make(map[string]chan struct{}),
		baseCtx:  ctx,
	}
}

// Submit admits, registers, and starts a task. It returns the queued
// record immediately; callers wanting synchronous results use Wait.
// Queue overflow fails fast, before any quota is consumed.
func (d *Dispatcher) Submit(owner auth.Identity, req Request) (Record, error) {
	if err := d.validate(&req); err != nil {
		return Record{}, err
	}
	if req.TaskID != "" {
		if _, err := d.registry.Get(req.TaskID); err == nil {
			return Record{}, &ErrDuplicateTask{ID: req.TaskID}
		}
	}

	if err := d.pool.Enqueue(); err != nil {
		return Record{}, err
	}

	if denial := d.quota.Admit(owner.Key(), owner.Paid()); denial != nil {
		d.pool.Dequeue()
		return Record{}, &QuotaError{Denial: denial}
	}

	id := req.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	rec := Record{
		ID:         id,
		Owner:      owner.Key(),
		Type:       req.Type,
		Prompt:     req.Prompt,
		Status:     StatusQueued,
		TimeoutSec: req.TimeoutSec,
		CreatedAt:  time.Now(),
	}
	if err := d.registry.Create(rec); err != nil {
		d.pool.Dequeue()
		return Record{}, err
	}
	d.store.Observe(owner.Key(), trust.EventStart)

	cancel := make(chan struct{})
	d.mu.Lock()
	d.cancels[rec.ID] = cancel
	d.mu.Unlock()

	go d.run(rec, owner, cancel)

	logging.Info("TaskDispatcher", "Task %s queued for %s (type=%s timeout=%ds)",
		rec.ID, logging.TruncateSubject(owner.Key()), rec.Type, rec.TimeoutSec)
	return rec, nil
}

// Wait blocks until the task reaches a terminal state or ctx expires.
// Abandoning the wait does not cancel the task.
func (d *Dispatcher) Wait(ctx context.Context, taskID string) (Record, error) {
	sub := make(Subscriber, 1)
	if err := d.registry.Attach(taskID, sub); err != nil {
		return Record{}, err
	}
	select {
	case rec := <-sub:
		return rec, nil
	case <-ctx.Done():
		d.registry.Detach(taskID, sub)
		return Record{}, ctx.Err()
	}
}

// Lookup returns the record if the requester owns it or is an admin.
func (d *Dispatcher) Lookup(requester auth.Identity, taskID string) (Record, error) {
	rec, err := d.registry.Get(taskID)
	if err != nil {
		return Record{}, err
	}
	if !d.mayAccess(requester, rec) {
		return Record{}, &ErrNotOwner{ID: taskID}
	}
	return rec, nil
}

// Cancel requests termination of an owned task. Queued tasks transition
// directly; running tasks get a cooperative terminate signal. Cancelled
// tasks count as neither completion nor failure.
func (d *Dispatcher) Cancel(requester auth.Identity, taskID string) (Record, error) {
	rec, err := d.registry.Get(taskID)
	if err != nil {
		return Record{}, err
	}
	if !d.mayAccess(requester, rec) {
		return Record{}, &ErrNotOwner{ID: taskID}
	}
	if rec.Status.Terminal() {
		return Record{}, &ErrCancelTerminal{ID: taskID, Status: rec.Status}
	}

	d.mu.Lock()
	cancel := d.cancels[taskID]
	d.mu.Unlock()
	if cancel != nil {
		// Idempotent close: a second Cancel finds the task terminal or
		// the channel removed.
		select {
		case <-cancel:
		default:
			close(cancel)
		}
	}

	// Queued tasks may transition immediately; running ones reach
	// cancelled through the worker goroutine observing the signal.
	if rec.Status == StatusQueued {
		if cancelled, err := d.registry.Transition(taskID, StatusCancelled, func(r *Record) {
			r.FinishedAt = time.Now()
		}); err == nil {
			metrics.TasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
			return cancelled, nil
		}
	}
	return d.registry.Get(taskID)
}

// Attach subscribes to a task's terminal event, for WebSocket callers.
func (d *Dispatcher) Attach(taskID string, sub Subscriber) error {
	return d.registry.Attach(taskID, sub)
}

// Detach removes a subscriber, for WebSocket teardown.
func (d *Dispatcher) Detach(taskID string, sub Subscriber) {
	d.registry.Detach(taskID, sub)
}

func (d *Dispatcher) mayAccess(requester auth.Identity, rec Record) bool {
	if requester.Scheme == auth.SchemeBearer {
		return true
	}
	return rec.Owner == requester.Key()
}

// run executes the task in a worker slot and drives it to a terminal
// state. It is the only writer of running/terminal transitions for its
// task.
func (d *Dispatcher) run(rec Record, owner auth.Identity, cancel chan struct{}) {
	defer func() {
		d.mu.Lock()
		delete(d.cancels, rec.ID)
		d.mu.Unlock()
	}()

	outputCap := d.cfg.OutputCapBytesFree
	if owner.Paid() {
		outputCap = d.cfg.OutputCapBytesPaid
	}

	argv := append(append([]string{}, d.cfg.WorkerCommand...), taskInstructions[rec.Type]+rec.Prompt)
	spec := worker.Spec{
		TaskID:     rec.ID,
		Argv:       argv,
		TimeoutSec: rec.TimeoutSec,
		OutputCap:  outputCap,
		Cancel:     cancel,
		// The task stays queued until a slot is actually held. A task
		// cancelled while queued fails this transition and never spawns.
		OnStart: func() bool {
			_, err := d.registry.Transition(rec.ID, StatusRunning, func(r *Record) {
				r.StartedAt = time.Now()
			})
			return err == nil
		},
	}

	res, err := d.pool.RunQueued(d.baseCtx, spec)
	switch {
	case errors.Is(err, worker.ErrShuttingDown), errors.Is(err, context.Canceled):
		// Drained on shutdown; not the owner's failure.
		d.finishCancelled(rec.ID, worker.Result{})
	case err != nil:
		d.finish(rec.ID, owner, StatusFailed, func(r *Record) {
			r.Error = err.Error()
			r.ExitCode = -1
		})
	case res.Cancelled:
		d.finishCancelled(rec.ID, res)
	case res.TimedOut:
		d.finish(rec.ID, owner, StatusFailed, func(r *Record) {
			r.Error = fmt.Sprintf("timeout after %ds", rec.TimeoutSec)
			r.Output = res.Output
			r.ExitCode = res.ExitCode
			r.DurationSec = res.Duration.Seconds()
		})
	case res.ExitCode != 0:
		d.finish(rec.ID, owner, StatusFailed, func(r *Record) {
			r.Error = firstLine(res.Stderr, fmt.Sprintf("exit code %d", res.ExitCode))
			r.Output = res.Output
			r.ExitCode = res.ExitCode
			r.DurationSec = res.Duration.Seconds()
		})
	default:
		d.finish(rec.ID, owner, StatusCompleted, func(r *Record) {
			r.Output = res.Output
			r.ExitCode = 0
			r.DurationSec = res.Duration.Seconds()
		})
	}
}

func (d *Dispatcher) finish(taskID string, owner auth.Identity, status Status, mutate func(*Record)) {
	if _, err := d.registry.Transition(taskID, status, func(r *Record) {
		r.FinishedAt = time.Now()
		mutate(r)
	}); err != nil {
		// Already cancelled; nothing to record.
		return
	}
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	switch status {
	case StatusCompleted:
		d.store.Observe(owner.Key(), trust.EventComplete)
	case StatusFailed:
		d.store.Observe(owner.Key(), trust.EventFail)
	}
}

func (d *Dispatcher) finishCancelled(taskID string, res worker.Result) {
	if _, err := d.registry.Transition(taskID, StatusCancelled, func(r *Record) {
		r.FinishedAt = time.Now()
		r.Output = res.Output
		r.DurationSec = res.Duration.Seconds()
	}); err == nil {
		metrics.TasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
	}
}

func (d *Dispatcher) validate(req *Request) error {
	if req.TaskID != "" && !taskIDPattern.MatchString(req.TaskID) {
		return &ValidationError{Field: "taskId", Reason: "must be 1-64 characters of [A-Za-z0-9_-]"}
	}
	if req.Type == "" {
		req.Type = "prompt"
	}
	if _, ok := taskInstructions[req.Type]; !ok {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", req.Type)}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(req.Prompt) > config.MaxPromptBytes {
		return &ValidationError{Field: "prompt", Reason: fmt.Sprintf("exceeds %d bytes", config.MaxPromptBytes)}
	}
	if req.TimeoutSec == 0 {
		req.TimeoutSec = d.cfg.TaskTimeoutSec
	}
	if req.TimeoutSec < 1 || req.TimeoutSec > int(config.MaxTaskTimeout.Seconds()) {
		return &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be between 1 and %d seconds", int(config.MaxTaskTimeout.Seconds()))}
	}
	return nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
