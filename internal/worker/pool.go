package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"agoramesh/internal/metrics"
	"agoramesh/pkg/logging"
)

// killGracePeriod is how long a process group gets between SIGTERM and
// SIGKILL.
const killGracePeriod = 2 * time.Second

// ErrQueueFull is returned when the pool's wait queue exceeds its
// high-water mark. Callers translate it to HTTP 503 with Retry-After.
var ErrQueueFull = errors.New("worker queue full")

// ErrShuttingDown is returned for submissions after shutdown began.
var ErrShuttingDown = errors.New("worker pool shutting down")

// Spec describes one subprocess run.
type Spec struct {
	TaskID     string
	Argv       []string
	TimeoutSec int
	OutputCap  int

	// Cancel requests cooperative termination: SIGTERM to the process
	// group, SIGKILL after the grace period.
	Cancel <-chan struct{}

	// OnStart runs once a slot is acquired, just before the process
	// spawns. Returning false abandons the run and reports Cancelled.
	OnStart func() bool
}

// Result is the outcome of a subprocess run.
type Result struct {
	ExitCode  int
	Output    string
	Stderr    string
	Truncated bool
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
}

// Pool runs task subprocesses under the sandbox policy with a bounded
// number of concurrent slots. Waiters are served in FIFO order.
type Pool struct {
	policy  Policy
	slots   int
	sem     *semaphore.Weighted
	waiting atomic.Int64
	queueHW int64

	mu       sync.Mutex
	running  map[string]*exec.Cmd
	draining bool
}

func NewPool(policy Policy, slots int) *Pool {
	if slots < 1 {
		slots = 1
	}
	return &Pool{
		policy:  policy,
		slots:   slots,
		sem:     semaphore.NewWeighted(int64(slots)),
		queueHW: int64(slots * 4),
		running: make(map[string]*exec.Cmd),
	}
}

// Slots reports the configured concurrency.
func (p *Pool) Slots() int { return p.slots }

// Enqueue reserves a queue position without blocking, so callers can
// reject submissions before committing quota or registry state. Every
// successful Enqueue must be balanced by RunQueued or Dequeue.
func (p *Pool) Enqueue() error {
	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		return ErrShuttingDown
	}
	if p.waiting.Add(1) > p.queueHW {
		p.waiting.Add(-1)
		return ErrQueueFull
	}
	return nil
}

// Dequeue releases a reservation whose spec will not run.
func (p *Pool) Dequeue() { p.waiting.Add(-1) }

// Run executes the spec, blocking until a slot is free and the process
// finishes. The passed context bounds slot acquisition only; once the
// process starts, only the spec timeout or cancel stops it.
func (p *Pool) Run(ctx context.Context, spec Spec) (Result, error) {
	if err := p.Enqueue(); err != nil {
		return Result{}, err
	}
	return p.RunQueued(ctx, spec)
}

// RunQueued executes a spec holding an Enqueue reservation. The
// reservation is released once a slot is acquired or acquisition fails.
func (p *Pool) RunQueued(ctx context.Context, spec Spec) (Result, error) {
	if err := p.policy.CheckCommand(spec.Argv); err != nil {
		p.waiting.Add(-1)
		return Result{}, err
	}

	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		return Result{}, ErrShuttingDown
	}

	if spec.OnStart != nil && !spec.OnStart() {
		return Result{Cancelled: true}, nil
	}
	return p.spawn(spec)
}

func (p *Pool) spawn(spec Spec) (Result, error) {
	dir, err := p.policy.TaskDir(spec.TaskID)
	if err != nil {
		return Result{}, err
	}

	stdout := newCapWriter(spec.OutputCap)
	stderr := newCapWriter(spec.OutputCap)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = curatedEnv(dir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	// Own process group so the whole tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", spec.Argv[0], err)
	}
	p.track(spec.TaskID, cmd)
	metrics.WorkerBusy.Inc()
	defer func() {
		metrics.WorkerBusy.Dec()
		p.untrack(spec.TaskID)
	}()

	logging.Debug("WorkerPool", "Task %s started pid %d", spec.TaskID, cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timeout := time.NewTimer(time.Duration(spec.TimeoutSec) * time.Second)
	defer timeout.Stop()

	res := Result{}
	select {
	case err = <-waitErr:
	case <-timeout.C:
		res.TimedOut = true
		p.terminate(cmd)
		err = <-waitErr
	// A nil cancel channel blocks forever, meaning not cancellable.
	case <-spec.Cancel:
		res.Cancelled = true
		p.terminate(cmd)
		err = <-waitErr
	}

	res.Duration = time.Since(start)
	res.Output = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	res.ExitCode = exitCode(cmd, err)

	if res.TimedOut {
		logging.Warn("WorkerPool", "Task %s timed out after %ds", spec.TaskID, spec.TimeoutSec)
	}
	return res, nil
}

// terminate signals the process group with SIGTERM, then SIGKILL after
// the grace period.
func (p *Pool) terminate(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGracePeriod)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}()
}

func (p *Pool) track(id string, cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[id] = cmd
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

// Running reports the number of live subprocesses.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Shutdown stops accepting new work, signals every live subprocess,
// and waits for them to exit or the context to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	cmds := make([]*exec.Cmd, 0, len(p.running))
	for _, cmd := range p.running {
		cmds = append(cmds, cmd)
	}
	p.mu.Unlock()

	for _, cmd := range cmds {
		p.terminate(cmd)
	}

	// Waiting on all slots proves every Run call has returned.
	if err := p.sem.Acquire(ctx, int64(p.slots)); err != nil {
		return err
	}
	p.sem.Release(int64(p.slots))
	return nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
