package task

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agoramesh/internal/auth"
	"agoramesh/internal/config"
	"agoramesh/internal/trust"
	"agoramesh/internal/worker"
)

var (
	alice = auth.Identity{Scheme: auth.SchemeFree, Subject: "alice", Class: auth.ClassAnonymousFree}
	bob   = auth.Identity{Scheme: auth.SchemeFree, Subject: "bob", Class: auth.ClassAnonymousFree}
	admin = auth.Identity{Scheme: auth.SchemeBearer, Subject: "deadbeef", Class: auth.ClassPaid}
)

// newTestDispatcher wires a dispatcher whose worker command is echo, so
// tasks complete quickly with predictable output.
func newTestDispatcher(t *testing.T, mutate func(*config.BridgeConfig)) *Dispatcher {
	t.Helper()
	cfg := config.GetDefaultConfig().Bridge
	cfg.WorkspaceDir = t.TempDir()
	cfg.AllowedCommands = []string{"echo", "sh", "sleep"}
	cfg.WorkerCommand = []string{"echo"}
	cfg.WorkerSlots = 2
	cfg.TaskTimeoutSec = 10
	if mutate != nil {
		mutate(&cfg)
	}

	store := trust.NewStore(0)
	pool := worker.NewPool(worker.Policy{
		AllowedCommands: cfg.AllowedCommands,
		WorkspaceRoot:   cfg.WorkspaceDir,
	}, cfg.WorkerSlots)
	// Drain stragglers before the temp workspace is removed.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return NewDispatcher(context.Background(), cfg, NewRegistry(0), pool, store, trust.NewLimiter(store, 0))
}

func waitForTask(t *testing.T, d *Dispatcher, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := d.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestDispatcherSubmitAndWait(t *testing.T) {
	d := newTestDispatcher(t, nil)

	rec, err := d.Submit(alice, Request{Type: "prompt", Prompt: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.NotEmpty(t, rec.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "hello world\n", final.Output)
	assert.Zero(t, final.ExitCode)
	assert.Greater(t, final.DurationSec, 0.0)

	p, ok := d.store.Get(alice.Key())
	require.True(t, ok)
	assert.Equal(t, 1, p.Completions)
}

func TestDispatcherValidation(t *testing.T) {
	d := newTestDispatcher(t, nil)

	var verr *ValidationError

	_, err := d.Submit(alice, Request{Type: "prompt", Prompt: "   "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prompt", verr.Field)

	_, err = d.Submit(alice, Request{Type: "exfiltrate", Prompt: "x"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	_, err = d.Submit(alice, Request{Prompt: strings.Repeat("a", config.MaxPromptBytes+1)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prompt", verr.Field)

	_, err = d.Submit(alice, Request{Prompt: "x", TimeoutSec: 301})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timeout", verr.Field)
}

func TestDispatcherQuotaExhaustion(t *testing.T) {
	d := newTestDispatcher(t, nil)

	// NEW tier allows 10 tasks; the 11th is denied.
	for i := 0; i < 10; i++ {
		rec, err := d.Submit(alice, Request{Prompt: "hi"})
		require.NoError(t, err, "submission %d", i+1)
		waitForTask(t, d, rec.ID)
	}
	_, err := d.Submit(alice, Request{Prompt: "hi"})
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 10, qerr.Denial.DailyLimit)
	assert.Equal(t, 10, qerr.Denial.UsedToday)
}

func TestDispatcherCustomTaskType(t *testing.T) {
	d := newTestDispatcher(t, nil)

	rec, err := d.Submit(alice, Request{Type: "custom", Prompt: "free-form instructions"})
	require.NoError(t, err)

	final := waitForTask(t, d, rec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "custom", final.Type)
	// No instruction prefix is prepended for custom tasks.
	assert.Equal(t, "free-form instructions\n", final.Output)
}

func TestDispatcherCallerSuppliedTaskID(t *testing.T) {
	d := newTestDispatcher(t, nil)

	rec, err := d.Submit(alice, Request{TaskID: "my-task-1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "my-task-1", rec.ID)
	waitForTask(t, d, rec.ID)

	_, err = d.Submit(alice, Request{TaskID: "my-task-1", Prompt: "again"})
	var dup *ErrDuplicateTask
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "my-task-1", dup.ID)

	_, err = d.Submit(alice, Request{TaskID: "../escape", Prompt: "hi"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "taskId", verr.Field)
}

func TestDispatcherQueueFullFailsFast(t *testing.T) {
	d := newTestDispatcher(t, func(c *config.BridgeConfig) {
		c.WorkerCommand = []string{"sleep"}
		c.WorkerSlots = 1
	})

	// Occupy the single slot, then fill the queue high-water of 4.
	first, err := d.Submit(alice, Request{Prompt: "5"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := d.registry.Get(first.ID)
		return err == nil && rec.Status == StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 4; i++ {
		_, err := d.Submit(alice, Request{Prompt: "5"})
		require.NoError(t, err, "queued submission %d", i+1)
	}

	_, err = d.Submit(alice, Request{Prompt: "5"})
	require.ErrorIs(t, err, worker.ErrQueueFull)

	// The rejected submission consumed no quota and charged no failure.
	used, _, _ := d.quota.Usage(alice.Key())
	assert.Equal(t, 5, used)
	p, ok := d.store.Get(alice.Key())
	require.True(t, ok)
	assert.Zero(t, p.Failures)
}

func TestDispatcherPaidBypassesQuota(t *testing.T) {
	d := newTestDispatcher(t, nil)

	for i := 0; i < 15; i++ {
		rec, err := d.Submit(admin, Request{Prompt: "hi"})
		require.NoError(t, err)
		waitForTask(t, d, rec.ID)
	}
}

func TestDispatcherLookupOwnership(t *testing.T) {
	d := newTestDispatcher(t, nil)

	rec, err := d.Submit(alice, Request{Prompt: "hi"})
	require.NoError(t, err)

	_, err = d.Lookup(alice, rec.ID)
	assert.NoError(t, err)

	_, err = d.Lookup(bob, rec.ID)
	var notOwner *ErrNotOwner
	assert.ErrorAs(t, err, &notOwner)

	// Admin bearer reads any task.
	_, err = d.Lookup(admin, rec.ID)
	assert.NoError(t, err)

	waitForTask(t, d, rec.ID)
}

func TestDispatcherCancelRunning(t *testing.T) {
	d := newTestDispatcher(t, func(c *config.BridgeConfig) {
		c.WorkerCommand = []string{"sleep"}
	})

	rec, err := d.Submit(alice, Request{Prompt: "30"})
	require.NoError(t, err)

	// Give the worker a moment to start.
	time.Sleep(300 * time.Millisecond)

	_, err = d.Cancel(alice, rec.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)

	// Cancellation is neither a completion nor a failure.
	p, _ := d.store.Get(alice.Key())
	assert.Zero(t, p.Completions)
	assert.Zero(t, p.Failures)
}

func TestDispatcherCancelTerminalConflicts(t *testing.T) {
	d := newTestDispatcher(t, nil)

	rec, err := d.Submit(alice, Request{Prompt: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = d.Wait(ctx, rec.ID)
	require.NoError(t, err)

	_, err = d.Cancel(alice, rec.ID)
	var terminal *ErrCancelTerminal
	assert.ErrorAs(t, err, &terminal)
}

func TestDispatcherCancelOwnershipEnforced(t *testing.T) {
	d := newTestDispatcher(t, func(c *config.BridgeConfig) {
		c.WorkerCommand = []string{"sleep"}
	})

	rec, err := d.Submit(alice, Request{Prompt: "30"})
	require.NoError(t, err)

	_, err = d.Cancel(bob, rec.ID)
	var notOwner *ErrNotOwner
	assert.ErrorAs(t, err, &notOwner)

	_, err = d.Cancel(alice, rec.ID)
	assert.NoError(t, err)
}

func TestDispatcherTimeoutFailsTask(t *testing.T) {
	d := newTestDispatcher(t, func(c *config.BridgeConfig) {
		c.WorkerCommand = []string{"sleep"}
	})

	rec, err := d.Submit(alice, Request{Prompt: "30", TimeoutSec: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	final, err := d.Wait(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "timeout")

	p, _ := d.store.Get(alice.Key())
	assert.Equal(t, 1, p.Failures)
}

func TestDispatcherAbandonedWaitDoesNotCancel(t *testing.T) {
	d := newTestDispatcher(t, func(c *config.BridgeConfig) {
		c.WorkerCommand = []string{"sh", "-c"}
	})

	rec, err := d.Submit(alice, Request{Prompt: "sleep 1; echo done"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx, rec.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The task still runs to completion and updates trust.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	final, err := d.Wait(ctx2, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Contains(t, final.Output, "done")
}
