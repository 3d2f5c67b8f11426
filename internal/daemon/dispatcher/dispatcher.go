// Package dispatcher implements the Run Dispatcher (component I): admission
// of a dispatch intent through the concurrency-cap hierarchy, worker
// selection, durable Run creation, and retry/backoff scheduling on failure.
//
// Grounded on this codebase's prior daemon/runner.Runner (Submit/execute,
// semaphore-gated concurrency, checkpoint-before-step durability),
// generalized from a single in-process semaphore into a four-level
// global/project/repository/task cap hierarchy, and from
// "fail when saturated" into "defer with jittered backoff".
package dispatcher

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	engerrors "github.com/agentsdashboard/engine/pkg/errors"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
	"github.com/google/uuid"
	"log/slog"
)

// Caps bounds the number of simultaneously non-terminal runs at each scope.
// Zero means "unbounded".
type Caps struct {
	Global     int
	Project    int
	Repository int
	Task       int
}

// DefaultCaps mirrors this codebase's prior single-writer-per-repo default posture
//: repository cap 1 for mutating
// harnesses, everything else unbounded unless configured.
func DefaultCaps() Caps {
	return Caps{Repository: 1}
}

// Request describes a dispatch intent.
type Request struct {
	ProjectID      string
	RepositoryID   string
	TaskID         string
	Attempt        int
	ModeOverride   model.ExecutionMode
}

// Executor is handed a freshly-transitioned-to-running Run and drives it to
// completion (Container Lifecycle Manager + Harness Runtime + Structured
// Event Pipeline). The dispatcher does not implement execution itself — it
// only admits and hands off.
type Executor interface {
	Execute(ctx context.Context, task *model.Task, run *model.Run)
}

// Dispatcher admits dispatch intents and creates Run records.
type Dispatcher struct {
	Store    store.Backend
	Caps     Caps
	Executor Executor
	Logger   *slog.Logger

	mu        sync.Mutex
	deferred  []deferredDispatch
	workerLRU map[string]time.Time
}

type deferredDispatch struct {
	req   Request
	fires time.Time
}

// New builds a Dispatcher.
func New(be store.Backend, caps Caps, exec Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Store:     be,
		Caps:      caps,
		Executor:  exec,
		Logger:    log.WithComponent(logger, "dispatcher"),
		workerLRU: make(map[string]time.Time),
	}
}

// Dispatch attempts to admit req. Soft failures
// (ConcurrencyCapError, NoHealthyWorkerError) are not returned as fatal —
// the caller (scheduler) should treat them as "deferred"; Dispatch itself
// also records the deferral so DrainDue can replay it later.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*model.Run, error) {
	if err := d.checkCaps(ctx, req); err != nil {
		d.defer_(req, 0)
		return nil, err
	}

	task, err := d.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	worker, err := d.selectWorker(ctx)
	if err != nil {
		d.defer_(req, 0)
		return nil, err
	}

	mode := task.ExecutionMode
	if req.ModeOverride != "" {
		mode = req.ModeOverride
	}

	initialState := model.RunQueued
	if task.Approval.Required {
		initialState = model.RunPendingApproval
	}

	run := &model.Run{
		ID:              uuid.NewString(),
		TaskID:          req.TaskID,
		ProjectID:       req.ProjectID,
		RepositoryID:    req.RepositoryID,
		State:           initialState,
		Attempt:         req.Attempt,
		ExecutionMode:   mode,
		ProtocolVersion: "1",
	}

	// Record the dispatch intent durably before starting the container, so
	// a crash between admission and launch leaves a recoverable Run record:
	// CreateRun persists the Run in its initial (non-running) state first.
	if err := d.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if initialState == model.RunPendingApproval {
		return run, &approvalRequiredError{RunID: run.ID}
	}

	if err := d.start(ctx, task, run, worker.ID); err != nil {
		return run, err
	}
	return run, nil
}

// Approve moves a pending-approval Run to running, invoked by an operator
// approving the run.
func (d *Dispatcher) Approve(ctx context.Context, runID string) error {
	run, err := d.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	task, err := d.Store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	worker, err := d.selectWorker(ctx)
	if err != nil {
		return err
	}
	return d.start(ctx, task, run, worker.ID)
}

// Reject moves a pending-approval Run to cancelled.
func (d *Dispatcher) Reject(ctx context.Context, runID, reason string) error {
	return d.Store.Transition(ctx, runID, model.RunPendingApproval, model.RunCancelled, func(r *model.Run) {
		r.Error = reason
	})
}

func (d *Dispatcher) start(ctx context.Context, task *model.Task, run *model.Run, workerID string) error {
	from := run.State
	now := time.Now().UTC()
	if err := d.Store.Transition(ctx, run.ID, from, model.RunRunning, func(r *model.Run) {
		r.AssignedWorkerID = workerID
		r.StartedAt = &now
	}); err != nil {
		return err
	}
	if err := d.Store.AcquireSlot(ctx, workerID); err != nil {
		return err
	}
	run.State = model.RunRunning
	run.AssignedWorkerID = workerID
	run.StartedAt = &now
	if d.Executor != nil {
		go d.Executor.Execute(ctx, task, run)
	}
	return nil
}

// Retry consults the task's retry policy on a failed Run:
// if attempts remain and the failure is classified retryable, it schedules a
// new dispatch at base x multiplier^(attempt-1), capped.
func (d *Dispatcher) Retry(ctx context.Context, task *model.Task, failedRun *model.Run, retryable bool) {
	if !retryable || failedRun.Attempt >= task.Retry.MaxAttempts {
		return
	}
	delay := task.Retry.Backoff(failedRun.Attempt)
	d.defer_(Request{
		ProjectID:    failedRun.ProjectID,
		RepositoryID: failedRun.RepositoryID,
		TaskID:       failedRun.TaskID,
		Attempt:      failedRun.Attempt + 1,
	}, delay)
}

func (d *Dispatcher) defer_(req Request, delay time.Duration) {
	if delay <= 0 {
		delay = jitteredDefault()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferred = append(d.deferred, deferredDispatch{req: req, fires: time.Now().Add(delay)})
}

func jitteredDefault() time.Duration {
	base := 2 * time.Second
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

// DrainDue pops every deferred dispatch request whose fire time has passed
// and re-attempts Dispatch for each: a deferral is never a failure, only a
// retry scheduled for later. Callers invoke this from a periodic loop
// (scheduler tick cadence).
func (d *Dispatcher) DrainDue(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var due []deferredDispatch
	var keep []deferredDispatch
	for _, dd := range d.deferred {
		if !now.Before(dd.fires) {
			due = append(due, dd)
		} else {
			keep = append(keep, dd)
		}
	}
	d.deferred = keep
	d.mu.Unlock()

	for _, dd := range due {
		if _, err := d.Dispatch(ctx, dd.req); err != nil {
			d.Logger.Debug("deferred dispatch still not admissible", "task_id", dd.req.TaskID, "error", err)
		}
	}
}

func (d *Dispatcher) checkCaps(ctx context.Context, req Request) error {
	checks := []struct {
		scope store.ConcurrencyScope
		id    string
		limit int
	}{
		{store.ScopeGlobal, "", d.Caps.Global},
		{store.ScopeProject, req.ProjectID, d.Caps.Project},
		{store.ScopeRepository, req.RepositoryID, d.Caps.Repository},
		{store.ScopeTask, req.TaskID, d.Caps.Task},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		n, err := d.Store.ActiveCount(ctx, c.scope, c.id)
		if err != nil {
			return err
		}
		if n >= c.limit {
			return &engerrors.ConcurrencyCapError{Scope: string(c.scope), ID: c.id, Limit: c.limit}
		}
	}
	return nil
}

// noHealthyWorkerError is a soft failure mode: no worker is currently
// healthy and has a free slot.
type noHealthyWorkerError struct{}

func (e *noHealthyWorkerError) Error() string { return "no healthy worker available" }

// approvalRequiredError is a transient, non-failing marker: the Run was
// created in pending-approval and is waiting on an operator.
type approvalRequiredError struct{ RunID string }

func (e *approvalRequiredError) Error() string { return "run " + e.RunID + " requires approval" }

// IsApprovalRequired reports whether err is the transient ApprovalRequired
// marker: it is never surfaced as a failure.
func IsApprovalRequired(err error) bool {
	_, ok := err.(*approvalRequiredError)
	return ok
}

// IsSoft reports whether err should defer the dispatch rather than fail it:
// ConcurrencyCapReached, NoHealthyWorker, and ApprovalRequired are all soft.
func IsSoft(err error) bool {
	switch err.(type) {
	case *engerrors.ConcurrencyCapError, *noHealthyWorkerError, *approvalRequiredError:
		return true
	default:
		return false
	}
}

// selectWorker prefers the healthy worker with fewest active slots, breaking
// ties by least-recently-used then by id.
func (d *Dispatcher) selectWorker(ctx context.Context) (*model.Worker, error) {
	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	const heartbeatTimeout = 30 * time.Second
	now := time.Now().UTC()

	var healthy []model.Worker
	for _, w := range workers {
		if w.Healthy(now, heartbeatTimeout) && w.ActiveSlots < w.MaxSlots {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return nil, &noHealthyWorkerError{}
	}

	d.mu.Lock()
	lru := d.workerLRU
	d.mu.Unlock()

	sort.Slice(healthy, func(i, j int) bool {
		a, b := healthy[i], healthy[j]
		if a.ActiveSlots != b.ActiveSlots {
			return a.ActiveSlots < b.ActiveSlots
		}
		ta, tb := lru[a.ID], lru[b.ID]
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})

	chosen := healthy[0]
	d.mu.Lock()
	d.workerLRU[chosen.ID] = now
	d.mu.Unlock()
	return &chosen, nil
}
