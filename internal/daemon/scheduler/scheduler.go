// Package scheduler implements Task scheduling and restart recovery
// (component J): due-task discovery for cron and one-shot Tasks,
// webhook-driven dispatch for event-driven Tasks, and drift-free cron
// next-fire computation.
//
// Grounded on this codebase's prior scheduler.Scheduler tick loop (a fixed-cadence
// ticker scanning an in-memory schedule map and triggering due entries),
// generalized from "trigger a named workflow file" to "dispatch a Task
// through the Run Dispatcher", and from the existing codebase's
// hand-rolled CronExpr to github.com/robfig/cron/v3 (already a existing codebase
// dependency) for field parsing and next-fire computation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/agentsdashboard/engine/internal/daemon/dispatcher"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
)

// Dispatch is the narrow slice of the Run Dispatcher (component I) the
// Scheduler needs: admit a due Task, and periodically replay deferred ones.
type Dispatch interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*model.Run, error)
	DrainDue(ctx context.Context, now time.Time)
}

// Scheduler discovers due Tasks and hands them to the Dispatcher.
type Scheduler struct {
	Store      store.Backend
	Dispatcher Dispatch
	Logger     *slog.Logger

	mu        sync.Mutex
	cronCache map[string]cron.Schedule

	stopCh chan struct{}
	doneCh chan struct{}
	parser cron.Parser
}

// New builds a Scheduler.
func New(be store.Backend, disp Dispatch, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Store:      be,
		Dispatcher: disp,
		Logger:     log.WithComponent(logger, "scheduler"),
		cronCache:  make(map[string]cron.Schedule),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the tick loop. Stop blocks until it exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
}

// Stop ends the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// tick dispatches every due Task and replays deferred dispatches: a
// deferral is never a failure, only a retry scheduled for later.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.Store.DueTasks(ctx, now)
	if err != nil {
		s.Logger.Error("due task lookup failed", log.Error(err))
	}
	for _, t := range due {
		s.dispatchTask(ctx, t, now)
	}
	s.Dispatcher.DrainDue(ctx, now)
}

func (s *Scheduler) dispatchTask(ctx context.Context, t *model.Task, now time.Time) {
	repo, err := s.Store.GetRepository(ctx, t.RepositoryID)
	if err != nil {
		s.Logger.Error("scheduled task's repository lookup failed", "task_id", t.ID, log.Error(err))
		return
	}

	_, err = s.Dispatcher.Dispatch(ctx, dispatcher.Request{
		ProjectID:    repo.ProjectID,
		RepositoryID: t.RepositoryID,
		TaskID:       t.ID,
		Attempt:      1,
	})
	if err != nil && !dispatcher.IsSoft(err) && !dispatcher.IsApprovalRequired(err) {
		s.Logger.Error("scheduled dispatch failed", "task_id", t.ID, log.Error(err))
	}

	switch t.Kind {
	case model.TaskKindOneShot:
		if err := s.Store.ConsumeOneShot(ctx, t.ID); err != nil {
			s.Logger.Error("one-shot consumption failed", "task_id", t.ID, log.Error(err))
		}
	case model.TaskKindCron:
		s.rearm(ctx, t, now)
	}
}

// rearm computes the next cron fire time from the Task's own last-computed
// NextScheduledAt rather than from `now`, so a late tick never compounds
// drift into the following fire times.
func (s *Scheduler) rearm(ctx context.Context, t *model.Task, now time.Time) {
	next, err := s.nextCronFire(t, now)
	if err != nil {
		s.Logger.Error("cron next-fire computation failed", "task_id", t.ID, log.Error(err))
		return
	}
	t.NextScheduledAt = &next
	t.UpdatedAt = now
	if err := s.Store.UpdateTask(ctx, t); err != nil {
		s.Logger.Error("rearm update failed", "task_id", t.ID, log.Error(err))
	}
}

func (s *Scheduler) nextCronFire(t *model.Task, now time.Time) (time.Time, error) {
	sched, err := s.cronSchedule(t.ID, t.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	base := now
	if t.NextScheduledAt != nil {
		base = *t.NextScheduledAt
	}
	return sched.Next(base), nil
}

func (s *Scheduler) cronSchedule(taskID, expr string) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.cronCache[taskID]; ok {
		return sched, nil
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", expr, err)
	}
	s.cronCache[taskID] = sched
	return sched, nil
}

// InvalidateCron drops a Task's cached cron.Schedule, forcing a re-parse on
// its next rearm; callers invoke this after editing a Task's CronExpression.
func (s *Scheduler) InvalidateCron(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cronCache, taskID)
}

// Arm computes an initial NextScheduledAt for every enabled cron Task that
// does not yet have one (newly created tasks, or tasks recovered at startup
// with no prior schedule). One-shot tasks are armed by their creator, not
// here, since their NextScheduledAt IS their one intended fire time.
func (s *Scheduler) Arm(ctx context.Context, repositoryIDs []string) error {
	now := time.Now().UTC()
	for _, repoID := range repositoryIDs {
		tasks, err := s.Store.ListTasks(ctx, repoID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Kind != model.TaskKindCron || !t.Enabled || t.NextScheduledAt != nil {
				continue
			}
			s.rearm(ctx, t, now)
		}
	}
	return nil
}

// HandleWebhookEvent dispatches every enabled event-driven Task on a
// repository in response to an inbound webhook. Tasks with
// Enabled == false are skipped identically to cron/one-shot triggers (see
// DESIGN.md "Event-driven tasks with enabled: false").
func (s *Scheduler) HandleWebhookEvent(ctx context.Context, repositoryID string) (int, error) {
	tasks, err := s.Store.EventDrivenTasks(ctx, repositoryID)
	if err != nil {
		return 0, err
	}
	repo, err := s.Store.GetRepository(ctx, repositoryID)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		_, err := s.Dispatcher.Dispatch(ctx, dispatcher.Request{
			ProjectID:    repo.ProjectID,
			RepositoryID: repositoryID,
			TaskID:       t.ID,
			Attempt:      1,
		})
		if err != nil && !dispatcher.IsSoft(err) && !dispatcher.IsApprovalRequired(err) {
			s.Logger.Error("webhook dispatch failed", "task_id", t.ID, log.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}
