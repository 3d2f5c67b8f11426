package scheduler

import (
	"context"
	"log/slog"

	"github.com/agentsdashboard/engine/internal/daemon/container"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
)

// Containers is the narrow slice of the Container Lifecycle Manager
// (component E) Recovery needs.
type Containers interface {
	ListManaged(ctx context.Context) ([]container.ContainerInfo, error)
	ReconcileOrphans(ctx context.Context, activeRunIDs map[string]bool) ([]container.ContainerInfo, error)
}

// Recovery performs restart reconciliation: Runs
// left in "running" with no live container are failed with reason
// "process-restart"; Runs still backed by a live container are re-adopted;
// containers with no matching non-terminal Run are torn down as orphans.
type Recovery struct {
	Store      store.Backend
	Containers Containers
	Logger     *slog.Logger
}

// NewRecovery builds a Recovery.
func NewRecovery(be store.Backend, containers Containers, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{Store: be, Containers: containers, Logger: log.WithComponent(logger, "recovery")}
}

// Report summarizes one Recover invocation.
type Report struct {
	Readopted int
	Failed    int
	Orphaned  int
}

// Recover runs at daemon startup, before the Scheduler and Dispatcher begin
// admitting new work.
func (r *Recovery) Recover(ctx context.Context) (Report, error) {
	var report Report

	running, err := r.Store.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunRunning}})
	if err != nil {
		return report, err
	}

	managed, err := r.Containers.ListManaged(ctx)
	if err != nil {
		return report, err
	}
	byRunID := make(map[string]container.ContainerInfo, len(managed))
	for _, c := range managed {
		byRunID[c.RunID] = c
	}

	activeRunIDs := make(map[string]bool)
	for _, run := range running {
		if _, live := byRunID[run.ID]; live {
			activeRunIDs[run.ID] = true
			report.Readopted++
			r.Logger.Info("re-adopted run with live container", "run_id", run.ID)
			continue
		}

		if err := r.Store.Transition(ctx, run.ID, model.RunRunning, model.RunFailed, func(rr *model.Run) {
			rr.Error = "process-restart"
		}); err != nil {
			r.Logger.Error("failed to mark orphaned run failed", "run_id", run.ID, log.Error(err))
			continue
		}
		report.Failed++
		r.Logger.Warn("marked run failed: no live container after restart", "run_id", run.ID)
	}

	orphans, err := r.Containers.ReconcileOrphans(ctx, activeRunIDs)
	if err != nil {
		return report, err
	}
	report.Orphaned = len(orphans)
	if report.Orphaned > 0 {
		r.Logger.Info("reconciled orphan containers", "count", report.Orphaned)
	}

	return report, nil
}
