// Package retention implements the Retention Pruner (component K): deleting
// structured rows (events, diff snapshots, tool projections) for terminal
// Runs older than a cutoff, honouring exclusion predicates so active runs
// and still-referenced data are never touched.
//
// New component — nothing in the prior codebase has a direct analogue — built in the
// prior idiom: an interface over a narrow store slice, a Config value
// object, and an idempotent Prune(ctx) (Report, error), mirroring the shape
// of this codebase's prior checkpoint-retention posture (checkpoints deleted only on
// confirmed terminal success).
package retention

import (
	"context"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
	"log/slog"
)

// Config bounds one Prune invocation.
type Config struct {
	Cutoff  time.Time
	MaxRuns int
}

// Report summarizes one Prune invocation.
type Report struct {
	RunsScanned   int
	RunsPruned    int
	EventsDeleted int64
	DiffsDeleted  int64
	ToolsDeleted  int64
}

// Source is the narrow slice of the Run Store the Pruner needs.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error)
	FindingsOpenForTask(ctx context.Context, taskID string) (bool, error)
	ActiveWorkflowReferencesTask(ctx context.Context, taskID string) (bool, error)
	DeleteStructuredForRun(ctx context.Context, runID string) (events, diffs, tools int64, err error)
}

// Pruner deletes structured rows for eligible terminal runs.
type Pruner struct {
	Store  Source
	Logger *slog.Logger
}

// New builds a Pruner.
func New(src Source, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{Store: src, Logger: log.WithComponent(logger, "retention")}
}

var terminalStates = []model.RunState{model.RunSucceeded, model.RunFailed, model.RunCancelled}

// Prune deletes Structured Events, Diff Snapshots, and Tool Projections for
// terminal Runs older than cfg.Cutoff that pass both exclusion predicates.
// Idempotent: re-running against
// already-pruned runs is a no-op (DeleteStructuredForRun on empty rows
// reports zero deleted).
func (p *Pruner) Prune(ctx context.Context, cfg Config) (Report, error) {
	var report Report

	runs, err := p.Store.ListRuns(ctx, store.RunFilter{States: terminalStates, Limit: cfg.MaxRuns})
	if err != nil {
		return report, err
	}

	for _, r := range runs {
		report.RunsScanned++
		if r.EndedAt == nil || r.EndedAt.After(cfg.Cutoff) {
			continue
		}
		if !r.State.Terminal() {
			// Never delete data of active runs, even if EndedAt
			// was stale or unset for some other terminal-looking reason.
			continue
		}

		excluded, err := p.excluded(ctx, r.TaskID)
		if err != nil {
			return report, err
		}
		if excluded {
			continue
		}

		events, diffs, tools, err := p.Store.DeleteStructuredForRun(ctx, r.ID)
		if err != nil {
			return report, err
		}
		report.RunsPruned++
		report.EventsDeleted += events
		report.DiffsDeleted += diffs
		report.ToolsDeleted += tools
	}

	p.Logger.Info("retention prune complete",
		"runs_scanned", report.RunsScanned,
		"runs_pruned", report.RunsPruned,
		"events_deleted", report.EventsDeleted)
	return report, nil
}

// excluded implements the two exclusion predicates: a task
// still referenced by an active workflow execution, or with open findings.
func (p *Pruner) excluded(ctx context.Context, taskID string) (bool, error) {
	referenced, err := p.Store.ActiveWorkflowReferencesTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if referenced {
		return true, nil
	}
	open, err := p.Store.FindingsOpenForTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return open, nil
}

// Run starts the Pruner on a fixed cadence until stop is closed, using
// retention as the default Cutoff offset (prior TTL recommendation for
// structured events is 30 days, runs 90 days).
func (p *Pruner) Run(stop <-chan struct{}, cadence time.Duration, retention time.Duration, maxRuns int) {
	if cadence <= 0 {
		cadence = time.Hour
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := p.Prune(ctx, Config{Cutoff: now.Add(-retention), MaxRuns: maxRuns}); err != nil {
				p.Logger.Error("retention prune failed", log.Error(err))
			}
			cancel()
		}
	}
}
