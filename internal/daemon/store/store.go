// Package store defines the Run Store facade (component H): the durable-state
// contract for Projects, Repositories, Tasks, Runs, structured rows, Findings,
// Workers, Artifacts, Proxy Routes, and Provider Secrets.
//
// Grounded on this codebase's prior internal/controller/backend interface-segregation
// design (RunStore/RunLister/CheckpointStore/StepResultStore composed into a
// single Backend): each entity family gets its own narrow interface so a
// minimal backend (tests, demos) need not implement the whole surface, while
// concrete backends (memory, sqlite) satisfy the Backend composite.
package store

import (
	"context"
	"io"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/proxyroute"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	TaskID       string
	RepositoryID string
	ProjectID    string
	States       []model.RunState
	Limit        int
}

// ProjectStore persists Projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// RepositoryStore persists Repositories.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, r *model.Repository) error
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	ListRepositories(ctx context.Context, projectID string) ([]*model.Repository, error)
}

// TaskStore persists Tasks and answers the Scheduler's due-task query.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	ListTasks(ctx context.Context, repositoryID string) ([]*model.Task, error)
	// DueTasks returns enabled one-shot tasks whose NextScheduledAt <= now and
	// enabled cron tasks whose computed next fire <= now. Event-driven tasks
	// are never returned.
	DueTasks(ctx context.Context, now time.Time) ([]*model.Task, error)
	// EventDrivenTasks returns enabled event-driven tasks for a repository,
	// for webhook fan-out.
	EventDrivenTasks(ctx context.Context, repositoryID string) ([]*model.Task, error)
	// ConsumeOneShot atomically clears NextScheduledAt so a one-shot task is
	// dispatched exactly once.
	ConsumeOneShot(ctx context.Context, taskID string) error
}

// RunStore persists Runs and enforces the state-machine transition rules.
type RunStore interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)
	// Transition moves a Run from its current state to "to", failing with
	// errors.ConflictError if the transition is illegal or the run is not
	// currently in "from" (first writer wins on concurrent callers, spec
	// §4.2).
	Transition(ctx context.Context, runID string, from, to model.RunState, mutate func(*model.Run)) error
	// ActiveCount reports the number of non-terminal runs in scope, used by
	// the Dispatcher's concurrency-cap checks.
	ActiveCount(ctx context.Context, scope ConcurrencyScope, id string) (int, error)
	DeleteRun(ctx context.Context, id string) error
}

// ConcurrencyScope names the level a concurrency cap applies at.
type ConcurrencyScope string

const (
	ScopeGlobal     ConcurrencyScope = "global"
	ScopeProject    ConcurrencyScope = "project"
	ScopeRepository ConcurrencyScope = "repository"
	ScopeTask       ConcurrencyScope = "task"
)

// EventStore persists the structured rows the Pipeline (component F) produces.
// It satisfies pipeline.EventSink and pipeline.RunUpdater structurally.
type EventStore interface {
	AppendEvent(e model.RunEvent) error
	UpsertDiffSnapshot(d model.DiffSnapshot) error
	UpsertToolProjection(t model.ToolProjection) error
	CreateQuestionRequest(q model.QuestionRequest) error
	AttachCompletion(runID, summary, errMsg string) error

	ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]model.RunEvent, error)
	GetDiffSnapshot(ctx context.Context, runID string) (*model.DiffSnapshot, error)
	ListToolProjections(ctx context.Context, runID string) ([]model.ToolProjection, error)
	GetQuestionRequest(ctx context.Context, id string) (*model.QuestionRequest, error)
	// AnswerQuestion atomically transitions pending -> answered exactly once
	//; a second call returns ConflictError.
	AnswerQuestion(ctx context.Context, id string, answers map[string]string, answeredRunID string) error

	// terminal-run retention primitives used by the Pruner (component K).
	DeleteStructuredForRun(ctx context.Context, runID string) (events, diffs, tools int64, err error)
}

// FindingStore persists Findings.
type FindingStore interface {
	CreateFinding(ctx context.Context, f *model.Finding) error
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	UpdateFinding(ctx context.Context, f *model.Finding) error
	ListFindings(ctx context.Context, repositoryID string) ([]*model.Finding, error)
	// FindingsOpenForTask reports whether any non-resolved, non-ignored
	// Finding references runs of taskID, for the Pruner's exclusion predicate.
	FindingsOpenForTask(ctx context.Context, taskID string) (bool, error)
}

// WorkerStore persists Worker heartbeats and slot accounting.
type WorkerStore interface {
	Heartbeat(ctx context.Context, w model.Worker) error
	ListWorkers(ctx context.Context) ([]model.Worker, error)
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	// AcquireSlot increments a worker's active-slot count, failing if the
	// worker is already at MaxSlots.
	AcquireSlot(ctx context.Context, workerID string) error
	ReleaseSlot(ctx context.Context, workerID string) error
}

// ArtifactStore persists Artifacts extracted after a Run.
type ArtifactStore interface {
	CreateArtifacts(ctx context.Context, runID string, artifacts []model.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error)
}

// SecretStore persists encrypted Provider Secrets.
type SecretStore interface {
	PutSecret(ctx context.Context, s model.ProviderSecret) error
	GetSecret(ctx context.Context, repositoryID, provider string) (*model.ProviderSecret, error)
	ListSecrets(ctx context.Context, repositoryID string) ([]model.ProviderSecret, error)
}

// WorkflowExecutionStore persists Workflow Executor (component M) state,
// used by the Retention Pruner's workflow-reference exclusion predicate.
type WorkflowExecutionStore interface {
	ActiveWorkflowReferencesTask(ctx context.Context, taskID string) (bool, error)
}

// Backend composes every segregated interface plus the Proxy Route audit
// sink and io.Closer, for full-featured implementations (memory and sqlite
// both satisfy this).
type Backend interface {
	ProjectStore
	RepositoryStore
	TaskStore
	RunStore
	EventStore
	FindingStore
	WorkerStore
	ArtifactStore
	SecretStore
	WorkflowExecutionStore
	proxyroute.AuditSink
	io.Closer
}
