// Package memory is an in-memory Run Store backend (component H), used by
// tests and single-process demos. Grounded on the existing codebase's
// internal/controller/backend/memory package (map-backed, mutex-guarded),
// generalized to the full entity surface the Run Store facade defines.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	engerrors "github.com/agentsdashboard/engine/pkg/errors"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/proxyroute"
	"github.com/agentsdashboard/engine/internal/daemon/store"
)

var _ store.Backend = (*Backend)(nil)

// Backend is a single-process, mutex-guarded implementation of store.Backend.
type Backend struct {
	mu sync.Mutex

	projects     map[string]*model.Project
	repositories map[string]*model.Repository
	tasks        map[string]*model.Task
	runs         map[string]*model.Run
	events       map[string][]model.RunEvent
	diffs        map[string]model.DiffSnapshot
	tools        map[string]map[string]model.ToolProjection
	questions    map[string]*model.QuestionRequest
	findings     map[string]*model.Finding
	workers      map[string]*model.Worker
	artifacts    map[string][]model.Artifact
	secrets      map[string]model.ProviderSecret // key: repoID+"/"+provider
	proxyAudits  []proxyroute.AuditRecord
	workflowRefs map[string]bool // taskID -> referenced by an active workflow execution
}

// New builds an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		projects:     make(map[string]*model.Project),
		repositories: make(map[string]*model.Repository),
		tasks:        make(map[string]*model.Task),
		runs:         make(map[string]*model.Run),
		events:       make(map[string][]model.RunEvent),
		diffs:        make(map[string]model.DiffSnapshot),
		tools:        make(map[string]map[string]model.ToolProjection),
		questions:    make(map[string]*model.QuestionRequest),
		findings:     make(map[string]*model.Finding),
		workers:      make(map[string]*model.Worker),
		artifacts:    make(map[string][]model.Artifact),
		secrets:      make(map[string]model.ProviderSecret),
		workflowRefs: make(map[string]bool),
	}
}

// Close releases resources. The in-memory backend owns none.
func (b *Backend) Close() error { return nil }

// --- Projects ---

func (b *Backend) CreateProject(_ context.Context, p *model.Project) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	b.projects[p.ID] = &cp
	return nil
}

func (b *Backend) GetProject(_ context.Context, id string) (*model.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "project", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (b *Backend) ListProjects(_ context.Context) ([]*model.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Project, 0, len(b.projects))
	for _, p := range b.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Repositories ---

func (b *Backend) CreateRepository(_ context.Context, r *model.Repository) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *r
	b.repositories[r.ID] = &cp
	return nil
}

func (b *Backend) GetRepository(_ context.Context, id string) (*model.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repositories[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "repository", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) ListRepositories(_ context.Context, projectID string) ([]*model.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Repository
	for _, r := range b.repositories {
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Tasks ---

func (b *Backend) CreateTask(_ context.Context, t *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := t.Validate(); err != nil {
		return &engerrors.ValidationError{Field: "task", Message: err.Error()}
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	b.tasks[t.ID] = &cp
	return nil
}

func (b *Backend) GetTask(_ context.Context, id string) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (b *Backend) UpdateTask(_ context.Context, t *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[t.ID]; !ok {
		return &engerrors.NotFoundError{Resource: "task", ID: t.ID}
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	b.tasks[t.ID] = &cp
	return nil
}

func (b *Backend) ListTasks(_ context.Context, repositoryID string) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Task
	for _, t := range b.tasks {
		if repositoryID != "" && t.RepositoryID != repositoryID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) DueTasks(_ context.Context, now time.Time) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Task
	for _, t := range b.tasks {
		if !t.Enabled || t.Kind == model.TaskKindEventDriven {
			continue
		}
		if t.NextScheduledAt != nil && !t.NextScheduledAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) EventDrivenTasks(_ context.Context, repositoryID string) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Task
	for _, t := range b.tasks {
		if t.Kind != model.TaskKindEventDriven || !t.Enabled {
			continue
		}
		if t.RepositoryID != repositoryID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) ConsumeOneShot(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return &engerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	t.NextScheduledAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Runs ---

func (b *Backend) CreateRun(_ context.Context, r *model.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	b.runs[r.ID] = &cp
	return nil
}

func (b *Backend) GetRun(_ context.Context, id string) (*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) ListRuns(_ context.Context, filter store.RunFilter) ([]*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Run
	for _, r := range b.runs {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.RepositoryID != "" && r.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		if len(filter.States) > 0 && !stateIn(r.State, filter.States) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func stateIn(s model.RunState, states []model.RunState) bool {
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// Transition is the single place state changes happen: the whole map is
// guarded by one mutex, so "serialized per run-id, first writer wins" (spec
// §4.2) falls out of Go's regular mutex semantics — there is no separate
// per-run lock to coordinate.
func (b *Backend) Transition(_ context.Context, runID string, from, to model.RunState, mutate func(*model.Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return &engerrors.NotFoundError{Resource: "run", ID: runID}
	}
	if r.State != from || !model.CanTransition(from, to) {
		return &engerrors.ConflictError{Resource: "run", From: string(r.State), To: string(to), Reason: "InvalidTransition"}
	}
	r.State = to
	if mutate != nil {
		mutate(r)
	}
	return nil
}

func (b *Backend) ActiveCount(_ context.Context, scope store.ConcurrencyScope, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, r := range b.runs {
		if r.State.Terminal() {
			continue
		}
		switch scope {
		case store.ScopeGlobal:
			count++
		case store.ScopeProject:
			if r.ProjectID == id {
				count++
			}
		case store.ScopeRepository:
			if r.RepositoryID == id {
				count++
			}
		case store.ScopeTask:
			if r.TaskID == id {
				count++
			}
		}
	}
	return count, nil
}

func (b *Backend) DeleteRun(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, id)
	delete(b.events, id)
	delete(b.diffs, id)
	delete(b.tools, id)
	delete(b.artifacts, id)
	return nil
}

// --- Structured events (component F's EventSink/RunUpdater) ---

func (b *Backend) AppendEvent(e model.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[e.RunID] = append(b.events[e.RunID], e)
	return nil
}

func (b *Backend) UpsertDiffSnapshot(d model.DiffSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.diffs[d.RunID]; ok && existing.Sequence > d.Sequence {
		return nil // latest-wins by sequence
	}
	b.diffs[d.RunID] = d
	return nil
}

func (b *Backend) UpsertToolProjection(t model.ToolProjection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tools[t.RunID] == nil {
		b.tools[t.RunID] = make(map[string]model.ToolProjection)
	}
	b.tools[t.RunID][t.ToolCallID] = t
	return nil
}

func (b *Backend) CreateQuestionRequest(q model.QuestionRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := q
	b.questions[q.ID] = &cp
	return nil
}

func (b *Backend) AttachCompletion(runID, summary, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		return &engerrors.NotFoundError{Resource: "run", ID: runID}
	}
	r.Summary = summary
	r.Error = errMsg
	return nil
}

func (b *Backend) ListEvents(_ context.Context, runID string, sinceSeq int64) ([]model.RunEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.RunEvent
	for _, e := range b.events[runID] {
		if e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Backend) GetDiffSnapshot(_ context.Context, runID string) (*model.DiffSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.diffs[runID]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "diff-snapshot", ID: runID}
	}
	return &d, nil
}

func (b *Backend) ListToolProjections(_ context.Context, runID string) ([]model.ToolProjection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ToolProjection
	for _, t := range b.tools[runID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolCallID < out[j].ToolCallID })
	return out, nil
}

func (b *Backend) GetQuestionRequest(_ context.Context, id string) (*model.QuestionRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.questions[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "question-request", ID: id}
	}
	cp := *q
	return &cp, nil
}

func (b *Backend) AnswerQuestion(_ context.Context, id string, answers map[string]string, answeredRunID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.questions[id]
	if !ok {
		return &engerrors.NotFoundError{Resource: "question-request", ID: id}
	}
	if q.Status != model.QuestionPending {
		return &engerrors.ConflictError{Resource: "question-request", From: string(q.Status), To: string(model.QuestionAnswered), Reason: "already answered"}
	}
	q.Status = model.QuestionAnswered
	q.Answers = answers
	q.AnsweredRunID = answeredRunID
	return nil
}

func (b *Backend) DeleteStructuredForRun(_ context.Context, runID string) (int64, int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := int64(len(b.events[runID]))
	var diffs int64
	if _, ok := b.diffs[runID]; ok {
		diffs = 1
	}
	tools := int64(len(b.tools[runID]))
	delete(b.events, runID)
	delete(b.diffs, runID)
	delete(b.tools, runID)
	return events, diffs, tools, nil
}

// --- Findings ---

func (b *Backend) CreateFinding(_ context.Context, f *model.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	cp := *f
	b.findings[f.ID] = &cp
	return nil
}

func (b *Backend) GetFinding(_ context.Context, id string) (*model.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.findings[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "finding", ID: id}
	}
	cp := *f
	return &cp, nil
}

func (b *Backend) UpdateFinding(_ context.Context, f *model.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findings[f.ID]; !ok {
		return &engerrors.NotFoundError{Resource: "finding", ID: f.ID}
	}
	cp := *f
	b.findings[f.ID] = &cp
	return nil
}

func (b *Backend) ListFindings(_ context.Context, repositoryID string) ([]*model.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Finding
	for _, f := range b.findings {
		if repositoryID != "" && f.RepositoryID != repositoryID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) FindingsOpenForTask(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.findings {
		if f.State == model.FindingResolved || f.State == model.FindingIgnored {
			continue
		}
		if run, ok := b.runs[f.RunID]; ok && run.TaskID == taskID {
			return true, nil
		}
	}
	return false, nil
}

// --- Workers ---

func (b *Backend) Heartbeat(_ context.Context, w model.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.workers[w.ID]
	if !ok {
		cp := w
		b.workers[w.ID] = &cp
		return nil
	}
	existing.Endpoint = w.Endpoint
	existing.MaxSlots = w.MaxSlots
	existing.LastHeartbeat = w.LastHeartbeat
	return nil
}

func (b *Backend) ListWorkers(_ context.Context) ([]model.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Worker
	for _, w := range b.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) GetWorker(_ context.Context, id string) (*model.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "worker", ID: id}
	}
	cp := *w
	return &cp, nil
}

func (b *Backend) AcquireSlot(_ context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return &engerrors.NotFoundError{Resource: "worker", ID: workerID}
	}
	if w.ActiveSlots >= w.MaxSlots {
		return &engerrors.ResourceExhaustedError{Resource: "worker-slot", Reason: "worker " + workerID + " at max slots"}
	}
	w.ActiveSlots++
	return nil
}

func (b *Backend) ReleaseSlot(_ context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return &engerrors.NotFoundError{Resource: "worker", ID: workerID}
	}
	if w.ActiveSlots > 0 {
		w.ActiveSlots--
	}
	return nil
}

// --- Artifacts ---

func (b *Backend) CreateArtifacts(_ context.Context, runID string, artifacts []model.Artifact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[runID] = append(b.artifacts[runID], artifacts...)
	return nil
}

func (b *Backend) ListArtifacts(_ context.Context, runID string) ([]model.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Artifact(nil), b.artifacts[runID]...), nil
}

// --- Provider secrets ---

func secretKey(repositoryID, provider string) string { return repositoryID + "/" + provider }

func (b *Backend) PutSecret(_ context.Context, s model.ProviderSecret) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	b.secrets[secretKey(s.RepositoryID, s.Provider)] = s
	return nil
}

func (b *Backend) GetSecret(_ context.Context, repositoryID, provider string) (*model.ProviderSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.secrets[secretKey(repositoryID, provider)]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "provider-secret", ID: secretKey(repositoryID, provider)}
	}
	return &s, nil
}

func (b *Backend) ListSecrets(_ context.Context, repositoryID string) ([]model.ProviderSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ProviderSecret
	for _, s := range b.secrets {
		if s.RepositoryID == repositoryID {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- Workflow execution references (used by the Retention Pruner) ---

// MarkWorkflowReference records that an active (non-terminal) workflow
// execution references taskID. The Workflow Executor (component M) calls
// this on dispatch and clears it on terminal completion.
func (b *Backend) MarkWorkflowReference(taskID string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active {
		b.workflowRefs[taskID] = true
	} else {
		delete(b.workflowRefs, taskID)
	}
}

func (b *Backend) ActiveWorkflowReferencesTask(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflowRefs[taskID], nil
}

// --- Proxy route audit sink ---

func (b *Backend) RecordProxyAudit(record proxyroute.AuditRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proxyAudits = append(b.proxyAudits, record)
	return nil
}

// ListProxyAudits returns every recorded proxy audit, oldest first.
func (b *Backend) ListProxyAudits() []proxyroute.AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proxyroute.AuditRecord(nil), b.proxyAudits...)
}
