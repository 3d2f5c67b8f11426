// Package sqlite is a single-file, durable Run Store backend (component H),
// used where a process restart must not lose Task/Run/Finding state that the
// in-memory backend (internal/daemon/store/memory) would drop. Grounded on
// the same entity surface memory.Backend implements, but persisted with
// modernc.org/sqlite's CGO-free driver through database/sql, the way a
// single-binary CLI tool reaches for an embedded database over standing up
// a server process. Structured sub-fields (TaskDefaults, RetryPolicy,
// SandboxProfile, event payloads, ...) are stored as JSON text columns
// rather than normalized further, matching a single-process store's needs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/proxyroute"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	engerrors "github.com/agentsdashboard/engine/pkg/errors"
)

var _ store.Backend = (*Backend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	local_path TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	task_defaults TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	harness TEXT NOT NULL,
	execution_mode TEXT NOT NULL,
	prompt TEXT NOT NULL,
	command TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	auto_pr INTEGER NOT NULL,
	enabled INTEGER NOT NULL,
	next_scheduled_at TEXT,
	retry TEXT NOT NULL,
	timeouts TEXT NOT NULL,
	sandbox TEXT NOT NULL,
	artifacts TEXT NOT NULL,
	approval TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	repository_id TEXT NOT NULL,
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	execution_mode TEXT NOT NULL,
	protocol_version TEXT NOT NULL,
	assigned_worker_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	error TEXT NOT NULL,
	failure_class TEXT NOT NULL,
	envelope_ref TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	category TEXT NOT NULL,
	payload TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
CREATE TABLE IF NOT EXISTS diff_snapshots (
	run_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	summary TEXT NOT NULL,
	diff_stat TEXT NOT NULL,
	diff_patch TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_projections (
	run_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	state TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	PRIMARY KEY (run_id, tool_call_id)
);
CREATE TABLE IF NOT EXISTS question_requests (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	questions TEXT NOT NULL,
	status TEXT NOT NULL,
	answers TEXT NOT NULL,
	answered_run_id TEXT NOT NULL,
	source_tool TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	state TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	assignee TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	active_slots INTEGER NOT NULL,
	max_slots INTEGER NOT NULL,
	last_heartbeat TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS artifacts (
	run_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	size INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	mime_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS provider_secrets (
	repository_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	encrypted_value BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (repository_id, provider)
);
CREATE TABLE IF NOT EXISTS workflow_refs (
	task_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS proxy_audits (
	recorded_at TEXT NOT NULL,
	record TEXT NOT NULL
);
`

// Backend is a modernc.org/sqlite-backed implementation of store.Backend. A
// single sync.Mutex serializes writers the way SQLite itself expects one writer
// at a time; readers also take it since database/sql pools connections and
// SQLite's own locking would otherwise surface as SQLITE_BUSY under load.
type Backend struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or reuses) a SQLite database file at path and applies the
// schema. path may be ":memory:" for ephemeral use in tests.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func jsonOf(v any) string {
	buf, _ := json.Marshal(v)
	return string(buf)
}

func parseJSON[T any](s string) T {
	var out T
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// --- Projects ---

func (b *Backend) CreateProject(_ context.Context, p *model.Project) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.Exec(`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (b *Backend) GetProject(_ context.Context, id string) (*model.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT id, name, created_at FROM projects WHERE id = ?`, id)
	var p model.Project
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &engerrors.NotFoundError{Resource: "project", ID: id}
		}
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, nil
}

func (b *Backend) ListProjects(_ context.Context) ([]*model.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT id, name, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		var p model.Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Repositories ---

func (b *Backend) CreateRepository(_ context.Context, r *model.Repository) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.Exec(`INSERT INTO repositories
		(id, project_id, remote_url, local_path, default_branch, task_defaults, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.RemoteURL, r.LocalPath, r.DefaultBranch, jsonOf(r.TaskDefaults), r.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func scanRepository(row interface{ Scan(...any) error }) (*model.Repository, error) {
	var r model.Repository
	var taskDefaults, createdAt string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.RemoteURL, &r.LocalPath, &r.DefaultBranch, &taskDefaults, &createdAt); err != nil {
		return nil, err
	}
	r.TaskDefaults = parseJSON[model.TaskDefaults](taskDefaults)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

func (b *Backend) GetRepository(_ context.Context, id string) (*model.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT id, project_id, remote_url, local_path, default_branch, task_defaults, created_at
		FROM repositories WHERE id = ?`, id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "repository", ID: id}
	}
	return r, err
}

func (b *Backend) ListRepositories(_ context.Context, projectID string) ([]*model.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	query := `SELECT id, project_id, remote_url, local_path, default_branch, task_defaults, created_at FROM repositories`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id`
	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
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
	return b.upsertTask(t, true)
}

func (b *Backend) UpdateTask(_ context.Context, t *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var exists int
	if err := b.db.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists); err == sql.ErrNoRows {
		return &engerrors.NotFoundError{Resource: "task", ID: t.ID}
	} else if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	return b.upsertTask(t, false)
}

func (b *Backend) upsertTask(t *model.Task, insert bool) error {
	stmt := `INSERT OR REPLACE INTO tasks
		(id, repository_id, kind, harness, execution_mode, prompt, command, cron_expression,
		 auto_pr, enabled, next_scheduled_at, retry, timeouts, sandbox, artifacts, approval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := b.db.Exec(stmt,
		t.ID, t.RepositoryID, string(t.Kind), t.Harness, string(t.ExecutionMode), t.Prompt, t.Command, t.CronExpression,
		boolToInt(t.AutoPR), boolToInt(t.Enabled), nullTime(t.NextScheduledAt),
		jsonOf(t.Retry), jsonOf(t.Timeouts), jsonOf(t.Sandbox), jsonOf(t.Artifacts), jsonOf(t.Approval),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const taskColumns = `id, repository_id, kind, harness, execution_mode, prompt, command, cron_expression,
	auto_pr, enabled, next_scheduled_at, retry, timeouts, sandbox, artifacts, approval, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var kind, mode string
	var autoPR, enabled int
	var nextScheduled sql.NullString
	var retry, timeouts, sandbox, artifacts, approval string
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.RepositoryID, &kind, &t.Harness, &mode, &t.Prompt, &t.Command, &t.CronExpression,
		&autoPR, &enabled, &nextScheduled, &retry, &timeouts, &sandbox, &artifacts, &approval, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = model.TaskKind(kind)
	t.ExecutionMode = model.ExecutionMode(mode)
	t.AutoPR = autoPR != 0
	t.Enabled = enabled != 0
	t.NextScheduledAt = parseNullTime(nextScheduled)
	t.Retry = parseJSON[model.RetryPolicy](retry)
	t.Timeouts = parseJSON[model.Timeouts](timeouts)
	t.Sandbox = parseJSON[model.SandboxProfile](sandbox)
	t.Artifacts = parseJSON[model.ArtifactPolicy](artifacts)
	t.Approval = parseJSON[model.ApprovalProfile](approval)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func (b *Backend) GetTask(_ context.Context, id string) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "task", ID: id}
	}
	return t, err
}

func (b *Backend) ListTasks(_ context.Context, repositoryID string) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if repositoryID != "" {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY id`
	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) DueTasks(_ context.Context, now time.Time) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 AND kind != ? AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= ? ORDER BY id`,
		string(model.TaskKindEventDriven), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) EventDrivenTasks(_ context.Context, repositoryID string) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE kind = ? AND enabled = 1 AND repository_id = ? ORDER BY id`,
		string(model.TaskKindEventDriven), repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) ConsumeOneShot(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.Exec(`UPDATE tasks SET next_scheduled_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	return nil
}

// --- Runs ---

const runColumns = `id, task_id, project_id, repository_id, state, attempt, started_at, ended_at,
	execution_mode, protocol_version, assigned_worker_id, summary, error, failure_class, envelope_ref, created_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var r model.Run
	var state, mode string
	var started, ended sql.NullString
	var createdAt string
	err := row.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.RepositoryID, &state, &r.Attempt, &started, &ended,
		&mode, &r.ProtocolVersion, &r.AssignedWorkerID, &r.Summary, &r.Error, &r.FailureClass, &r.EnvelopeRef, &createdAt)
	if err != nil {
		return nil, err
	}
	r.State = model.RunState(state)
	r.ExecutionMode = model.ExecutionMode(mode)
	r.StartedAt = parseNullTime(started)
	r.EndedAt = parseNullTime(ended)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

func (b *Backend) CreateRun(_ context.Context, r *model.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.Exec(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ProjectID, r.RepositoryID, string(r.State), r.Attempt, nullTime(r.StartedAt), nullTime(r.EndedAt),
		string(r.ExecutionMode), r.ProtocolVersion, r.AssignedWorkerID, r.Summary, r.Error, r.FailureClass, r.EnvelopeRef,
		r.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (b *Backend) GetRun(_ context.Context, id string) (*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "run", ID: id}
	}
	return r, err
}

func (b *Backend) ListRuns(_ context.Context, filter store.RunFilter) ([]*model.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.RepositoryID != "" {
		query += ` AND repository_id = ?`
		args = append(args, filter.RepositoryID)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if len(filter.States) > 0 {
		query += ` AND state IN (`
		for i, s := range filter.States {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transition locks the backend for the whole read-modify-write, giving the
// same "serialized per run-id, first writer wins" behavior memory.Backend
// gets from its own mutex (spec-equivalent semantics, SQLite enforces it at
// the process level here since SetMaxOpenConns(1) already rules out
// cross-connection races).
func (b *Backend) Transition(_ context.Context, runID string, from, to model.RunState, mutate func(*model.Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return &engerrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return err
	}
	if r.State != from || !model.CanTransition(from, to) {
		return &engerrors.ConflictError{Resource: "run", From: string(r.State), To: string(to), Reason: "InvalidTransition"}
	}
	r.State = to
	if mutate != nil {
		mutate(r)
	}
	_, err = b.db.Exec(`UPDATE runs SET state=?, attempt=?, started_at=?, ended_at=?, assigned_worker_id=?,
		summary=?, error=?, failure_class=?, envelope_ref=? WHERE id=?`,
		string(r.State), r.Attempt, nullTime(r.StartedAt), nullTime(r.EndedAt), r.AssignedWorkerID,
		r.Summary, r.Error, r.FailureClass, r.EnvelopeRef, r.ID)
	return err
}

func (b *Backend) ActiveCount(_ context.Context, scope store.ConcurrencyScope, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	terminalStates := []model.RunState{model.RunSucceeded, model.RunFailed, model.RunCancelled}
	query := `SELECT COUNT(*) FROM runs WHERE state NOT IN (?, ?, ?)`
	args := []any{string(terminalStates[0]), string(terminalStates[1]), string(terminalStates[2])}
	switch scope {
	case store.ScopeProject:
		query += ` AND project_id = ?`
		args = append(args, id)
	case store.ScopeRepository:
		query += ` AND repository_id = ?`
		args = append(args, id)
	case store.ScopeTask:
		query += ` AND task_id = ?`
		args = append(args, id)
	}
	var count int
	err := b.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

func (b *Backend) DeleteRun(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stmt := range []string{
		`DELETE FROM runs WHERE id = ?`,
		`DELETE FROM run_events WHERE run_id = ?`,
		`DELETE FROM diff_snapshots WHERE run_id = ?`,
		`DELETE FROM tool_projections WHERE run_id = ?`,
		`DELETE FROM artifacts WHERE run_id = ?`,
	} {
		if _, err := b.db.Exec(stmt, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Structured events ---

func (b *Backend) AppendEvent(e model.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT INTO run_events (run_id, sequence, event_type, category, payload, schema_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Sequence, e.EventType, string(e.Category), jsonOf(e.Payload), e.SchemaVersion, e.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (b *Backend) UpsertDiffSnapshot(d model.DiffSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var existingSeq sql.NullInt64
	_ = b.db.QueryRow(`SELECT sequence FROM diff_snapshots WHERE run_id = ?`, d.RunID).Scan(&existingSeq)
	if existingSeq.Valid && existingSeq.Int64 > d.Sequence {
		return nil
	}
	_, err := b.db.Exec(`INSERT OR REPLACE INTO diff_snapshots (run_id, sequence, summary, diff_stat, diff_patch, schema_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.Sequence, d.Summary, d.DiffStat, d.DiffPatch, d.SchemaVersion, d.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (b *Backend) UpsertToolProjection(t model.ToolProjection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT OR REPLACE INTO tool_projections (run_id, tool_call_id, tool_name, state, input, output, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.ToolCallID, t.ToolName, string(t.State), jsonOf(t.Input), jsonOf(t.Output),
		t.StartedAt.UTC().Format(time.RFC3339Nano), nullTime(t.EndedAt))
	return err
}

func (b *Backend) CreateQuestionRequest(q model.QuestionRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.Exec(`INSERT INTO question_requests
		(id, run_id, task_id, questions, status, answers, answered_run_id, source_tool, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.RunID, q.TaskID, jsonOf(q.Questions), string(q.Status), jsonOf(q.Answers), q.AnsweredRunID, q.SourceTool,
		q.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (b *Backend) AttachCompletion(runID, summary, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.Exec(`UPDATE runs SET summary = ?, error = ? WHERE id = ?`, summary, errMsg, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engerrors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

func (b *Backend) ListEvents(_ context.Context, runID string, sinceSeq int64) ([]model.RunEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT run_id, sequence, event_type, category, payload, schema_version, timestamp
		FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		var category, payload, timestamp string
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.EventType, &category, &payload, &e.SchemaVersion, &timestamp); err != nil {
			return nil, err
		}
		e.Category = model.RunEventCategory(category)
		e.Payload = parseJSON[map[string]any](payload)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) GetDiffSnapshot(_ context.Context, runID string) (*model.DiffSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT run_id, sequence, summary, diff_stat, diff_patch, schema_version, timestamp
		FROM diff_snapshots WHERE run_id = ?`, runID)
	var d model.DiffSnapshot
	var timestamp string
	if err := row.Scan(&d.RunID, &d.Sequence, &d.Summary, &d.DiffStat, &d.DiffPatch, &d.SchemaVersion, &timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, &engerrors.NotFoundError{Resource: "diff-snapshot", ID: runID}
		}
		return nil, err
	}
	d.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return &d, nil
}

func (b *Backend) ListToolProjections(_ context.Context, runID string) ([]model.ToolProjection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT run_id, tool_call_id, tool_name, state, input, output, started_at, ended_at
		FROM tool_projections WHERE run_id = ? ORDER BY tool_call_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ToolProjection
	for rows.Next() {
		var t model.ToolProjection
		var state, input, output, startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&t.RunID, &t.ToolCallID, &t.ToolName, &state, &input, &output, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		t.State = model.ToolProjectionState(state)
		t.Input = parseJSON[map[string]any](input)
		t.Output = parseJSON[map[string]any](output)
		t.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		t.EndedAt = parseNullTime(endedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) GetQuestionRequest(_ context.Context, id string) (*model.QuestionRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT id, run_id, task_id, questions, status, answers, answered_run_id, source_tool, created_at
		FROM question_requests WHERE id = ?`, id)
	q, err := scanQuestionRequest(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "question-request", ID: id}
	}
	return q, err
}

func scanQuestionRequest(row interface{ Scan(...any) error }) (*model.QuestionRequest, error) {
	var q model.QuestionRequest
	var questions, status, answers, createdAt string
	if err := row.Scan(&q.ID, &q.RunID, &q.TaskID, &questions, &status, &answers, &q.AnsweredRunID, &q.SourceTool, &createdAt); err != nil {
		return nil, err
	}
	q.Questions = parseJSON[[]model.Question](questions)
	q.Status = model.QuestionStatus(status)
	q.Answers = parseJSON[map[string]string](answers)
	q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &q, nil
}

func (b *Backend) AnswerQuestion(_ context.Context, id string, answers map[string]string, answeredRunID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT status FROM question_requests WHERE id = ?`, id)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return &engerrors.NotFoundError{Resource: "question-request", ID: id}
		}
		return err
	}
	if model.QuestionStatus(status) != model.QuestionPending {
		return &engerrors.ConflictError{Resource: "question-request", From: status, To: string(model.QuestionAnswered), Reason: "already answered"}
	}
	_, err := b.db.Exec(`UPDATE question_requests SET status = ?, answers = ?, answered_run_id = ? WHERE id = ?`,
		string(model.QuestionAnswered), jsonOf(answers), answeredRunID, id)
	return err
}

func (b *Backend) DeleteStructuredForRun(_ context.Context, runID string) (int64, int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var events, diffs, tools int64
	_ = b.db.QueryRow(`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&events)
	_ = b.db.QueryRow(`SELECT COUNT(*) FROM diff_snapshots WHERE run_id = ?`, runID).Scan(&diffs)
	_ = b.db.QueryRow(`SELECT COUNT(*) FROM tool_projections WHERE run_id = ?`, runID).Scan(&tools)
	for _, stmt := range []string{
		`DELETE FROM run_events WHERE run_id = ?`,
		`DELETE FROM diff_snapshots WHERE run_id = ?`,
		`DELETE FROM tool_projections WHERE run_id = ?`,
	} {
		if _, err := b.db.Exec(stmt, runID); err != nil {
			return 0, 0, 0, err
		}
	}
	return events, diffs, tools, nil
}

// --- Findings ---

func (b *Backend) CreateFinding(_ context.Context, f *model.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.Exec(`INSERT INTO findings (id, repository_id, run_id, state, severity, title, description, assignee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RepositoryID, f.RunID, string(f.State), f.Severity, f.Title, f.Description, f.Assignee, f.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func scanFinding(row interface{ Scan(...any) error }) (*model.Finding, error) {
	var f model.Finding
	var state, createdAt string
	if err := row.Scan(&f.ID, &f.RepositoryID, &f.RunID, &state, &f.Severity, &f.Title, &f.Description, &f.Assignee, &createdAt); err != nil {
		return nil, err
	}
	f.State = model.FindingState(state)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &f, nil
}

func (b *Backend) GetFinding(_ context.Context, id string) (*model.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT id, repository_id, run_id, state, severity, title, description, assignee, created_at
		FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "finding", ID: id}
	}
	return f, err
}

func (b *Backend) UpdateFinding(_ context.Context, f *model.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.Exec(`UPDATE findings SET state=?, severity=?, title=?, description=?, assignee=? WHERE id=?`,
		string(f.State), f.Severity, f.Title, f.Description, f.Assignee, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engerrors.NotFoundError{Resource: "finding", ID: f.ID}
	}
	return nil
}

func (b *Backend) ListFindings(_ context.Context, repositoryID string) ([]*model.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	query := `SELECT id, repository_id, run_id, state, severity, title, description, assignee, created_at FROM findings`
	var args []any
	if repositoryID != "" {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY id`
	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (b *Backend) FindingsOpenForTask(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var count int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM findings f
		JOIN runs r ON r.id = f.run_id
		WHERE r.task_id = ? AND f.state NOT IN (?, ?)`,
		taskID, string(model.FindingResolved), string(model.FindingIgnored)).Scan(&count)
	return count > 0, err
}

// --- Workers ---

func (b *Backend) Heartbeat(_ context.Context, w model.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT INTO workers (id, endpoint, active_slots, max_slots, last_heartbeat)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET endpoint = excluded.endpoint, max_slots = excluded.max_slots, last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.Endpoint, w.MaxSlots, w.LastHeartbeat.UTC().Format(time.RFC3339Nano))
	return err
}

func scanWorker(row interface{ Scan(...any) error }) (model.Worker, error) {
	var w model.Worker
	var lastHeartbeat string
	err := row.Scan(&w.ID, &w.Endpoint, &w.ActiveSlots, &w.MaxSlots, &lastHeartbeat)
	if err != nil {
		return w, err
	}
	w.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, lastHeartbeat)
	return w, nil
}

func (b *Backend) ListWorkers(_ context.Context) ([]model.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT id, endpoint, active_slots, max_slots, last_heartbeat FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (b *Backend) GetWorker(_ context.Context, id string) (*model.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT id, endpoint, active_slots, max_slots, last_heartbeat FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "worker", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *Backend) AcquireSlot(_ context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var active, max int
	if err := b.db.QueryRow(`SELECT active_slots, max_slots FROM workers WHERE id = ?`, workerID).Scan(&active, &max); err != nil {
		if err == sql.ErrNoRows {
			return &engerrors.NotFoundError{Resource: "worker", ID: workerID}
		}
		return err
	}
	if active >= max {
		return &engerrors.ResourceExhaustedError{Resource: "worker-slot", Reason: "worker " + workerID + " at max slots"}
	}
	_, err := b.db.Exec(`UPDATE workers SET active_slots = active_slots + 1 WHERE id = ?`, workerID)
	return err
}

func (b *Backend) ReleaseSlot(_ context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.Exec(`UPDATE workers SET active_slots = active_slots - 1 WHERE id = ? AND active_slots > 0`, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := b.db.QueryRow(`SELECT 1 FROM workers WHERE id = ?`, workerID).Scan(&exists); err == sql.ErrNoRows {
			return &engerrors.NotFoundError{Resource: "worker", ID: workerID}
		}
	}
	return nil
}

// --- Artifacts ---

func (b *Backend) CreateArtifacts(_ context.Context, runID string, artifacts []model.Artifact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range artifacts {
		if _, err := b.db.Exec(`INSERT INTO artifacts (run_id, filename, rel_path, size, sha256, mime_type)
			VALUES (?, ?, ?, ?, ?, ?)`, runID, a.Filename, a.RelPath, a.Size, a.SHA256, a.MIMEType); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) ListArtifacts(_ context.Context, runID string) ([]model.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT run_id, filename, rel_path, size, sha256, mime_type FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.RunID, &a.Filename, &a.RelPath, &a.Size, &a.SHA256, &a.MIMEType); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Provider secrets ---

func (b *Backend) PutSecret(_ context.Context, s model.ProviderSecret) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	_, err := b.db.Exec(`INSERT INTO provider_secrets (repository_id, provider, encrypted_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repository_id, provider) DO UPDATE SET encrypted_value = excluded.encrypted_value, updated_at = excluded.updated_at`,
		s.RepositoryID, s.Provider, s.EncryptedValue, s.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (b *Backend) GetSecret(_ context.Context, repositoryID, provider string) (*model.ProviderSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT repository_id, provider, encrypted_value, updated_at FROM provider_secrets WHERE repository_id = ? AND provider = ?`,
		repositoryID, provider)
	var s model.ProviderSecret
	var updatedAt string
	if err := row.Scan(&s.RepositoryID, &s.Provider, &s.EncryptedValue, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &engerrors.NotFoundError{Resource: "provider-secret", ID: repositoryID + "/" + provider}
		}
		return nil, err
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &s, nil
}

func (b *Backend) ListSecrets(_ context.Context, repositoryID string) ([]model.ProviderSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT repository_id, provider, encrypted_value, updated_at FROM provider_secrets WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProviderSecret
	for rows.Next() {
		var s model.ProviderSecret
		var updatedAt string
		if err := rows.Scan(&s.RepositoryID, &s.Provider, &s.EncryptedValue, &updatedAt); err != nil {
			return nil, err
		}
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Workflow execution references ---

func (b *Backend) MarkWorkflowReference(taskID string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active {
		_, err := b.db.Exec(`INSERT OR IGNORE INTO workflow_refs (task_id) VALUES (?)`, taskID)
		return err
	}
	_, err := b.db.Exec(`DELETE FROM workflow_refs WHERE task_id = ?`, taskID)
	return err
}

func (b *Backend) ActiveWorkflowReferencesTask(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var exists int
	err := b.db.QueryRow(`SELECT 1 FROM workflow_refs WHERE task_id = ?`, taskID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return exists == 1, err
}

// --- Proxy route audit sink ---

func (b *Backend) RecordProxyAudit(record proxyroute.AuditRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT INTO proxy_audits (recorded_at, record) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), jsonOf(record))
	return err
}

// ListProxyAudits returns every recorded proxy audit, oldest first.
func (b *Backend) ListProxyAudits() ([]proxyroute.AuditRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT record FROM proxy_audits ORDER BY recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proxyroute.AuditRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, parseJSON[proxyroute.AuditRecord](raw))
	}
	return out, rows.Err()
}
