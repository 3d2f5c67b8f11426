// Package model defines the core persisted entities of the run execution
// engine: Project, Repository, Task, Run, and the structured rows a Run
// produces while it executes.
package model

import "time"

// TaskKind enumerates how a Task becomes due.
type TaskKind string

const (
	TaskKindOneShot     TaskKind = "one-shot"
	TaskKindCron        TaskKind = "cron"
	TaskKindEventDriven TaskKind = "event-driven"
)

// ExecutionMode enumerates the harness permission posture for a Run.
type ExecutionMode string

const (
	ModeDefault ExecutionMode = "default"
	ModePlan    ExecutionMode = "plan"
	ModeReview  ExecutionMode = "review"
)

// RunState enumerates the Run state machine's states.
type RunState string

const (
	RunQueued           RunState = "queued"
	RunRunning          RunState = "running"
	RunPendingApproval  RunState = "pending-approval"
	RunSucceeded        RunState = "succeeded"
	RunFailed           RunState = "failed"
	RunCancelled        RunState = "cancelled"
)

// Terminal reports whether a RunState cannot be left.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions is the exhaustive state-machine transition table. Any
// (from, to) pair absent here is illegal.
var legalTransitions = map[RunState]map[RunState]bool{
	RunQueued: {
		RunRunning:         true,
		RunPendingApproval: true,
		RunCancelled:       true,
	},
	RunPendingApproval: {
		RunRunning:   true,
		RunCancelled: true,
	},
	RunRunning: {
		RunSucceeded: true,
		RunFailed:    true,
		RunCancelled: true,
	},
}

// CanTransition reports whether moving a Run from "from" to "to" is legal.
func CanTransition(from, to RunState) bool {
	if from.Terminal() {
		return false
	}
	return legalTransitions[from][to]
}

// RetryPolicy configures a Task's retry behaviour on retryable failures.
type RetryPolicy struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	Multiplier   float64
	CapBackoff   time.Duration
}

// Backoff returns the delay before retry number `attempt` (1-indexed, i.e.
// the delay before the second attempt is Backoff(1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	capped := time.Duration(d)
	if p.CapBackoff > 0 && capped > p.CapBackoff {
		capped = p.CapBackoff
	}
	return capped
}

// Timeouts configures the deadlines applied to a Run's stages.
type Timeouts struct {
	StageTotal time.Duration
	Idle       time.Duration
}

// SandboxProfile configures the container limits applied at dispatch.
type SandboxProfile struct {
	CPULimit        float64
	MemoryLimitMiB  int64
	NetworkDisabled bool
	ReadOnlyRootFS  bool
}

// DefaultSandboxProfile is the container sandbox's baseline resource cap.
func DefaultSandboxProfile() SandboxProfile {
	return SandboxProfile{
		CPULimit:       1.5,
		MemoryLimitMiB: 2048,
	}
}

// ArtifactPolicy bounds the Artifact Extractor's output for a Task.
type ArtifactPolicy struct {
	MaxArtifacts  int
	MaxTotalBytes int64
	Include       []string // overrides the default allowlist when non-empty
	Exclude       []string // appended to the default denylist
}

// DefaultArtifactPolicy bounds the default number of artifacts extracted,
// with no byte cap.
func DefaultArtifactPolicy() ArtifactPolicy {
	return ArtifactPolicy{MaxArtifacts: 100, MaxTotalBytes: 0}
}

// ApprovalProfile configures whether a Task's Runs require human approval
// before leaving pending-approval.
type ApprovalProfile struct {
	Required     bool
	ApproverRole string
}

// Project owns Repositories.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Repository owns Tasks, Findings, instructions, and Provider Secrets.
type Repository struct {
	ID              string
	ProjectID       string
	RemoteURL       string
	LocalPath       string
	DefaultBranch   string
	TaskDefaults    TaskDefaults
	CreatedAt       time.Time
}

// TaskDefaults seed newly created Tasks on this Repository.
type TaskDefaults struct {
	Kind               TaskKind
	Harness            string
	ExecutionMode      ExecutionMode
	Command            string
	CronExpression     string
	AutoPR             bool
	Enabled            bool
	SessionProfileID   string
}

// Task is a unit of potential work: a recipe the Dispatcher turns into Runs.
type Task struct {
	ID                string
	RepositoryID      string
	Kind              TaskKind
	Harness           string
	ExecutionMode     ExecutionMode
	Prompt            string
	Command           string
	CronExpression    string
	AutoPR            bool
	Enabled           bool
	NextScheduledAt   *time.Time
	Retry             RetryPolicy
	Timeouts          Timeouts
	Sandbox           SandboxProfile
	Artifacts         ArtifactPolicy
	Approval          ApprovalProfile
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate enforces the Task's structural invariants.
func (t *Task) Validate() error {
	if t.Kind == TaskKindCron && t.CronExpression == "" {
		return &taskValidationError{t.ID, "cron task requires a non-empty cron expression"}
	}
	return nil
}

type taskValidationError struct {
	taskID string
	reason string
}

func (e *taskValidationError) Error() string {
	return "task " + e.taskID + ": " + e.reason
}

// Run is one attempt at executing a Task.
type Run struct {
	ID                string
	TaskID            string
	ProjectID         string
	RepositoryID      string
	State             RunState
	Attempt           int
	StartedAt         *time.Time
	EndedAt           *time.Time
	ExecutionMode     ExecutionMode
	ProtocolVersion   string
	AssignedWorkerID  string
	Summary           string
	Error             string
	FailureClass      string
	EnvelopeRef       string
	CreatedAt         time.Time
}

// RunEventCategory is the canonical structured-event category.
type RunEventCategory string

const (
	CategoryReasoningDelta   RunEventCategory = "reasoning.delta"
	CategoryToolLifecycle    RunEventCategory = "tool.lifecycle"
	CategoryDiffUpdated      RunEventCategory = "diff.updated"
	CategoryRunCompleted     RunEventCategory = "run.completed"
	CategoryQuestionRequest  RunEventCategory = "question.requested"
	CategoryStructured       RunEventCategory = "structured"
	CategoryLog              RunEventCategory = "log"
)

// RunEvent is a persisted, sequenced structured event for a Run.
type RunEvent struct {
	RunID         string
	Sequence      int64
	EventType     string
	Category      RunEventCategory
	Payload       map[string]any
	SchemaVersion string
	Timestamp     time.Time
}

// DiffSnapshot is the latest-wins diff record for a Run.
type DiffSnapshot struct {
	RunID         string
	Sequence      int64
	Summary       string
	DiffStat      string
	DiffPatch     string
	SchemaVersion string
	Timestamp     time.Time
}

// ToolProjectionState enumerates a Run Tool Projection's lifecycle.
type ToolProjectionState string

const (
	ToolRunning   ToolProjectionState = "running"
	ToolCompleted ToolProjectionState = "completed"
	ToolFailed    ToolProjectionState = "failed"
)

// ToolProjection tracks one tool invocation inside a Run, keyed by tool-call-id.
type ToolProjection struct {
	RunID       string
	ToolCallID  string
	ToolName    string
	State       ToolProjectionState
	Input       map[string]any
	Output      map[string]any
	StartedAt   time.Time
	EndedAt     *time.Time
}

// QuestionStatus enumerates a Run Question Request's lifecycle.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
	QuestionExpired  QuestionStatus = "expired"
)

// QuestionOption is one selectable answer to a Question.
type QuestionOption struct {
	Value       string
	Label       string
	Description string
}

// Question is a single question within a QuestionRequest.
type Question struct {
	ID      string
	Header  string
	Prompt  string
	Options []QuestionOption
}

// QuestionRequest is a pending interactive prompt raised by a harness.
type QuestionRequest struct {
	ID            string
	RunID         string
	TaskID        string
	Questions     []Question
	Status        QuestionStatus
	Answers       map[string]string
	AnsweredRunID string
	SourceTool    string
	CreatedAt     time.Time
}

// Artifact is one file extracted from a run's workspace after completion.
type Artifact struct {
	RunID    string
	Filename string
	RelPath  string
	Size     int64
	SHA256   string
	MIMEType string
}

// FindingState enumerates a Finding's triage lifecycle.
type FindingState string

const (
	FindingNew          FindingState = "new"
	FindingAcknowledged FindingState = "acknowledged"
	FindingInProgress   FindingState = "in-progress"
	FindingResolved     FindingState = "resolved"
	FindingIgnored      FindingState = "ignored"
)

// Finding is a triage record produced from a Run, owned by its Repository.
type Finding struct {
	ID           string
	RepositoryID string
	RunID        string
	State        FindingState
	Severity     string
	Title        string
	Description  string
	Assignee     string
	CreatedAt    time.Time
}

// Worker is a process that accepts dispatch RPCs and runs harnesses.
type Worker struct {
	ID            string
	Endpoint      string
	ActiveSlots   int
	MaxSlots      int
	LastHeartbeat time.Time
}

// Healthy reports whether the Worker's last heartbeat is within timeout.
func (w Worker) Healthy(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < timeout
}

// RouteOwnership is the (repo, task, run) tuple attached to a Proxy Route.
type RouteOwnership struct {
	RepositoryID string
	TaskID       string
	RunID        string
}

// ProxyRoute is a run-owned (or longer-lived) reverse-proxy route entry.
type ProxyRoute struct {
	RouteID     string
	PathPattern string
	Destination string
	TTLDeadline *time.Time
	Ownership   RouteOwnership
}

// ProviderSecret is an encrypted credential scoped to a Repository.
type ProviderSecret struct {
	RepositoryID   string
	Provider       string
	EncryptedValue []byte
	UpdatedAt      time.Time
}
