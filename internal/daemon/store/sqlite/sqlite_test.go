package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestTaskRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	task := &model.Task{
		ID:           "task-1",
		RepositoryID: "repo-1",
		Kind:         model.TaskKindCron,
		Harness:      "claude-code",
		CronExpression: "*/5 * * * *",
		Enabled:      true,
		Retry:        model.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, Multiplier: 2},
	}
	require.NoError(t, b.CreateTask(ctx, task))

	got, err := b.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskKindCron, got.Kind)
	require.Equal(t, 3, got.Retry.MaxAttempts)
	require.True(t, got.Enabled)

	got.Enabled = false
	require.NoError(t, b.UpdateTask(ctx, got))

	after, err := b.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, after.Enabled)
}

func TestTaskValidateRejectsEmptyCronExpression(t *testing.T) {
	b := newTestBackend(t)
	err := b.CreateTask(context.Background(), &model.Task{ID: "bad", Kind: model.TaskKindCron})
	require.Error(t, err)
}

func TestRunTransitionEnforcesLegalMoves(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	run := &model.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", State: model.RunQueued}
	require.NoError(t, b.CreateRun(ctx, run))

	require.NoError(t, b.Transition(ctx, "run-1", model.RunQueued, model.RunRunning, func(r *model.Run) {
		now := time.Now().UTC()
		r.StartedAt = &now
	}))

	err := b.Transition(ctx, "run-1", model.RunQueued, model.RunRunning, nil)
	require.Error(t, err)

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, got.State)
	require.NotNil(t, got.StartedAt)
}

func TestActiveCountScopesByRepository(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateRun(ctx, &model.Run{ID: "r1", RepositoryID: "repo-a", State: model.RunRunning}))
	require.NoError(t, b.CreateRun(ctx, &model.Run{ID: "r2", RepositoryID: "repo-a", State: model.RunSucceeded}))
	require.NoError(t, b.CreateRun(ctx, &model.Run{ID: "r3", RepositoryID: "repo-b", State: model.RunRunning}))

	count, err := b.ActiveCount(ctx, store.ScopeRepository, "repo-a")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWorkerSlotAccounting(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Heartbeat(ctx, model.Worker{ID: "w1", Endpoint: "w1:9000", MaxSlots: 1, LastHeartbeat: time.Now().UTC()}))
	require.NoError(t, b.AcquireSlot(ctx, "w1"))
	require.Error(t, b.AcquireSlot(ctx, "w1"))
	require.NoError(t, b.ReleaseSlot(ctx, "w1"))
	require.NoError(t, b.AcquireSlot(ctx, "w1"))
}

func TestSecretPutAndGet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.PutSecret(ctx, model.ProviderSecret{RepositoryID: "repo-1", Provider: "anthropic", EncryptedValue: []byte{1, 2, 3}}))
	got, err := b.GetSecret(ctx, "repo-1", "anthropic")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got.EncryptedValue)

	require.NoError(t, b.PutSecret(ctx, model.ProviderSecret{RepositoryID: "repo-1", Provider: "anthropic", EncryptedValue: []byte{9}}))
	got, err = b.GetSecret(ctx, "repo-1", "anthropic")
	require.NoError(t, err)
	require.Equal(t, []byte{9}, got.EncryptedValue)
}

func TestFindingsOpenForTask(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateRun(ctx, &model.Run{ID: "run-1", TaskID: "task-1", State: model.RunSucceeded}))
	require.NoError(t, b.CreateFinding(ctx, &model.Finding{ID: "f1", RunID: "run-1", State: model.FindingNew}))

	open, err := b.FindingsOpenForTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, open)

	got, err := b.GetFinding(ctx, "f1")
	require.NoError(t, err)
	got.State = model.FindingResolved
	require.NoError(t, b.UpdateFinding(ctx, got))

	open, err = b.FindingsOpenForTask(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, open)
}
