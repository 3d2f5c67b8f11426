package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionLegalPairs(t *testing.T) {
	legal := [][2]RunState{
		{RunQueued, RunRunning},
		{RunQueued, RunPendingApproval},
		{RunQueued, RunCancelled},
		{RunPendingApproval, RunRunning},
		{RunPendingApproval, RunCancelled},
		{RunRunning, RunSucceeded},
		{RunRunning, RunFailed},
		{RunRunning, RunCancelled},
	}
	for _, pair := range legal {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s should be legal", pair[0], pair[1])
	}
}

func TestCanTransitionRejectsEverythingElse(t *testing.T) {
	all := []RunState{RunQueued, RunRunning, RunPendingApproval, RunSucceeded, RunFailed, RunCancelled}
	legal := map[[2]RunState]bool{
		{RunQueued, RunRunning}:          true,
		{RunQueued, RunPendingApproval}:  true,
		{RunQueued, RunCancelled}:        true,
		{RunPendingApproval, RunRunning}: true,
		{RunPendingApproval, RunCancelled}: true,
		{RunRunning, RunSucceeded}: true,
		{RunRunning, RunFailed}:    true,
		{RunRunning, RunCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]RunState{from, to}]
			got := CanTransition(from, to)
			assert.Equalf(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesRejectAnyTransition(t *testing.T) {
	for _, terminal := range []RunState{RunSucceeded, RunFailed, RunCancelled} {
		for _, to := range []RunState{RunQueued, RunRunning, RunPendingApproval, RunSucceeded, RunFailed, RunCancelled} {
			assert.False(t, CanTransition(terminal, to), "terminal state %s must reject -> %s", terminal, to)
		}
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, Multiplier: 2, CapBackoff: 10 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 8*time.Second, p.Backoff(4))
	require.Equal(t, 10*time.Second, p.Backoff(5)) // capped from 16s
}

func TestTaskValidateRequiresCronExpression(t *testing.T) {
	task := &Task{ID: "t1", Kind: TaskKindCron}
	err := task.Validate()
	require.Error(t, err)

	task.CronExpression = "*/5 * * * *"
	require.NoError(t, task.Validate())
}

func TestWorkerHealthy(t *testing.T) {
	now := time.Now()
	w := Worker{LastHeartbeat: now.Add(-5 * time.Second)}
	assert.True(t, w.Healthy(now, 10*time.Second))
	assert.False(t, w.Healthy(now, 2*time.Second))
}
