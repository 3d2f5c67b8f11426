package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func TestResolveModeAliases(t *testing.T) {
	r := ModeResolver{}
	cases := map[string]model.ExecutionMode{
		"default": model.ModeDefault, "normal": model.ModeDefault, "run": model.ModeDefault,
		"plan": model.ModePlan, "planning": model.ModePlan, "preview": model.ModePlan,
		"review": model.ModeReview, "readonly": model.ModeReview, "audit": model.ModeReview,
	}
	for alias, want := range cases {
		req := Request{RequestedMode: model.ExecutionMode(alias)}
		// RequestedMode is taken as-is unless env overrides; the alias table
		// applies to env-sourced values, so route the alias through env.
		req = Request{Environment: map[string]string{"TASK_MODE": alias}}
		got := r.ResolveMode(req)
		assert.Equal(t, want, got, alias)
	}
}

func TestResolveModeEnvPrecedence(t *testing.T) {
	r := ModeResolver{}
	req := Request{
		RequestedMode: model.ModeDefault,
		Environment: map[string]string{
			"HARNESS_RUNTIME_MODE": "plan",
			"TASK_MODE":            "review",
		},
	}
	assert.Equal(t, model.ModePlan, r.ResolveMode(req))
}

func TestResolveModeHarnessSpecificOverride(t *testing.T) {
	r := ModeResolver{}
	req := Request{
		Harness:       "codex",
		RequestedMode: model.ModeDefault,
		Environment: map[string]string{
			"CODEX_MODE": "review",
			"TASK_MODE":  "plan",
		},
	}
	assert.Equal(t, model.ModeReview, r.ResolveMode(req))
}

func TestResolveModeExplicitFlagWhitelist(t *testing.T) {
	r := ModeResolver{}
	req := Request{CustomArgs: []string{"--mode", "readonly"}}
	assert.Equal(t, model.ModeReview, r.ResolveMode(req))
}

func TestResolveModeFreeformPromptWordsIgnored(t *testing.T) {
	r := ModeResolver{}
	req := Request{Prompt: "please review this code", RequestedMode: model.ModeDefault}
	assert.Equal(t, model.ModeDefault, r.ResolveMode(req))
}

func TestSelectPlanDeniesEditAndBash(t *testing.T) {
	r := ModeResolver{}
	policy := r.Select(Request{RequestedMode: model.ModePlan})
	require.True(t, policy.DenyEdit)
	require.True(t, policy.DenyBash)
	assert.Equal(t, "never", policy.ApprovalPolicy)
	assert.Contains(t, policy.SystemPromptPrefix, "not modify")
}

func TestSelectDefaultApprovalOnFailureUnlessEnvOverrides(t *testing.T) {
	r := ModeResolver{}
	p1 := r.Select(Request{RequestedMode: model.ModeDefault})
	assert.Equal(t, "on-failure", p1.ApprovalPolicy)

	p2 := r.Select(Request{RequestedMode: model.ModeDefault, Environment: map[string]string{"HARNESS_APPROVAL_POLICY": "never"}})
	assert.Equal(t, "never", p2.ApprovalPolicy)
}
