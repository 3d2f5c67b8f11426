package runtime

import (
	"strings"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

// ModeResolver implements the execution-mode alias table, environment
// precedence, and permission effects.
type ModeResolver struct {
	// ReviewerAgent overrides the default "reviewer" agent name for Review
	// mode; empty uses the default.
	ReviewerAgent string
}

var modeAliases = map[string]model.ExecutionMode{
	"default": model.ModeDefault, "normal": model.ModeDefault, "run": model.ModeDefault,
	"plan": model.ModePlan, "planning": model.ModePlan, "preview": model.ModePlan,
	"review": model.ModeReview, "readonly": model.ModeReview, "audit": model.ModeReview,
}

// envPrecedence lists the generic env vars highest-priority-first; the
// harness-specific override ranks between the first entry and the rest.
var envPrecedence = []string{"HARNESS_RUNTIME_MODE", "HARNESS_MODE", "RUN_MODE", "TASK_MODE"}

var harnessSpecificEnv = map[string]string{
	"codex":    "CODEX_MODE",
	"opencode": "OPENCODE_MODE",
}

// explicitModeFlags is the whitelist of command-line flags that can change
// mode; free-form prompt words never do.
var explicitModeFlags = map[string]model.ExecutionMode{
	"--mode readonly": model.ModeReview,
	"--mode plan":     model.ModePlan,
	"--mode review":   model.ModeReview,
}

// ResolveMode determines the effective ExecutionMode for a Request,
// honouring the environment precedence list (highest first):
// HARNESS_RUNTIME_MODE, harness-specific override, HARNESS_MODE, RUN_MODE,
// TASK_MODE, falling back to the requested mode.
func (r ModeResolver) ResolveMode(req Request) model.ExecutionMode {
	if v, exists := req.Environment[envPrecedence[0]]; exists {
		if mode, ok := normalizeAlias(v); ok {
			return mode
		}
	}
	if harnessKey, ok := harnessSpecificEnv[req.Harness]; ok {
		if v, exists := req.Environment[harnessKey]; exists {
			if mode, aliasOK := normalizeAlias(v); aliasOK {
				return mode
			}
		}
	}
	for _, key := range envPrecedence[1:] {
		if v, exists := req.Environment[key]; exists {
			if mode, ok := normalizeAlias(v); ok {
				return mode
			}
		}
	}
	if mode, ok := modeFromExplicitFlags(req.CustomArgs); ok {
		return mode
	}
	if req.RequestedMode != "" {
		return req.RequestedMode
	}
	return model.ModeDefault
}

func normalizeAlias(raw string) (model.ExecutionMode, bool) {
	mode, ok := modeAliases[strings.ToLower(strings.TrimSpace(raw))]
	return mode, ok
}

// modeFromExplicitFlags checks CustomArgs for one of the whitelisted
// explicit mode flags. Generic prompt text is never inspected here.
func modeFromExplicitFlags(args []string) (model.ExecutionMode, bool) {
	joined := strings.ToLower(strings.Join(args, " "))
	for flag, mode := range explicitModeFlags {
		if strings.Contains(joined, flag) {
			return mode, true
		}
	}
	return "", false
}

// Select implements the permission-effects table for a
// resolved mode. Harnesses capable of mutation get approval="on-failure" in
// Default mode unless the environment explicitly sets it to "never".
func (r ModeResolver) Select(req Request) Policy {
	mode := r.ResolveMode(req)
	switch mode {
	case model.ModePlan:
		return Policy{
			Agent:              "plan",
			SystemPromptPrefix: "Do not modify files.",
			DenyEdit:           true,
			DenyBash:           true,
			ApprovalPolicy:     "never",
		}
	case model.ModeReview:
		agent := r.ReviewerAgent
		if agent == "" {
			agent = "reviewer"
		}
		return Policy{
			Agent:              agent,
			SystemPromptPrefix: "Do not modify files.",
			DenyEdit:           true,
			DenyBash:           true,
			ApprovalPolicy:     "never",
		}
	default:
		approval := "on-failure"
		if v, ok := req.Environment["HARNESS_APPROVAL_POLICY"]; ok && strings.EqualFold(v, "never") {
			approval = "never"
		}
		return Policy{Agent: "build", ApprovalPolicy: approval}
	}
}
