// Package container implements the Container Lifecycle Manager (component
// E): creating, stopping, and reconciling sandboxed run containers, grounded
// on this codebase's prior docker/podman CLI-driven sandbox.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

// PlatformLabel tags every container this engine creates, so startup
// reconciliation can find them regardless of which Run they
// belong to.
const PlatformLabel = "agentsdashboard.managed=true"

// Spec describes the container a Run needs.
type Spec struct {
	RunID        string
	TaskID       string
	RepositoryID string
	ProjectID    string
	Image        string
	Command      []string
	WorkDir      string
	Sandbox      model.SandboxProfile
	Env          map[string]string // values are never logged; see Redactor
}

// Handle identifies a running container.
type Handle struct {
	ContainerID string
	Name        string
}

// ContainerInfo is one row of `ReconcileOrphans`'s inventory.
type ContainerInfo struct {
	ContainerID string
	Name        string
	RunID       string
	TaskID      string
	RepositoryID string
	ProjectID    string
}

// Manager creates/stops containers via the docker or podman CLI, matching
// this codebase's prior `pkg/security/sandbox.DockerFactory` invocation style, but
// generalized to the full ownership-label and grace-teardown contract
// every managed container must carry.
type Manager struct {
	Runtime     string // "docker" or "podman"
	GraceWindow time.Duration
}

// DetectRuntime mirrors this codebase's prior detectRuntime: prefer docker, fall
// back to podman, empty string means no container runtime is available.
func DetectRuntime() string {
	if _, err := exec.LookPath("docker"); err == nil {
		if err := exec.Command("docker", "info").Run(); err == nil {
			return "docker"
		}
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return ""
}

// NewManager builds a Manager using the first available container runtime.
func NewManager() *Manager {
	return &Manager{Runtime: DetectRuntime(), GraceWindow: 10 * time.Second}
}

func containerName(runID string) string { return "run-" + runID }

// Create starts a container for spec, applying the mandatory ownership
// labels and sandbox-profile limits.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Handle, error) {
	if m.Runtime == "" {
		return nil, fmt.Errorf("container manager: no container runtime available")
	}

	profile := spec.Sandbox
	if profile.CPULimit == 0 {
		profile.CPULimit = model.DefaultSandboxProfile().CPULimit
	}
	if profile.MemoryLimitMiB == 0 {
		profile.MemoryLimitMiB = model.DefaultSandboxProfile().MemoryLimitMiB
	}

	name := containerName(spec.RunID)
	args := []string{"run", "--detach", "--name", name}
	args = append(args, "--memory", fmt.Sprintf("%dm", profile.MemoryLimitMiB))
	args = append(args, "--cpus", fmt.Sprintf("%.2f", profile.CPULimit))

	if profile.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	if profile.ReadOnlyRootFS {
		args = append(args, "--read-only", "--tmpfs", "/tmp:rw,noexec,nosuid")
	}

	if spec.WorkDir != "" {
		abs, err := filepath.Abs(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("container manager: resolve workdir: %w", err)
		}
		args = append(args, "--volume", fmt.Sprintf("%s:/workspace", abs))
		args = append(args, "--workdir", "/workspace")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args,
		"--label", PlatformLabel,
		"--label", "agentsdashboard.run-id="+spec.RunID,
		"--label", "agentsdashboard.task-id="+spec.TaskID,
		"--label", "agentsdashboard.repo-id="+spec.RepositoryID,
		"--label", "agentsdashboard.project-id="+spec.ProjectID,
	)

	image := spec.Image
	if image == "" {
		image = "alpine:latest"
	}
	args = append(args, image)
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, m.Runtime, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("container manager: create: %w (%s)", err, stderr.String())
	}

	return &Handle{ContainerID: strings.TrimSpace(stdout.String()), Name: name}, nil
}

// Stop issues SIGTERM, waits up to the grace window, then SIGKILL, then
// removes the container.
func (m *Manager) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.ContainerID == "" {
		return nil
	}
	grace := m.GraceWindow
	if grace <= 0 {
		grace = 10 * time.Second
	}
	stopArgs := []string{"stop", "--time", fmt.Sprintf("%d", int(grace.Seconds())), h.ContainerID}
	_ = exec.CommandContext(ctx, m.Runtime, stopArgs...).Run()

	rmArgs := []string{"rm", "--force", h.ContainerID}
	if err := exec.CommandContext(ctx, m.Runtime, rmArgs...).Run(); err != nil {
		return fmt.Errorf("container manager: remove %s: %w", h.ContainerID, err)
	}
	return nil
}

// ListManaged lists every container carrying PlatformLabel, with their
// ownership labels decoded, for startup reconciliation.
func (m *Manager) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	if m.Runtime == "" {
		return nil, nil
	}
	format := "{{.ID}}\t{{.Names}}\t{{.Label \"agentsdashboard.run-id\"}}\t{{.Label \"agentsdashboard.task-id\"}}\t{{.Label \"agentsdashboard.repo-id\"}}\t{{.Label \"agentsdashboard.project-id\"}}"
	args := []string{"ps", "--all", "--filter", "label=" + PlatformLabel, "--format", format}
	out, err := exec.CommandContext(ctx, m.Runtime, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("container manager: list: %w", err)
	}

	var result []ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		info := ContainerInfo{ContainerID: field(fields, 0), Name: field(fields, 1), RunID: field(fields, 2), TaskID: field(fields, 3), RepositoryID: field(fields, 4), ProjectID: field(fields, 5)}
		result = append(result, info)
	}
	return result, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// ReconcileOrphans stops and removes every managed container whose run-id is
// not present in activeRunIDs.
func (m *Manager) ReconcileOrphans(ctx context.Context, activeRunIDs map[string]bool) ([]ContainerInfo, error) {
	managed, err := m.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []ContainerInfo
	for _, c := range managed {
		if activeRunIDs[c.RunID] {
			continue
		}
		if stopErr := m.Stop(ctx, &Handle{ContainerID: c.ContainerID, Name: c.Name}); stopErr != nil {
			continue
		}
		orphans = append(orphans, c)
	}
	return orphans, nil
}
