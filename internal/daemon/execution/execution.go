// Package execution wires the Container Lifecycle Manager (component E),
// Harness Runtime Strategies (component D), Structured Event Pipeline
// (component F), Secret Redactor (component A), and Artifact Extractor
// (component B) together into the dispatcher.Executor a dispatched Run
// needs: create a sandbox, stream the harness to completion, classify
// failures, extract artifacts, and transition the Run to its terminal
// state.
//
// New integration point — this codebase's prior runner.Runner plays this role for
// workflow steps, but inlines adapter dispatch directly rather than
// composing independently-testable components; this package is grounded on
// that same "one executor owns one run's full lifecycle" shape, decomposed
// per SPEC_FULL.md's component boundaries instead.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/artifact"
	"github.com/agentsdashboard/engine/internal/daemon/container"
	"github.com/agentsdashboard/engine/internal/daemon/dispatcher"
	"github.com/agentsdashboard/engine/internal/daemon/envelope"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/pipeline"
	"github.com/agentsdashboard/engine/internal/daemon/runtime"
	"github.com/agentsdashboard/engine/internal/daemon/secretcrypto"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
	"github.com/agentsdashboard/engine/internal/secrets"
)

// imagesByHarness names the sandbox image each harness family runs in.
// There is no generic fallback image, matching the "no fallback runtime"
// redesign: an unrecognised harness fails at dispatch, in RuntimeFor.
var imagesByHarness = map[string]string{
	"codex":    "agentsdashboard/harness-codex:latest",
	"opencode": "agentsdashboard/harness-opencode:latest",
}

// ssePort is the fixed port the OpenCode sidecar's embedded HTTP server
// listens on inside its container; the executor reaches it over the
// container's own name on the daemon's container network rather than
// publishing a host port, since nothing outside the daemon needs it.
const ssePort = 4096

// Executor drives one Run from "running" to a terminal state.
type Executor struct {
	Store      store.Backend
	Containers *container.Manager
	Runtimes   map[string]runtime.Runtime // keyed by runtime.Runtime.Name(): "stdio", "sse"
	Pipeline   *pipeline.Pipeline
	Artifacts  *artifact.Extractor
	Dispatcher *dispatcher.Dispatcher
	Encryptor  *secretcrypto.Cipher // decrypts ProviderSecret.EncryptedValue before redaction
	Logger     *slog.Logger
}

// New builds an Executor.
func New(be store.Backend, containers *container.Manager, runtimes map[string]runtime.Runtime, pl *pipeline.Pipeline, artifacts *artifact.Extractor, disp *dispatcher.Dispatcher, encryptor *secretcrypto.Cipher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Store:      be,
		Containers: containers,
		Runtimes:   runtimes,
		Pipeline:   pl,
		Artifacts:  artifacts,
		Dispatcher: disp,
		Encryptor:  encryptor,
		Logger:     log.WithComponent(logger, "execution"),
	}
}

// Execute implements dispatcher.Executor. It never panics its caller: every
// failure path ends in a Run.Transition to failed and a possible Retry, run
// on the caller's already-detached goroutine (see dispatcher.start).
func (x *Executor) Execute(ctx context.Context, task *model.Task, run *model.Run) {
	logger := x.Logger.With("run_id", run.ID, "task_id", task.ID)

	rt, ok := runtime.RuntimeFor(task.Harness, x.Runtimes)
	if !ok {
		x.fail(ctx, task, run, "unrecognised harness "+task.Harness, string(runtime.ClassConfigurationError), false)
		return
	}

	redactor := secrets.New()
	x.registerSecrets(ctx, task.RepositoryID, redactor, logger)

	image := imagesByHarness[task.Harness]
	handle, repo, err := x.startContainer(ctx, task, run, image)
	if err != nil {
		logger.Error("container start failed", log.Error(err))
		x.fail(ctx, task, run, err.Error(), string(runtime.ClassConfigurationError), true)
		return
	}
	defer func() {
		if stopErr := x.Containers.Stop(context.Background(), handle); stopErr != nil {
			logger.Warn("container stop failed", log.Error(stopErr))
		}
	}()

	req := runtime.Request{
		RunID:         run.ID,
		Harness:       task.Harness,
		RequestedMode: run.ExecutionMode,
		Prompt:        task.Prompt,
		WorkDir:       repo.LocalPath,
	}
	x.wireTransport(&req, task, handle)

	var idleDeadline <-chan time.Time
	if task.Timeouts.Idle > 0 {
		t := time.NewTimer(task.Timeouts.Idle)
		defer t.Stop()
		idleDeadline = t.C
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if task.Timeouts.StageTotal > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeouts.StageTotal)
		defer cancel()
	}

	done := make(chan struct{})
	var resultEnvelope *envelope.Envelope
	var resultErr error
	go func() {
		defer close(done)
		resultEnvelope, resultErr = rt.Run(runCtx, req, func(c runtime.Chunk) {
			redacted := redactor.Redact(string(c.Raw))
			if ingestErr := x.Pipeline.Ingest(run.ID, task.ID, []byte(redacted)); ingestErr != nil {
				logger.Warn("event ingest failed", log.Error(ingestErr))
			}
		})
	}()

	select {
	case <-done:
	case <-idleDeadline:
		if cancel != nil {
			cancel()
		}
		<-done
		resultEnvelope, resultErr = nil, fmt.Errorf("run %s: idle timeout exceeded", run.ID)
	}

	x.finish(ctx, task, run, repo, resultEnvelope, resultErr)
}

// registerSecrets decrypts every Provider Secret scoped to a Repository and
// registers the plaintext with the Redactor before the harness produces a
// single byte of output. A Secret that fails to decrypt is logged and
// skipped rather than aborting the Run — a broken master key should not
// block dispatch, only leave that one credential unredacted.
func (x *Executor) registerSecrets(ctx context.Context, repositoryID string, redactor *secrets.Redactor, logger *slog.Logger) {
	if x.Encryptor == nil {
		return
	}
	secretList, err := x.Store.ListSecrets(ctx, repositoryID)
	if err != nil {
		logger.Warn("secret lookup failed", log.Error(err))
		return
	}
	for _, s := range secretList {
		plaintext, err := x.Encryptor.Decrypt(s.EncryptedValue)
		if err != nil {
			logger.Warn("secret decryption failed", "provider", s.Provider, log.Error(err))
			continue
		}
		redactor.Register(string(plaintext))
	}
}

func (x *Executor) startContainer(ctx context.Context, task *model.Task, run *model.Run, image string) (*container.Handle, *model.Repository, error) {
	repo, err := x.Store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return nil, nil, err
	}

	// stdio harnesses run as a long-lived idle container attached to via
	// "exec -i"; SSE harnesses run the real server command directly and
	// are reached over their embedded HTTP endpoint.
	command := []string{"tail", "-f", "/dev/null"}
	if task.Harness == "opencode" {
		command = []string{task.Command}
	}

	handle, err := x.Containers.Create(ctx, container.Spec{
		RunID:        run.ID,
		TaskID:       task.ID,
		RepositoryID: task.RepositoryID,
		ProjectID:    run.ProjectID,
		Image:        image,
		Command:      command,
		WorkDir:      repo.LocalPath,
		Sandbox:      task.Sandbox,
	})
	return handle, repo, err
}

func (x *Executor) wireTransport(req *runtime.Request, task *model.Task, handle *container.Handle) {
	switch task.Harness {
	case "opencode":
		req.Environment = map[string]string{
			"OPENCODE_SSE_URL": fmt.Sprintf("http://%s:%d/events", handle.Name, ssePort),
		}
	default:
		req.Command = x.Containers.Runtime
		req.CustomArgs = append([]string{"exec", "-i", handle.ContainerID, "sh", "-c", task.Command})
	}
}

func (x *Executor) finish(ctx context.Context, task *model.Task, run *model.Run, repo *model.Repository, env *envelope.Envelope, runErr error) {
	if runErr != nil {
		class, retryable := classifyRunError(runErr)
		x.fail(ctx, task, run, runErr.Error(), class, retryable)
		return
	}
	if env == nil {
		x.fail(ctx, task, run, "harness produced no terminal envelope", string(runtime.ClassUnknown), true)
		return
	}
	if env.Status == envelope.StatusFailed {
		class, retryable := classifyRunError(fmt.Errorf("%s", env.Error))
		x.fail(ctx, task, run, env.Error, class, retryable)
		return
	}

	x.extractArtifacts(ctx, task, run, repo)

	now := time.Now().UTC()
	if err := x.Store.Transition(ctx, run.ID, model.RunRunning, model.RunSucceeded, func(r *model.Run) {
		r.EndedAt = &now
		r.Summary = env.Summary
	}); err != nil {
		x.Logger.Error("terminal transition failed", "run_id", run.ID, log.Error(err))
	}
	_ = x.Store.ReleaseSlot(ctx, run.AssignedWorkerID)
}

func (x *Executor) extractArtifacts(ctx context.Context, task *model.Task, run *model.Run, repo *model.Repository) {
	if x.Artifacts == nil || repo == nil {
		return
	}
	artifacts, err := x.Artifacts.Extract(run.ID, repo.LocalPath, task.Artifacts)
	if err != nil {
		x.Logger.Warn("artifact extraction failed", "run_id", run.ID, log.Error(err))
		return
	}
	if len(artifacts) > 0 {
		if err := x.Store.CreateArtifacts(ctx, run.ID, artifacts); err != nil {
			x.Logger.Warn("artifact persistence failed", "run_id", run.ID, log.Error(err))
		}
	}
}

func (x *Executor) fail(ctx context.Context, task *model.Task, run *model.Run, reason, class string, retryable bool) {
	now := time.Now().UTC()
	if err := x.Store.Transition(ctx, run.ID, model.RunRunning, model.RunFailed, func(r *model.Run) {
		r.EndedAt = &now
		r.Error = reason
		r.FailureClass = class
	}); err != nil {
		x.Logger.Error("failure transition failed", "run_id", run.ID, log.Error(err))
	}
	if run.AssignedWorkerID != "" {
		_ = x.Store.ReleaseSlot(ctx, run.AssignedWorkerID)
	}
	if x.Dispatcher != nil {
		failed, getErr := x.Store.GetRun(ctx, run.ID)
		if getErr == nil {
			x.Dispatcher.Retry(ctx, task, failed, retryable)
		}
	}
}

func classifyRunError(err error) (string, bool) {
	c := runtime.Classify(err.Error(), 0)
	return string(c.Class), c.Retryable
}
