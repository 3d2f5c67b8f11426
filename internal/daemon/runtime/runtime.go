// Package runtime implements the Harness Runtime Strategies (component D):
// per-harness execution (stdio / SSE), the execution-mode resolver, and the
// envelope failure classifier.
package runtime

import (
	"context"

	"github.com/agentsdashboard/engine/internal/daemon/envelope"
	"github.com/agentsdashboard/engine/internal/daemon/model"
)

// Request describes one harness invocation.
type Request struct {
	RunID          string
	Harness        string
	RequestedMode  model.ExecutionMode
	Prompt         string
	Command        string
	CustomArgs     []string
	WorkDir        string
	Environment    map[string]string
	IdleTimeout    int64 // seconds; not read by any Runtime in this package
}

// Chunk is one unit of harness output handed to the Structured Event
// Pipeline: either a recognised wire event or a raw log line.
type Chunk struct {
	Raw []byte
}

// Policy is the resolved execution-mode policy for a Request.
type Policy struct {
	Agent             string
	SystemPromptPrefix string
	DenyEdit          bool
	DenyBash          bool
	ApprovalPolicy    string // "never" | "on-failure"
}

// Runtime is the polymorphic capability set every harness family implements.
type Runtime interface {
	// Name identifies the runtime variant ("stdio", "sse", "mcp").
	Name() string
	// Select resolves the execution-mode Policy for a Request.
	Select(req Request) Policy
	// Run drives the harness to completion, streaming Chunks to onChunk as
	// they arrive, and returns the terminal Envelope.
	Run(ctx context.Context, req Request, onChunk func(Chunk)) (*envelope.Envelope, error)
}

// stdioHarnesses and sseHarnesses enforce the per-harness transport
// invariant: each harness has exactly one runtime, and the
// requested transport never overrides it.
var stdioHarnesses = map[string]bool{
	"codex": true,
}

var sseHarnesses = map[string]bool{
	"opencode": true,
}

// RuntimeFor resolves the mandatory Runtime for a harness name. The second
// return value is false for an unrecognised harness — there is no fallback
// runtime: each harness has exactly one runtime, or none.
func RuntimeFor(harness string, registry map[string]Runtime) (Runtime, bool) {
	switch {
	case stdioHarnesses[harness]:
		rt, ok := registry["stdio"]
		return rt, ok
	case sseHarnesses[harness]:
		rt, ok := registry["sse"]
		return rt, ok
	default:
		return nil, false
	}
}
