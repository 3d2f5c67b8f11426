package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentsdashboard/engine/internal/daemon/envelope"
)

// MCPRuntime drives a harness that speaks the Model Context Protocol over
// stdio instead of the engine's own line-delimited wire contract: the
// harness process is an MCP server, and running it means calling one tool
// and translating the result into an Envelope. Grounded on this codebase's
// prior mcp.Client (stdio transport, Initialize handshake, CallTool), scoped
// down to the single-tool-per-run shape a harness invocation needs.
type MCPRuntime struct {
	Resolver ModeResolver
	// ToolName is the tool called on the harness's MCP server for every
	// run; harnesses that expose MCP typically name it "run" or "execute".
	ToolName string
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (m *MCPRuntime) Name() string { return "mcp" }

func (m *MCPRuntime) Select(req Request) Policy { return m.Resolver.Select(req) }

// Run starts the harness as an MCP stdio server, initializes the protocol
// handshake, and calls ToolName with the prompt as its "prompt" argument.
func (m *MCPRuntime) Run(ctx context.Context, req Request, onChunk func(Chunk)) (*envelope.Envelope, error) {
	policy := m.Select(req)
	prompt := req.Prompt
	if policy.SystemPromptPrefix != "" {
		prompt = policy.SystemPromptPrefix + "\n\n" + prompt
	}

	mcpClient, err := client.NewStdioMCPClient(req.Command, envSlice(req.Environment), req.CustomArgs...)
	if err != nil {
		return nil, fmt.Errorf("mcp runtime: create client: %w", err)
	}
	defer mcpClient.Close()

	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp runtime: start: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "engine", Version: "1"},
		},
	}); err != nil {
		return nil, fmt.Errorf("mcp runtime: initialize: %w", err)
	}

	toolName := m.ToolName
	if toolName == "" {
		toolName = "run"
	}

	callCtx, callCancel := context.WithTimeout(ctx, timeout)
	defer callCancel()

	result, err := mcpClient.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: map[string]any{"prompt": prompt, "work_dir": req.WorkDir},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp runtime: call tool %q: %w", toolName, err)
	}

	var text string
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			onChunk(Chunk{Raw: []byte(tc.Text)})
			text += tc.Text
		}
	}

	if result.IsError {
		return envelope.Synthesize("", text, 1), nil
	}
	if env, parseErr := envelope.Parse([]byte(text)); parseErr == nil {
		return env, nil
	}
	return envelope.Synthesize(text, "", 0), nil
}
