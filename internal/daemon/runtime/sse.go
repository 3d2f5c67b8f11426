package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentsdashboard/engine/internal/daemon/envelope"
)

// SSERuntime drives the OpenCode harness: it opens a server-sent-events
// connection to the harness's embedded HTTP server, streams session events,
// and terminates on a "run.completed" event.
type SSERuntime struct {
	Resolver   ModeResolver
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (s *SSERuntime) Name() string { return "sse" }

func (s *SSERuntime) Select(req Request) Policy { return s.Resolver.Select(req) }

// sseEndpoint is resolved from the request environment; the embedded HTTP
// server's base URL is set by the executor (execution.Executor.wireTransport)
// from the harness container's name and port.
func sseEndpoint(req Request) (string, error) {
	base, ok := req.Environment["OPENCODE_SSE_URL"]
	if !ok || base == "" {
		return "", fmt.Errorf("sse runtime: OPENCODE_SSE_URL not set for run %s", req.RunID)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("sse runtime: invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("prompt", req.Prompt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *SSERuntime) Run(ctx context.Context, req Request, onChunk func(Chunk)) (*envelope.Envelope, error) {
	endpoint, err := sseEndpoint(req)
	if err != nil {
		return nil, err
	}

	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sse runtime: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sse runtime: connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sse runtime: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventType string
	var dataBuf strings.Builder
	var final *envelope.Envelope

	flush := func() {
		if dataBuf.Len() == 0 {
			return
		}
		data := dataBuf.String()
		onChunk(Chunk{Raw: []byte(data)})
		if eventType == "run.completed" {
			var env envelope.Envelope
			if jsonErr := json.Unmarshal([]byte(data), &env); jsonErr == nil {
				final = &env
			}
		}
		dataBuf.Reset()
		eventType = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			flush()
			if final != nil {
				return final, nil
			}
		}
	}
	flush()
	if final != nil {
		return final, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse runtime: stream read: %w", err)
	}
	return envelope.Synthesize("", "sse stream ended without run.completed", 1), nil
}
