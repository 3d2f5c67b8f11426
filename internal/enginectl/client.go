// Package enginectl implements the operator-facing engine control CLI:
// a thin HTTP client over the daemon's control-plane API, plus the cobra
// command tree, styled table rendering, and the interactive approval
// prompt. Grounded on this codebase's prior internal/cli + internal/client pairing
// (cobra command tree talking to a long-running process over a narrow
// transport), generalized from a prior RPC-over-socket client to a
// plain HTTP client against engined's control-plane listener.
package enginectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a running engined process's control-plane HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. addr is either a "host:port" TCP address or,
// when socketPath is set, a Unix socket path — matching engined's own
// SocketPath-takes-precedence listener rule.
func NewClient(addr, socketPath string, timeout time.Duration) *Client {
	hc := &http.Client{Timeout: timeout}
	base := "http://" + addr

	if socketPath != "" {
		hc.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		base = "http://unix"
	}

	return &Client{baseURL: base, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("enginectl: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("enginectl: build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enginectl: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("enginectl: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("enginectl: %s %s: %s", method, path, bytes.TrimSpace(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, query, nil, out)
}
