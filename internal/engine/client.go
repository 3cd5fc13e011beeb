// Package engine talks to the local database-serving process over its
// HTTP health and admin endpoints.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues requests against the engine's local endpoint. All calls
// carry short timeouts; the engine shares the host, so anything slower
// than a few seconds is already an answer.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// NewClientForURL is used by tests to point the client at a test server.
func NewClientForURL(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

// Health reports whether the engine answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// Drain asks the engine to begin rejecting new connections.
func (c *Client) Drain(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/drain", nil)
}

// SetReadOnly toggles the engine read-only, the fallback when the drain
// endpoint is unavailable on older engine builds.
func (c *Client) SetReadOnly(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/read-only", nil)
}

// ActiveConnections returns the engine's currently open client connections.
func (c *Client) ActiveConnections(ctx context.Context) (int, error) {
	var body struct {
		ActiveConnections int `json:"active_connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/connections", &body); err != nil {
		return 0, err
	}
	return body.ActiveConnections, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("engine %s %s: %w", method, path, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("engine %s %s: %w", method, path, err)
		}
	}
	return nil
}
