// Package transport implements the HTTP client the agent uses to talk to the
// manager's REST API. Every call is a single request/response JSON exchange
// under the manager's /api/v1 prefix; the client classifies failures into
// transient errors (worth retrying: network faults, server errors, explicit
// back-pressure) and rejections (retrying would fail identically, so the
// caller should drop).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

// defaultTimeout bounds each request/response exchange.
const defaultTimeout = 30 * time.Second

// ErrTransient marks a delivery failure that is worth retrying: the network
// was unreachable, the server errored, or the server asked for back-off.
var ErrTransient = errors.New("transient transport failure")

// ErrRejected marks a request the server refused as malformed or unknown.
// Retrying an identical request would fail identically.
var ErrRejected = errors.New("request rejected")

// AgentInfo is the registration payload.
type AgentInfo struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`
}

// RegisteredAgent is the manager's view of an agent after registration.
type RegisteredAgent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// HeartbeatInfo refreshes the manager's liveness and inventory view of an
// agent.
type HeartbeatInfo struct {
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`

	PolicyVersion string `json:"policy_version,omitempty"`
	QueueDepth    int    `json:"queue_depth"`
}

// syncRequest asks for the agent's policy bundle.
type syncRequest struct {
	Platform         string `json:"platform"`
	InstalledVersion string `json:"installed_version,omitempty"`
}

// Client is the agent-side HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	token   string

	requestsTotal atomic.Int64
	failuresTotal atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. with an
// httptest server's client in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger attaches a logger; the default discards nothing but logs at
// debug only.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the manager at baseURL, which should include the
// API prefix (e.g. "http://manager:55000/api/v1").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestsTotal returns the number of requests attempted.
func (c *Client) RequestsTotal() int64 { return c.requestsTotal.Load() }

// FailuresTotal returns the number of requests that did not get a 2xx.
func (c *Client) FailuresTotal() int64 { return c.failuresTotal.Load() }

// Register announces the agent to the manager. Registration is idempotent:
// re-registering an existing agent id refreshes its record.
func (c *Client) Register(ctx context.Context, info AgentInfo) (RegisteredAgent, error) {
	var out RegisteredAgent
	err := c.do(ctx, http.MethodPost, "/agents", info, &out)
	return out, err
}

// Heartbeat refreshes the agent's last-seen time and inventory fields.
func (c *Client) Heartbeat(ctx context.Context, agentID string, hb HeartbeatInfo) error {
	return c.do(ctx, http.MethodPut, "/agents/"+agentID+"/heartbeat", hb, nil)
}

// Unregister marks the agent inactive on the manager; the record survives
// for event attribution. Called best-effort at shutdown.
func (c *Client) Unregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+agentID+"/unregister", nil, nil)
}

// SyncPolicies fetches the agent's policy bundle. When installedVersion
// already matches the server's, the response reports up_to_date and carries
// no bundle.
func (c *Client) SyncPolicies(ctx context.Context, agentID, platform, installedVersion string) (*policy.SyncResponse, error) {
	req := syncRequest{Platform: platform, InstalledVersion: installedVersion}
	var out policy.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/agents/"+agentID+"/policies/sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEvent uploads one event. An ErrRejected return means the event is
// permanently unacceptable and must be dropped, not retried.
func (c *Client) SendEvent(ctx context.Context, e *event.Event) error {
	return c.do(ctx, http.MethodPost, "/events", e, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.requestsTotal.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.failuresTotal.Add(1)
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("transport: decode response: %w", err)
			}
		}
		return nil
	}

	c.failuresTotal.Add(1)
	msg := readErrorBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrTransient, method, path, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, resp.StatusCode, msg)
	}
}

// readErrorBody extracts the "error" field of a JSON error response, falling
// back to the raw (truncated) body.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
