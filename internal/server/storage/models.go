// Package storage provides the PostgreSQL-backed persistence layer for the
// CyberSentinel manager. It exposes typed model structs for the agents,
// policies, and events tables and a Store that wraps a pgxpool connection
// pool with a batched event-insert path.
package storage

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store operations. Callers branch on these with
// errors.Is; the wrapped messages carry the identifiers involved.
var (
	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate reports an insert that violated a uniqueness constraint
	// (agent_id, policy_id, event_id).
	ErrDuplicate = errors.New("already exists")

	// ErrBusy reports that the event write buffer is above its high-water
	// mark. Ingestion surfaces it as 503 with Retry-After so agents back off
	// and redeliver.
	ErrBusy = errors.New("event ingestion busy")
)

// Agent statuses. Status is derived at query time, never stored: an agent is
// active when it heartbeated within the liveness window and has not
// unregistered.
const (
	AgentStatusActive   = "active"
	AgentStatusInactive = "inactive"
)

// Agent maps to the agents table.
type Agent struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`

	// PolicyVersion and QueueDepth are refreshed by heartbeats.
	PolicyVersion string `json:"policy_version,omitempty"`
	QueueDepth    int    `json:"queue_depth"`

	// Status is computed against the liveness window and the unregister mark
	// when the row is read.
	Status string `json:"status"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	// UnregisteredAt is set by UnregisterAgent. The row is retained so
	// historical events keep their attribution; re-enrolling clears it.
	UnregisteredAt *time.Time `json:"unregistered_at,omitempty"`
}

// Heartbeat carries the mutable inventory fields an agent refreshes.
type Heartbeat struct {
	Hostname      string
	IPAddress     string
	Platform      string
	Version       string
	PolicyVersion string
	QueueDepth    int
}

// AgentQuery filters ListAgents.
type AgentQuery struct {
	// Status filters on the computed liveness status ("active" or
	// "inactive"). Empty returns all.
	Status string

	Limit  int
	Offset int
}

// PolicyQuery filters ListPolicies.
type PolicyQuery struct {
	// Type restricts to one policy family. Empty returns all.
	Type string

	// Enabled, when non-nil, restricts to enabled or disabled policies.
	Enabled *bool

	Limit  int
	Offset int
}

// PolicyStats summarises the policy store for the stats endpoint.
type PolicyStats struct {
	Total    int64            `json:"total"`
	Enabled  int64            `json:"enabled"`
	Disabled int64            `json:"disabled"`
	ByType   map[string]int64 `json:"by_type"`
}

// EventQuery filters QueryEvents. Zero time bounds are open-ended.
type EventQuery struct {
	AgentID   string
	EventType string
	Severity  string

	// Search matches a substring of file_path, device_name, or description.
	Search string

	From time.Time
	To   time.Time

	Limit  int
	Offset int
}

// EventStats summarises the event log for the stats endpoint.
type EventStats struct {
	Total      int64            `json:"total"`
	BySeverity map[string]int64 `json:"by_severity"`
	ByType     map[string]int64 `json:"by_type"`
}
