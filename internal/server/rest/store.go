package rest

import (
	"context"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	Ping(ctx context.Context) error

	UpsertAgent(ctx context.Context, a storage.Agent) (*storage.Agent, error)
	UpdateHeartbeat(ctx context.Context, agentID string, hb storage.Heartbeat) error
	GetAgent(ctx context.Context, agentID string) (*storage.Agent, error)
	ListAgents(ctx context.Context, q storage.AgentQuery) ([]storage.Agent, error)
	UnregisterAgent(ctx context.Context, agentID string) error

	CreatePolicy(ctx context.Context, p *policy.Policy) error
	GetPolicy(ctx context.Context, policyID string) (*policy.Policy, error)
	ListPolicies(ctx context.Context, q storage.PolicyQuery) ([]policy.Policy, error)
	UpdatePolicy(ctx context.Context, p *policy.Policy) error
	SetPolicyEnabled(ctx context.Context, policyID string, enabled bool) error
	DeletePolicy(ctx context.Context, policyID string) error
	PolicyStats(ctx context.Context) (*storage.PolicyStats, error)

	QueryEvents(ctx context.Context, q storage.EventQuery) ([]event.Event, error)
	CountEvents(ctx context.Context, q storage.EventQuery) (int64, error)
	EventStats(ctx context.Context) (*storage.EventStats, error)
}

// Ingestor is the event intake pipeline. Satisfied by *ingest.Ingestor.
type Ingestor interface {
	Ingest(ctx context.Context, e *event.Event) (*event.Event, bool, error)
}

// BundleAssembler answers policy sync requests. Satisfied by
// *bundle.Assembler.
type BundleAssembler interface {
	Sync(platform, currentVersion string, policies []policy.Policy) *policy.SyncResponse
}
