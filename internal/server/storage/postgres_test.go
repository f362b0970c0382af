//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/server/storage"
)

// setupDB starts a PostgreSQL container and opens a Store against it. The
// schema is applied by storage.New. Batch size 10 and a 50 ms flush interval
// keep the batching paths exercisable without long sleeps.
func setupDB(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("dlp_test"),
		tcpostgres.WithUsername("dlp"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := storage.New(ctx, connStr, storage.Options{
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close(ctx) })
	return store
}

func testAgent(suffix string) storage.Agent {
	return storage.Agent{
		AgentID:   "agent-" + suffix,
		Name:      "host-" + suffix,
		Hostname:  "host-" + suffix + ".corp",
		IPAddress: "10.0.0.1",
		Platform:  "linux",
		Version:   "1.0.0",
	}
}

func testPolicy(id string, priority int) *policy.Policy {
	return &policy.Policy{
		ID:       id,
		Name:     "policy " + id,
		Type:     policy.TypeFileSystem,
		Severity: policy.SeverityHigh,
		Priority: priority,
		Enabled:  true,
		Config: json.RawMessage(
			`{"monitoredPaths":["/data"],"patterns":{"predefined":["email"]},"action":"alert"}`),
	}
}

func testEvent(id string) *event.Event {
	return &event.Event{
		EventID:      id,
		AgentID:      "agent-events",
		EventType:    event.TypeFile,
		EventSubtype: event.SubtypeFileCreated,
		Severity:     policy.SeverityHigh,
		FilePath:     "/data/payroll.csv",
		Content:      "captured sensitive content",
		Timestamp:    event.At(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func TestAgentUpsertAndGet(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	a := testAgent("001")
	created, err := store.UpsertAgent(ctx, a)
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if created.RegisteredAt.IsZero() || created.LastSeen.IsZero() {
		t.Error("timestamps not populated on insert")
	}
	if created.Status != storage.AgentStatusActive {
		t.Errorf("status = %q, want active right after registration", created.Status)
	}

	got, err := store.GetAgent(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Hostname != a.Hostname || got.Platform != a.Platform {
		t.Errorf("agent = %+v", got)
	}
}

func TestAgentUpsertRefreshesExisting(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	a := testAgent("002")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("initial UpsertAgent: %v", err)
	}

	a.Version = "1.1.0"
	a.IPAddress = "10.0.0.2"
	updated, err := store.UpsertAgent(ctx, a)
	if err != nil {
		t.Fatalf("re-register UpsertAgent: %v", err)
	}
	if updated.Version != "1.1.0" || updated.IPAddress != "10.0.0.2" {
		t.Errorf("agent after re-register = %+v", updated)
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	a := testAgent("003")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	hb := storage.Heartbeat{PolicyVersion: "v7", QueueDepth: 4}
	if err := store.UpdateHeartbeat(ctx, a.AgentID, hb); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	got, err := store.GetAgent(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.PolicyVersion != "v7" || got.QueueDepth != 4 {
		t.Errorf("heartbeat fields = (%q, %d)", got.PolicyVersion, got.QueueDepth)
	}
	// An empty inventory field must not blank the stored value.
	if got.Hostname != a.Hostname {
		t.Errorf("Hostname = %q, was blanked by an empty heartbeat field", got.Hostname)
	}

	if err := store.UpdateHeartbeat(ctx, "ghost", hb); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("heartbeat for unknown agent: %v, want ErrNotFound", err)
	}
}

func TestUnregisterAgent(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	a := testAgent("004")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.UnregisterAgent(ctx, a.AgentID); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}

	// The row survives for event attribution; the agent just goes inactive.
	got, err := store.GetAgent(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("GetAgent after unregister: %v", err)
	}
	if got.Status != storage.AgentStatusInactive {
		t.Errorf("status = %q, want inactive after unregister", got.Status)
	}
	if got.UnregisteredAt == nil {
		t.Error("unregistered_at not recorded")
	}

	// Re-enrolling the same agent id clears the unregistration.
	back, err := store.UpsertAgent(ctx, a)
	if err != nil {
		t.Fatalf("re-register UpsertAgent: %v", err)
	}
	if back.Status != storage.AgentStatusActive || back.UnregisteredAt != nil {
		t.Errorf("agent after re-register = %+v, want active again", back)
	}

	if err := store.UnregisterAgent(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UnregisterAgent(ghost): %v, want ErrNotFound", err)
	}
}

func TestListAgents(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	for _, s := range []string{"005", "006"} {
		if _, err := store.UpsertAgent(ctx, testAgent(s)); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}

	agents, err := store.ListAgents(ctx, storage.AgentQuery{})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("want 2 agents, got %d", len(agents))
	}

	active, err := store.ListAgents(ctx, storage.AgentQuery{Status: storage.AgentStatusActive})
	if err != nil {
		t.Fatalf("ListAgents(active): %v", err)
	}
	if len(active) != 2 {
		t.Errorf("want 2 active agents, got %d", len(active))
	}
	inactive, err := store.ListAgents(ctx, storage.AgentQuery{Status: storage.AgentStatusInactive})
	if err != nil {
		t.Fatalf("ListAgents(inactive): %v", err)
	}
	if len(inactive) != 0 {
		t.Errorf("want 0 inactive agents, got %d", len(inactive))
	}

	// The status filter runs in SQL, so pagination applies after it: with
	// one of two agents unregistered, limit 1 must still return the one
	// remaining active agent.
	if err := store.UnregisterAgent(ctx, "agent-005"); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	active, err = store.ListAgents(ctx, storage.AgentQuery{Status: storage.AgentStatusActive, Limit: 1})
	if err != nil {
		t.Fatalf("ListAgents(active, limit 1): %v", err)
	}
	if len(active) != 1 || active[0].AgentID != "agent-006" {
		t.Errorf("filtered page = %v, want exactly agent-006", agentIDs(active))
	}
	inactive, err = store.ListAgents(ctx, storage.AgentQuery{Status: storage.AgentStatusInactive})
	if err != nil {
		t.Fatalf("ListAgents(inactive): %v", err)
	}
	if len(inactive) != 1 || inactive[0].AgentID != "agent-005" {
		t.Errorf("inactive = %v, want exactly agent-005", agentIDs(inactive))
	}
}

func agentIDs(as []storage.Agent) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.AgentID
	}
	return out
}

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

func TestPolicyCRUD(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	p := testPolicy("p-001", 0)
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Error("timestamps not populated on create")
	}
	if err := store.CreatePolicy(ctx, testPolicy("p-001", 0)); !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("duplicate CreatePolicy: %v, want ErrDuplicate", err)
	}

	got, err := store.GetPolicy(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Name != p.Name || got.Type != policy.TypeFileSystem {
		t.Errorf("policy = %+v", got)
	}

	before := got.UpdatedAt
	time.Sleep(10 * time.Millisecond)
	p.Name = "renamed"
	if err := store.UpdatePolicy(ctx, p); err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}
	if !p.UpdatedAt.After(before) {
		t.Error("UpdatePolicy did not bump updated_at")
	}

	if err := store.DeletePolicy(ctx, p.ID); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if _, err := store.GetPolicy(ctx, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPolicy after delete: %v, want ErrNotFound", err)
	}
}

func TestSetPolicyEnabled(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	p := testPolicy("p-002", 0)
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if err := store.SetPolicyEnabled(ctx, p.ID, false); err != nil {
		t.Fatalf("SetPolicyEnabled: %v", err)
	}

	got, err := store.GetPolicy(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Enabled {
		t.Error("policy still enabled after disable")
	}
	if !got.UpdatedAt.After(p.UpdatedAt) {
		t.Error("toggle did not bump updated_at, bundle versions will not change")
	}

	if err := store.SetPolicyEnabled(ctx, "ghost", true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("toggle unknown policy: %v, want ErrNotFound", err)
	}
}

func TestListPolicies_FiltersAndOrder(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	high := testPolicy("p-high", 1)
	low := testPolicy("p-low", 5)
	clip := testPolicy("p-clip", 3)
	clip.Type = policy.TypeClipboard
	clip.Config = json.RawMessage(`{"patterns":{"predefined":["email"]},"action":"block"}`)
	clip.Enabled = false
	for _, p := range []*policy.Policy{low, clip, high} {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("CreatePolicy %s: %v", p.ID, err)
		}
	}

	all, err := store.ListPolicies(ctx, storage.PolicyQuery{})
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(all) != 3 || all[0].ID != "p-high" || all[2].ID != "p-low" {
		t.Errorf("order = %v, want priority ascending", ids(all))
	}

	files, err := store.ListPolicies(ctx, storage.PolicyQuery{Type: string(policy.TypeFileSystem)})
	if err != nil {
		t.Fatalf("ListPolicies(type): %v", err)
	}
	if len(files) != 2 {
		t.Errorf("want 2 file policies, got %d", len(files))
	}

	enabled := true
	on, err := store.ListPolicies(ctx, storage.PolicyQuery{Enabled: &enabled})
	if err != nil {
		t.Fatalf("ListPolicies(enabled): %v", err)
	}
	if len(on) != 2 {
		t.Errorf("want 2 enabled policies, got %d", len(on))
	}
}

func TestPolicyStats(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	p1 := testPolicy("p-001", 0)
	p2 := testPolicy("p-002", 0)
	p2.Enabled = false
	for _, p := range []*policy.Policy{p1, p2} {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("CreatePolicy: %v", err)
		}
	}

	stats, err := store.PolicyStats(ctx)
	if err != nil {
		t.Fatalf("PolicyStats: %v", err)
	}
	if stats.Total != 2 || stats.Enabled != 1 || stats.Disabled != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByType[string(policy.TypeFileSystem)] != 2 {
		t.Errorf("ByType = %v", stats.ByType)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestInsertEvent_FlushOnSize(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	// batchSize is 10 in setupDB; inserting 10 triggers a synchronous flush.
	for i := 0; i < 10; i++ {
		if err := store.InsertEvent(ctx, testEvent(fmt.Sprintf("e-%03d", i))); err != nil {
			t.Fatalf("InsertEvent[%d]: %v", i, err)
		}
	}
	if n := store.PendingWrites(); n != 0 {
		t.Errorf("PendingWrites = %d after a size-based flush, want 0", n)
	}

	events, err := store.QueryEvents(ctx, storage.EventQuery{AgentID: "agent-events", Limit: 100})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("want 10 events, got %d", len(events))
	}
}

func TestInsertEvent_FlushOnInterval(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	// One event stays under the batch threshold; the 50 ms ticker flushes it.
	if err := store.InsertEvent(ctx, testEvent("e-tick")); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	events, err := store.QueryEvents(ctx, storage.EventQuery{AgentID: "agent-events", Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 event, got %d", len(events))
	}
}

func TestGetEventByID_SeesUnflushedWrites(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	e := testEvent("e-pending")
	if err := store.InsertEvent(ctx, e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	// Idempotency must hold before the batch reaches the database.
	got, err := store.GetEventByID(ctx, e.EventID)
	if err != nil {
		t.Fatalf("GetEventByID while buffered: %v", err)
	}
	if got.EventID != e.EventID {
		t.Errorf("EventID = %q", got.EventID)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err = store.GetEventByID(ctx, e.EventID)
	if err != nil {
		t.Fatalf("GetEventByID after flush: %v", err)
	}
	if got.FilePath != e.FilePath {
		t.Errorf("stored event = %+v", got)
	}

	if _, err := store.GetEventByID(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetEventByID(ghost): %v, want ErrNotFound", err)
	}
}

func TestInsertEvent_ReplayedIDIsHarmless(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	if err := store.InsertEvent(ctx, testEvent("e-dup")); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// A redelivery that slipped past the dedup check must not fail the batch.
	if err := store.InsertEvent(ctx, testEvent("e-dup")); err != nil {
		t.Fatalf("replayed InsertEvent: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush after replay: %v", err)
	}

	events, err := store.QueryEvents(ctx, storage.EventQuery{AgentID: "agent-events", Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 event after replay, got %d", len(events))
	}
}

func TestQueryEvents_FiltersAndRedaction(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	e1 := testEvent("e-001")
	e2 := testEvent("e-002")
	e2.Severity = policy.SeverityLow
	e2.EventType = event.TypeClipboard
	e2.FilePath = ""
	e2.Description = "clipboard copy from payroll window"
	for _, e := range []*event.Event{e1, e2} {
		if err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	high, err := store.QueryEvents(ctx, storage.EventQuery{Severity: string(policy.SeverityHigh), Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents(severity): %v", err)
	}
	if len(high) != 1 || high[0].EventID != "e-001" {
		t.Errorf("severity filter = %v", ids2(high))
	}

	found, err := store.QueryEvents(ctx, storage.EventQuery{Search: "payroll", Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents(search): %v", err)
	}
	if len(found) != 2 {
		t.Errorf("search matched %d events, want 2 (file_path and description)", len(found))
	}

	// Raw captured content never leaves the store through queries.
	for _, e := range found {
		if e.Content != "" {
			t.Errorf("event %s: content present in query result", e.EventID)
		}
	}

	// CountEvents ignores pagination but honors the same filters.
	total, err := store.CountEvents(ctx, storage.EventQuery{Search: "payroll", Limit: 1})
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if total != 2 {
		t.Errorf("CountEvents = %d, want 2", total)
	}
}

func TestEventStats(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	e1 := testEvent("e-001")
	e2 := testEvent("e-002")
	e2.EventType = event.TypeClipboard
	e2.Severity = policy.SeverityCritical
	for _, e := range []*event.Event{e1, e2} {
		if err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats, err := store.EventStats(ctx)
	if err != nil {
		t.Fatalf("EventStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.BySeverity[string(policy.SeverityCritical)] != 1 {
		t.Errorf("BySeverity = %v", stats.BySeverity)
	}
	if stats.ByType[string(event.TypeClipboard)] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
}

func ids(ps []policy.Policy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func ids2(es []event.Event) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.EventID
	}
	return out
}
