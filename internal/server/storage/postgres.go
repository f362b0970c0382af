package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

const (
	// DefaultBatchSize is the buffered event count that triggers an automatic
	// flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered events are flushed even when
	// the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultHighWater is the buffered event count above which InsertEvent
	// returns ErrBusy.
	DefaultHighWater = 1000

	// DefaultLivenessWindow decides how recently an agent must have
	// heartbeated to be reported active.
	DefaultLivenessWindow = 5 * time.Minute
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	BatchSize      int
	FlushInterval  time.Duration
	HighWater      int
	LivenessWindow time.Duration
}

// Store is the PostgreSQL-backed storage layer for the CyberSentinel
// manager.
//
// Event ingestion is batched: InsertEvent accumulates rows in memory and
// flushes them in a single pgx.Batch round-trip either when the buffer
// reaches batchSize or when the background ticker fires. Buffered events
// remain visible to GetEventByID so idempotency holds across the flush
// boundary. Agent and policy operations execute immediately.
type Store struct {
	pool *pgxpool.Pool

	batchSize     int
	flushInterval time.Duration
	highWater     int
	liveness      time.Duration

	mu      sync.Mutex
	batch   []*event.Event
	pending map[string]*event.Event

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, applies the
// schema, and starts the background flush goroutine.
func New(ctx context.Context, connStr string, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		highWater:     opts.HighWater,
		liveness:      opts.LivenessWindow,
		batch:         make([]*event.Event, 0, opts.BatchSize),
		pending:       make(map[string]*event.Event),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// ddl is the schema, applied idempotently on open.
const ddl = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id        TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    hostname        TEXT,
    ip_address      TEXT,
    platform        TEXT,
    version         TEXT,
    policy_version  TEXT,
    queue_depth     INTEGER NOT NULL DEFAULT 0,
    registered_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
    unregistered_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS policies (
    policy_id   TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    config      JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
    event_id    TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_received ON events (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_agent    ON events (agent_id, received_at DESC);
`

// Ping verifies database connectivity. The readiness probe calls it per
// request.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops the flush goroutine, flushes remaining buffered events, and
// closes the pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// --- Events ---

// InsertEvent enqueues e for deferred batch insertion. It returns ErrBusy
// when the buffer is above the high-water mark; the caller should answer 503
// and let the agent redeliver. When the buffer reaches batchSize, Flush runs
// synchronously so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) InsertEvent(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	if len(s.batch) >= s.highWater {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d events buffered", ErrBusy, s.highWater)
	}
	s.batch = append(s.batch, e)
	s.pending[e.EventID] = e
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// PendingWrites reports the number of buffered, unflushed events.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// Flush drains the buffer in a single pgx.Batch round-trip. Rows conflicting
// on event_id are silently ignored, so replayed deliveries are harmless.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]*event.Event, 0, s.batchSize)
	for _, e := range toInsert {
		delete(s.pending, e.EventID)
	}
	s.mu.Unlock()

	const query = `
		INSERT INTO events (event_id, agent_id, event_type, severity, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`

	b := &pgx.Batch{}
	for _, e := range toInsert {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventID, err)
		}
		b.Queue(query, e.EventID, e.AgentID, e.EventType, string(e.Severity), e.Timestamp.Time, payload)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec event: %w", err)
		}
	}
	return nil
}

// GetEventByID returns the stored event, consulting the in-memory write
// buffer first so idempotency holds for events not yet flushed.
func (s *Store) GetEventByID(ctx context.Context, eventID string) (*event.Event, error) {
	s.mu.Lock()
	if e, ok := s.pending[eventID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM events WHERE event_id = $1`, eventID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	var e event.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &e, nil
}

// eventWhere builds the filter clause shared by QueryEvents and CountEvents.
// Placeholder numbering starts at idx.
func eventWhere(q EventQuery, idx int) (string, []any) {
	where := "WHERE TRUE"
	var args []any
	add := func(cond string, v any) {
		where += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, v)
		idx++
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Severity != "" {
		add("severity = $%d", q.Severity)
	}
	if !q.From.IsZero() {
		add("received_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("received_at < $%d", q.To)
	}
	if q.Search != "" {
		where += fmt.Sprintf(` AND (payload->>'file_path' ILIKE '%%' || $%d || '%%'
			OR payload->>'device_name' ILIKE '%%' || $%d || '%%'
			OR payload->>'description' ILIKE '%%' || $%d || '%%')`, idx, idx, idx)
		args = append(args, q.Search)
		idx++
	}
	return where, args
}

// QueryEvents returns events matching q, newest first, with the raw captured
// content stripped: queries only ever expose the redacted detected_content
// summaries.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]event.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where, filterArgs := eventWhere(q, 3)
	args := append([]any{q.Limit, q.Offset}, filterArgs...)

	sql := fmt.Sprintf(`
		SELECT payload
		FROM   events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		e.Content = ""
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents reports how many stored events match q, ignoring pagination.
// Paired with QueryEvents to report the full result-set size.
func (s *Store) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	where, args := eventWhere(q, 1)
	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM events "+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return total, nil
}

// EventStats aggregates the event log.
func (s *Store) EventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		BySeverity: make(map[string]int64),
		ByType:     make(map[string]int64),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, severity, COUNT(*)
		FROM   events
		GROUP  BY event_type, severity`)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, sev string
		var n int64
		if err := rows.Scan(&typ, &sev, &n); err != nil {
			return nil, fmt.Errorf("scan event stats: %w", err)
		}
		stats.Total += n
		stats.ByType[typ] += n
		if sev != "" {
			stats.BySeverity[sev] += n
		}
	}
	return stats, rows.Err()
}

// --- Agents ---

// UpsertAgent registers an agent or, on conflict, refreshes its mutable
// fields. Registration is how an agent re-announces itself after a restart,
// so conflicts are the common case. Re-enrolling clears any unregister mark.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (agent_id, name, hostname, ip_address, platform, version, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			name            = EXCLUDED.name,
			hostname        = EXCLUDED.hostname,
			ip_address      = EXCLUDED.ip_address,
			platform        = EXCLUDED.platform,
			version         = EXCLUDED.version,
			last_seen       = now(),
			unregistered_at = NULL
		RETURNING agent_id, name, hostname, ip_address, platform, version,
		          policy_version, queue_depth, registered_at, last_seen, unregistered_at`,
		a.AgentID, a.Name,
		nullableStr(a.Hostname), nullableStr(a.IPAddress),
		nullableStr(a.Platform), nullableStr(a.Version))
	out, err := s.scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
	}
	return out, nil
}

// UpdateHeartbeat refreshes last_seen and the inventory fields. Unknown
// agents get ErrNotFound so they know to re-register.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID string, hb Heartbeat) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET
			hostname       = COALESCE(NULLIF($2, ''), hostname),
			ip_address     = COALESCE(NULLIF($3, ''), ip_address),
			platform       = COALESCE(NULLIF($4, ''), platform),
			version        = COALESCE(NULLIF($5, ''), version),
			policy_version = COALESCE(NULLIF($6, ''), policy_version),
			queue_depth    = $7,
			last_seen      = now()
		WHERE agent_id = $1`,
		agentID, hb.Hostname, hb.IPAddress, hb.Platform, hb.Version, hb.PolicyVersion, hb.QueueDepth)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// GetAgent returns one agent with its liveness status computed.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, name, hostname, ip_address, platform, version,
		       policy_version, queue_depth, registered_at, last_seen, unregistered_at
		FROM   agents
		WHERE  agent_id = $1`, agentID)
	a, err := s.scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns agents ordered by name, optionally filtered by computed
// liveness status. The filter runs in SQL so LIMIT and OFFSET paginate the
// filtered set, not the whole table.
func (s *Store) ListAgents(ctx context.Context, q AgentQuery) ([]Agent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := "WHERE TRUE"
	args := []any{q.Limit, q.Offset}
	switch q.Status {
	case AgentStatusActive:
		where += " AND unregistered_at IS NULL AND last_seen >= now() - make_interval(secs => $3)"
		args = append(args, s.liveness.Seconds())
	case AgentStatusInactive:
		where += " AND (unregistered_at IS NOT NULL OR last_seen < now() - make_interval(secs => $3))"
		args = append(args, s.liveness.Seconds())
	}

	sql := fmt.Sprintf(`
		SELECT agent_id, name, hostname, ip_address, platform, version,
		       policy_version, queue_depth, registered_at, last_seen, unregistered_at
		FROM   agents
		%s
		ORDER  BY name, agent_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UnregisterAgent marks an agent inactive. The row is retained so historical
// events keep their attribution; re-registering the same agent_id reactivates
// it.
func (s *Store) UnregisterAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET unregistered_at = now() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("unregister agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// --- Policies ---

// CreatePolicy inserts a new policy. The caller generates the id; a
// collision returns ErrDuplicate.
func (s *Store) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO policies (policy_id, name, description, type, severity, priority, enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, string(p.Type), string(p.Severity),
		p.Priority, p.Enabled, []byte(p.Config),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUnique(err) {
		return fmt.Errorf("policy %s: %w", p.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create policy %s: %w", p.ID, err)
	}
	return nil
}

// GetPolicy fetches one policy.
func (s *Store) GetPolicy(ctx context.Context, policyID string) (*policy.Policy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT policy_id, name, description, type, severity, priority, enabled, config, created_at, updated_at
		FROM   policies
		WHERE  policy_id = $1`, policyID)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", policyID, err)
	}
	return p, nil
}

// ListPolicies returns policies matching q ordered by priority then id, the
// same deterministic order bundle assembly uses.
func (s *Store) ListPolicies(ctx context.Context, q PolicyQuery) ([]policy.Policy, error) {
	where := "WHERE TRUE"
	var args []any
	idx := 1
	if q.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, q.Type)
		idx++
	}
	if q.Enabled != nil {
		where += fmt.Sprintf(" AND enabled = $%d", idx)
		args = append(args, *q.Enabled)
		idx++
	}
	sql := fmt.Sprintf(`
		SELECT policy_id, name, description, type, severity, priority, enabled, config, created_at, updated_at
		FROM   policies
		%s
		ORDER  BY priority, policy_id`, where)
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// UpdatePolicy replaces all mutable fields and bumps updated_at, which in
// turn changes the bundle version agents see.
func (s *Store) UpdatePolicy(ctx context.Context, p *policy.Policy) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE policies SET
			name        = $2,
			description = $3,
			type        = $4,
			severity    = $5,
			priority    = $6,
			enabled     = $7,
			config      = $8,
			updated_at  = now()
		WHERE policy_id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.Description, string(p.Type), string(p.Severity),
		p.Priority, p.Enabled, []byte(p.Config),
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update policy %s: %w", p.ID, err)
	}
	return nil
}

// SetPolicyEnabled flips the enabled flag and bumps updated_at.
func (s *Store) SetPolicyEnabled(ctx context.Context, policyID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE policies SET enabled = $2, updated_at = now() WHERE policy_id = $1`,
		policyID, enabled)
	if err != nil {
		return fmt.Errorf("set policy %s enabled=%t: %w", policyID, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, policyID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE policy_id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// PolicyStats aggregates the policy store.
func (s *Store) PolicyStats(ctx context.Context) (*PolicyStats, error) {
	stats := &PolicyStats{ByType: make(map[string]int64)}
	rows, err := s.pool.Query(ctx, `
		SELECT type, enabled, COUNT(*) FROM policies GROUP BY type, enabled`)
	if err != nil {
		return nil, fmt.Errorf("policy stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var enabled bool
		var n int64
		if err := rows.Scan(&typ, &enabled, &n); err != nil {
			return nil, fmt.Errorf("scan policy stats: %w", err)
		}
		stats.Total += n
		stats.ByType[typ] += n
		if enabled {
			stats.Enabled += n
		} else {
			stats.Disabled += n
		}
	}
	return stats, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var hostname, ip, platform, version, policyVersion *string
	err := row.Scan(
		&a.AgentID, &a.Name,
		&hostname, &ip, &platform, &version, &policyVersion,
		&a.QueueDepth, &a.RegisteredAt, &a.LastSeen, &a.UnregisteredAt,
	)
	if err != nil {
		return nil, err
	}
	a.Hostname = deref(hostname)
	a.IPAddress = deref(ip)
	a.Platform = deref(platform)
	a.Version = deref(version)
	a.PolicyVersion = deref(policyVersion)
	a.Status = AgentStatusInactive
	if a.UnregisteredAt == nil && time.Since(a.LastSeen) < s.liveness {
		a.Status = AgentStatusActive
	}
	return &a, nil
}

func scanPolicy(row scanner) (*policy.Policy, error) {
	var p policy.Policy
	var typ, severity string
	var config []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description,
		&typ, &severity, &p.Priority, &p.Enabled,
		&config, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Type = policy.Type(typ)
	p.Severity = policy.Severity(severity)
	p.Config = config
	return &p, nil
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullableStr converts an empty string to nil, which pgx stores as SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
