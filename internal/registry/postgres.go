package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aetherpro/fabric/internal/fabric"
)

// PostgresRegistry is the durable Registry variant. Manifests, capability
// rows, probe history, and call audit logs survive restarts.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and runs migrations.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresRegistry, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	r := &PostgresRegistry{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) migrate(ctx context.Context) error {
	stmts := []string{
		`DO $$ BEGIN
			CREATE TYPE agent_status AS ENUM ('online', 'offline', 'degraded', 'unknown');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
		`DO $$ BEGIN
			CREATE TYPE trust_tier AS ENUM ('local', 'org', 'public');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			version       TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			runtime_kind  TEXT NOT NULL,
			endpoint_transport TEXT NOT NULL DEFAULT 'http',
			endpoint_uri  TEXT NOT NULL DEFAULT '',
			tags          TEXT[] NOT NULL DEFAULT '{}',
			trust_tier    trust_tier NOT NULL DEFAULT 'org',
			status        agent_status NOT NULL DEFAULT 'unknown',
			last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			extra         JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			agent_id       TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			name           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			streaming      BOOLEAN NOT NULL DEFAULT FALSE,
			modalities     TEXT[] NOT NULL DEFAULT '{}',
			input_schema   JSONB,
			output_schema  JSONB,
			max_timeout_ms INT NOT NULL DEFAULT 60000,
			position       INT NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			tool_id      TEXT PRIMARY KEY,
			category     TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			capabilities JSONB NOT NULL,
			provider     TEXT NOT NULL DEFAULT 'builtin'
		)`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			id         BIGSERIAL PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			status     agent_status NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			checked_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_agent ON health_checks (agent_id, checked_at DESC)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			id           BIGSERIAL PRIMARY KEY,
			trace_id     TEXT NOT NULL,
			target_type  TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			request      JSONB,
			response     JSONB,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_trace ON call_logs (trace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *PostgresRegistry) Register(ctx context.Context, m *fabric.AgentManifest) error {
	if m.AgentID == "" {
		return fabric.E(fabric.ErrBadInput, "manifest missing agent_id")
	}
	status := m.Status
	if status == "" {
		status = fabric.StatusUnknown
	}
	tier := m.TrustTier
	if tier == "" {
		tier = fabric.TierOrg
	}
	lastSeen := m.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	var extra []byte
	if m.Extra != nil {
		extra, _ = json.Marshal(m.Extra)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO agents (agent_id, display_name, version, description, runtime_kind,
			endpoint_transport, endpoint_uri, tags, trust_tier, status, last_seen_at, extra)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (agent_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			version = EXCLUDED.version,
			description = EXCLUDED.description,
			runtime_kind = EXCLUDED.runtime_kind,
			endpoint_transport = EXCLUDED.endpoint_transport,
			endpoint_uri = EXCLUDED.endpoint_uri,
			tags = EXCLUDED.tags,
			trust_tier = EXCLUDED.trust_tier,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			extra = EXCLUDED.extra`,
		m.AgentID, m.DisplayName, m.Version, m.Description, string(m.RuntimeKind),
		m.Endpoint.Transport, m.Endpoint.URI, m.Tags, string(tier), string(status), lastSeen, extra)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM capabilities WHERE agent_id = $1`, m.AgentID); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}
	for i, c := range m.Capabilities {
		maxTimeout := c.MaxTimeoutMS
		if maxTimeout <= 0 {
			maxTimeout = fabric.DefaultCapabilityTimeoutMS
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO capabilities (agent_id, name, description, streaming, modalities,
				input_schema, output_schema, max_timeout_ms, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			m.AgentID, c.Name, c.Description, c.Streaming, c.Modalities,
			[]byte(c.InputSchema), []byte(c.OutputSchema), maxTimeout, i)
		if err != nil {
			return fmt.Errorf("register capability %q: %w", c.Name, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRegistry) Deregister(ctx context.Context, agentID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, agentID string) (*fabric.AgentManifest, error) {
	agents, err := r.query(ctx, `WHERE a.agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	return agents[0], nil
}

func (r *PostgresRegistry) List(ctx context.Context, f Filter) ([]*fabric.AgentManifest, error) {
	agents, err := r.query(ctx, ``)
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, m := range agents {
		if matches(m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (r *PostgresRegistry) query(ctx context.Context, where string, args ...any) ([]*fabric.AgentManifest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.agent_id, a.display_name, a.version, a.description, a.runtime_kind,
			a.endpoint_transport, a.endpoint_uri, a.tags, a.trust_tier, a.status,
			a.last_seen_at, a.extra
		FROM agents a `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*fabric.AgentManifest
	for rows.Next() {
		var (
			m           fabric.AgentManifest
			runtimeKind string
			tier        string
			status      string
			extra       []byte
		)
		if err := rows.Scan(&m.AgentID, &m.DisplayName, &m.Version, &m.Description,
			&runtimeKind, &m.Endpoint.Transport, &m.Endpoint.URI, &m.Tags,
			&tier, &status, &m.LastSeenAt, &extra); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		m.RuntimeKind = fabric.RuntimeKind(runtimeKind)
		m.TrustTier = fabric.TrustTier(tier)
		m.Status = fabric.AgentStatus(status)
		if len(extra) > 0 {
			_ = json.Unmarshal(extra, &m.Extra)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}

	for _, m := range out {
		caps, err := r.queryCapabilities(ctx, m.AgentID)
		if err != nil {
			return nil, err
		}
		m.Capabilities = caps
	}
	return out, nil
}

func (r *PostgresRegistry) queryCapabilities(ctx context.Context, agentID string) ([]fabric.CapabilityDescriptor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, description, streaming, modalities, input_schema, output_schema, max_timeout_ms
		FROM capabilities WHERE agent_id = $1 ORDER BY position`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var caps []fabric.CapabilityDescriptor
	for rows.Next() {
		var (
			c             fabric.CapabilityDescriptor
			input, output []byte
		)
		if err := rows.Scan(&c.Name, &c.Description, &c.Streaming, &c.Modalities,
			&input, &output, &c.MaxTimeoutMS); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		c.InputSchema = json.RawMessage(input)
		c.OutputSchema = json.RawMessage(output)
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (r *PostgresRegistry) FindByCapability(ctx context.Context, capability string) ([]Candidate, error) {
	agents, err := r.List(ctx, Filter{Capability: capability})
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, len(agents))
	for i, m := range agents {
		cands[i] = Candidate{AgentID: m.AgentID, Priority: i}
	}
	return cands, nil
}

func (r *PostgresRegistry) UpdateStatus(ctx context.Context, agentID string, status fabric.AgentStatus, lastSeen time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET status = $2, last_seen_at = $3
		WHERE agent_id = $1 AND last_seen_at <= $3`,
		agentID, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown agent or a stale probe. Distinguish for callers.
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)`, agentID).Scan(&exists); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !exists {
			return fabric.E(fabric.ErrAgentNotFound, "agent %q is not registered", agentID)
		}
	}
	return nil
}

func (r *PostgresRegistry) Heartbeat(ctx context.Context, agentID string) error {
	return r.UpdateStatus(ctx, agentID, fabric.StatusOnline, time.Now().UTC())
}

func (r *PostgresRegistry) CountByStatus(ctx context.Context) (map[fabric.AgentStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[fabric.AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[fabric.AgentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRegistry) RecordHealthCheck(ctx context.Context, hc HealthCheck) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO health_checks (agent_id, status, latency_ms, checked_at)
		VALUES ($1,$2,$3,$4)`,
		hc.AgentID, string(hc.Status), hc.LatencyMS, hc.CheckedAt)
	if err != nil {
		return fmt.Errorf("record health check: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) RecordCall(ctx context.Context, cl CallLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_logs (trace_id, target_type, target_id, request, response, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cl.TraceID, cl.TargetType, cl.TargetID, []byte(cl.Request), []byte(cl.Response),
		cl.StartedAt, cl.CompletedAt)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}
