package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore is the single-node durable backend. It shares the column layout
// with PostgresStore but owns its schema because SQLite lacks the Postgres
// type names used in the migration files.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !hasSQLDriver("sqlite3") {
		return nil, errors.New("sqlite3 SQL driver is not linked; import github.com/mattn/go-sqlite3")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		classroom_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		grade_band TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		run_mode TEXT NOT NULL DEFAULT '',
		execution_mode TEXT NOT NULL DEFAULT '',
		grading_status TEXT NOT NULL DEFAULT '',
		policy_id TEXT NOT NULL DEFAULT '',
		progress_pct REAL NOT NULL DEFAULT 0,
		cells_executed INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		security_counts_json TEXT NOT NULL DEFAULT '{}',
		risk_level TEXT NOT NULL DEFAULT 'low',
		failure_reason TEXT NOT NULL DEFAULT '',
		attempts_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		time_spent_sec INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_student_template ON runs(student_id, template_id);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		session_token TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		notebook_checksum TEXT NOT NULL DEFAULT '',
		package_manifest_json TEXT NOT NULL DEFAULT '{}',
		last_applied_seq INTEGER NOT NULL DEFAULT 0,
		cells_executed INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		cpu_usage REAL NOT NULL DEFAULT 0,
		memory_usage REAL NOT NULL DEFAULT 0,
		disk_usage_mb REAL NOT NULL DEFAULT 0,
		log_tail TEXT NOT NULL DEFAULT '',
		sync_status TEXT NOT NULL DEFAULT '',
		end_reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		last_heartbeat_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_state ON sessions(agent_id, state);
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		classroom_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		trust_level TEXT NOT NULL DEFAULT 'pending',
		status TEXT NOT NULL DEFAULT 'offline',
		heartbeat_interval_seconds INTEGER NOT NULL DEFAULT 10,
		policy_id TEXT NOT NULL DEFAULT '',
		capabilities_json TEXT NOT NULL DEFAULT '[]',
		last_seen_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_device ON agents(device_id);
	CREATE INDEX IF NOT EXISTS idx_agents_classroom ON agents(classroom_id);
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		grade_band TEXT NOT NULL DEFAULT '',
		cpu_quota REAL NOT NULL DEFAULT 0,
		memory_quota_mb INTEGER NOT NULL DEFAULT 0,
		disk_quota_mb INTEGER NOT NULL DEFAULT 0,
		network_kbps INTEGER NOT NULL DEFAULT 0,
		allowed_packages_json TEXT NOT NULL DEFAULT '{}',
		blocked_packages_json TEXT NOT NULL DEFAULT '[]',
		security_settings_json TEXT NOT NULL DEFAULT '{}',
		idle_timeout_seconds INTEGER NOT NULL DEFAULT 0,
		max_session_duration_sec INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		effective_from TIMESTAMP,
		effective_to TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);
	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		event_timestamp TIMESTAMP NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		processed INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		error_text TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		sync_from_offline INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_unprocessed ON session_events(session_id, processed);
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		artifact_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'generating',
		checksum TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		storage_ref TEXT NOT NULL DEFAULT '',
		sync_from_offline INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		tenant TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		event_hash TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	counts, err := json.Marshal(secCounts(run.SecurityCounts))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TemplateID, run.StudentID, run.ClassroomID, run.TenantID, run.GradeBand, run.Status, run.RunMode, run.ExecutionMode, run.GradingStatus, run.PolicyID, run.ProgressPct, run.CellsExecuted, run.ErrorsCount, string(counts), run.RiskLevel, run.FailureReason, run.AttemptsCount, run.MaxAttempts, run.TimeSpentSec, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run RunRecord) error {
	run.UpdatedAt = time.Now().UTC()
	counts, err := json.Marshal(secCounts(run.SecurityCounts))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, run_mode=?, execution_mode=?, grading_status=?, policy_id=?, progress_pct=?, cells_executed=?, errors_count=?, security_counts_json=?, risk_level=?, failure_reason=?, attempts_count=?, max_attempts=?, time_spent_sec=?, started_at=?, completed_at=?, updated_at=?
		 WHERE id=?`,
		run.Status, run.RunMode, run.ExecutionMode, run.GradingStatus, run.PolicyID, run.ProgressPct, run.CellsExecuted, run.ErrorsCount, string(counts), run.RiskLevel, run.FailureReason, run.AttemptsCount, run.MaxAttempts, run.TimeSpentSec, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountRunsByStudentTemplate(ctx context.Context, studentID, templateID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE student_id=? AND template_id=?`, studentID, templateID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session SessionRecord) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	manifest, err := json.Marshal(pkgManifest(session.PackageManifest))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		session.ID, session.AgentID, session.RunID, session.SessionToken, session.State, session.NotebookChecksum, string(manifest), session.LastAppliedSeq, session.CellsExecuted, session.ErrorsCount, session.CPUUsage, session.MemoryUsage, session.DiskUsageMB, session.LogTail, session.SyncStatus, session.EndReason, nullTime(session.StartedAt), nullTime(session.EndedAt), nullTime(session.LastHeartbeatAt), session.CreatedAt, session.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, sessionID)
	sr, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return sr, true, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session SessionRecord) error {
	session.UpdatedAt = time.Now().UTC()
	manifest, err := json.Marshal(pkgManifest(session.PackageManifest))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state=?, notebook_checksum=?, package_manifest_json=?, last_applied_seq=?, cells_executed=?, errors_count=?, cpu_usage=?, memory_usage=?, disk_usage_mb=?, log_tail=?, sync_status=?, end_reason=?, started_at=?, ended_at=?, last_heartbeat_at=?, updated_at=?
		 WHERE id=?`,
		session.State, session.NotebookChecksum, string(manifest), session.LastAppliedSeq, session.CellsExecuted, session.ErrorsCount, session.CPUUsage, session.MemoryUsage, session.DiskUsageMB, session.LogTail, session.SyncStatus, session.EndReason, nullTime(session.StartedAt), nullTime(session.EndedAt), nullTime(session.LastHeartbeatAt), session.UpdatedAt, session.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionHeartbeat(ctx context.Context, sessionID string, seenAt time.Time, cpuUsage, memoryUsage float64, logTail string) error {
	if logTail != "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET last_heartbeat_at=?, cpu_usage=?, memory_usage=?, log_tail=?, updated_at=? WHERE id=?`,
			seenAt, cpuUsage, memoryUsage, logTail, time.Now().UTC(), sessionID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat_at=?, cpu_usage=?, memory_usage=?, updated_at=? WHERE id=?`,
		seenAt, cpuUsage, memoryUsage, time.Now().UTC(), sessionID,
	)
	return err
}

func (s *SQLiteStore) ListSessionsByRun(ctx context.Context, runID string) ([]SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE run_id=? ORDER BY id`, runID)
}

func (s *SQLiteStore) GetActiveSessionByAgent(ctx context.Context, agentID string) (SessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE agent_id=? AND state NOT IN ('completed','failed','cancelled','timeout')
		 LIMIT 1`, agentID,
	)
	sr, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return sr, true, nil
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state NOT IN ('completed','failed','cancelled','timeout') ORDER BY id`)
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SessionRecord, 0, 16)
	for rows.Next() {
		sr, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent AgentRecord) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastSeenAt.IsZero() {
		agent.LastSeenAt = now
	}
	agent.UpdatedAt = now
	caps, err := json.Marshal(strSlice(agent.Capabilities))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		 device_id=excluded.device_id,
		 classroom_id=excluded.classroom_id,
		 tenant_id=excluded.tenant_id,
		 trust_level=excluded.trust_level,
		 status=excluded.status,
		 heartbeat_interval_seconds=excluded.heartbeat_interval_seconds,
		 policy_id=excluded.policy_id,
		 capabilities_json=excluded.capabilities_json,
		 last_seen_at=excluded.last_seen_at,
		 updated_at=excluded.updated_at`,
		agent.ID, agent.DeviceID, agent.ClassroomID, agent.TenantID, agent.TrustLevel, agent.Status, agent.HeartbeatIntervalSeconds, agent.PolicyID, string(caps), agent.LastSeenAt, agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (AgentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	return a, true, nil
}

func (s *SQLiteStore) GetAgentByDevice(ctx context.Context, deviceID string) (AgentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE device_id=?`, deviceID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	return a, true, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
}

func (s *SQLiteStore) ListAgentsByClassroom(ctx context.Context, classroomID string) ([]AgentRecord, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE classroom_id=? ORDER BY id`, classroomID)
}

func (s *SQLiteStore) listAgents(ctx context.Context, query string, args ...any) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AgentRecord, 0, 32)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateAgentHeartbeat(ctx context.Context, agentID, status string, seenAt time.Time) error {
	if status != "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE agents SET status=?, last_seen_at=?, updated_at=? WHERE id=?`,
			status, seenAt, time.Now().UTC(), agentID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at=?, updated_at=? WHERE id=?`,
		seenAt, time.Now().UTC(), agentID,
	)
	return err
}

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, policy PolicyRecord) error {
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	allowed, err := json.Marshal(pkgManifest(policy.AllowedPackages))
	if err != nil {
		return err
	}
	blocked, err := json.Marshal(strSlice(policy.BlockedPackages))
	if err != nil {
		return err
	}
	settings, err := json.Marshal(strMap(policy.SecuritySettings))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (`+policyColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		 tenant_id=excluded.tenant_id,
		 grade_band=excluded.grade_band,
		 cpu_quota=excluded.cpu_quota,
		 memory_quota_mb=excluded.memory_quota_mb,
		 disk_quota_mb=excluded.disk_quota_mb,
		 network_kbps=excluded.network_kbps,
		 allowed_packages_json=excluded.allowed_packages_json,
		 blocked_packages_json=excluded.blocked_packages_json,
		 security_settings_json=excluded.security_settings_json,
		 idle_timeout_seconds=excluded.idle_timeout_seconds,
		 max_session_duration_sec=excluded.max_session_duration_sec,
		 priority=excluded.priority,
		 is_active=excluded.is_active,
		 effective_from=excluded.effective_from,
		 effective_to=excluded.effective_to`,
		policy.ID, policy.TenantID, policy.GradeBand, policy.CPUQuota, policy.MemoryQuotaMB, policy.DiskQuotaMB, policy.NetworkKbps, string(allowed), string(blocked), string(settings), policy.IdleTimeoutSeconds, policy.MaxSessionDurationSec, policy.Priority, policy.IsActive, nullTime(policy.EffectiveFrom), nullTime(policy.EffectiveTo), policy.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, policyID string) (PolicyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=?`, policyID)
	pol, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyRecord{}, false, nil
	}
	if err != nil {
		return PolicyRecord{}, false, err
	}
	return pol, true, nil
}

func (s *SQLiteStore) ListPoliciesByTenant(ctx context.Context, tenantID string) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id=? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PolicyRecord, 0, 8)
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event EventRecord) (EventRecord, bool, error) {
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	payload, err := json.Marshal(anyMap(event.Payload))
	if err != nil {
		return EventRecord{}, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (`+eventColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (session_id, sequence_number) DO NOTHING`,
		event.SessionID, event.SequenceNumber, event.EventType, string(payload), event.EventTimestamp, event.CorrelationID, event.Processed, event.Result, event.Error, event.RetryCount, event.SyncFromOffline, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return EventRecord{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return EventRecord{}, false, err
	}
	if rows == 0 {
		existing, ok, err := s.GetEvent(ctx, event.SessionID, event.SequenceNumber)
		if err != nil {
			return EventRecord{}, false, err
		}
		if !ok {
			return EventRecord{}, false, fmt.Errorf("event %s/%d vanished after conflict", event.SessionID, event.SequenceNumber)
		}
		return existing, false, nil
	}
	return event, true, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, sessionID string, sequenceNumber int64) (EventRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM session_events WHERE session_id=? AND sequence_number=?`,
		sessionID, sequenceNumber,
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EventRecord{}, false, nil
	}
	if err != nil {
		return EventRecord{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, event EventRecord) error {
	event.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_events SET processed=?, result=?, error_text=?, retry_count=?, updated_at=?
		 WHERE session_id=? AND sequence_number=?`,
		event.Processed, event.Result, event.Error, event.RetryCount, event.UpdatedAt, event.SessionID, event.SequenceNumber,
	)
	return err
}

func (s *SQLiteStore) ListUnprocessedEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM session_events
		 WHERE session_id=? AND processed=0
		 ORDER BY sequence_number`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]EventRecord, 0, 8)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, bool, error) {
	now := time.Now().UTC()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (session_id, sequence_number) DO NOTHING`,
		artifact.ID, artifact.RunID, artifact.SessionID, artifact.SequenceNumber, artifact.ArtifactType, artifact.Status, artifact.Checksum, artifact.SizeBytes, artifact.StorageRef, artifact.SyncFromOffline, artifact.ErrorMessage, artifact.CreatedAt, artifact.UpdatedAt,
	)
	if err != nil {
		return ArtifactRecord{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return ArtifactRecord{}, false, err
	}
	if rows == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE session_id=? AND sequence_number=?`,
			artifact.SessionID, artifact.SequenceNumber,
		)
		existing, err := scanArtifact(row)
		if err != nil {
			return ArtifactRecord{}, false, err
		}
		return existing, false, nil
	}
	return artifact, true, nil
}

func (s *SQLiteStore) UpdateArtifact(ctx context.Context, artifact ArtifactRecord) error {
	artifact.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status=?, checksum=?, size_bytes=?, storage_ref=?, error_message=?, updated_at=?
		 WHERE session_id=? AND sequence_number=?`,
		artifact.Status, artifact.Checksum, artifact.SizeBytes, artifact.StorageRef, artifact.ErrorMessage, artifact.UpdatedAt, artifact.SessionID, artifact.SequenceNumber,
	)
	return err
}

func (s *SQLiteStore) ListArtifactsByRun(ctx context.Context, runID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id=? ORDER BY session_id, sequence_number`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ArtifactRecord, 0, 8)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = s.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		event.Action, event.Actor, event.Tenant, event.RemoteAddr, event.Resource, event.PayloadHash, event.PrevHash, event.EventHash, event.Result, event.Details, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 12)
	if query.Action != "" {
		where = append(where, "action=?")
		args = append(args, query.Action)
	}
	if query.Actor != "" {
		where = append(where, "actor=?")
		args = append(args, query.Actor)
	}
	if query.Tenant != "" {
		where = append(where, "tenant=?")
		args = append(args, query.Tenant)
	}
	if query.Result != "" {
		where = append(where, "result=?")
		args = append(args, query.Result)
	}
	if !query.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, query.From)
	}
	if !query.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, query.To)
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at
		 FROM audit_events
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0, limit)
	for rows.Next() {
		var a AuditEventRecord
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.Tenant, &a.RemoteAddr, &a.Resource, &a.PayloadHash, &a.PrevHash, &a.EventHash, &a.Result, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
