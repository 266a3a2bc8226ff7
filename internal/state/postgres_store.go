package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/example/labcoord/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const runColumns = `id, template_id, student_id, classroom_id, tenant_id, grade_band, status, run_mode, execution_mode, grading_status, policy_id, progress_pct, cells_executed, errors_count, security_counts_json, risk_level, failure_reason, attempts_count, max_attempts, time_spent_sec, started_at, completed_at, created_at, updated_at`

func (p *PostgresStore) CreateRun(ctx context.Context, run RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	counts, err := json.Marshal(secCounts(run.SecurityCounts))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		run.ID, run.TemplateID, run.StudentID, run.ClassroomID, run.TenantID, run.GradeBand, run.Status, run.RunMode, run.ExecutionMode, run.GradingStatus, run.PolicyID, run.ProgressPct, run.CellsExecuted, run.ErrorsCount, string(counts), run.RiskLevel, run.FailureReason, run.AttemptsCount, run.MaxAttempts, run.TimeSpentSec, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run RunRecord) error {
	run.UpdatedAt = time.Now().UTC()
	counts, err := json.Marshal(secCounts(run.SecurityCounts))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET status=$2, run_mode=$3, execution_mode=$4, grading_status=$5, policy_id=$6, progress_pct=$7, cells_executed=$8, errors_count=$9, security_counts_json=$10, risk_level=$11, failure_reason=$12, attempts_count=$13, max_attempts=$14, time_spent_sec=$15, started_at=$16, completed_at=$17, updated_at=$18
		 WHERE id=$1`,
		run.ID, run.Status, run.RunMode, run.ExecutionMode, run.GradingStatus, run.PolicyID, run.ProgressPct, run.CellsExecuted, run.ErrorsCount, string(counts), run.RiskLevel, run.FailureReason, run.AttemptsCount, run.MaxAttempts, run.TimeSpentSec, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
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

func (p *PostgresStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for i, s := range statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			args = append(args, s)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresStore) CountRunsByStudentTemplate(ctx context.Context, studentID, templateID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE student_id=$1 AND template_id=$2`, studentID, templateID).Scan(&n)
	return n, err
}

const sessionColumns = `id, agent_id, run_id, session_token, state, notebook_checksum, package_manifest_json, last_applied_seq, cells_executed, errors_count, cpu_usage, memory_usage, disk_usage_mb, log_tail, sync_status, end_reason, started_at, ended_at, last_heartbeat_at, created_at, updated_at`

func (p *PostgresStore) CreateSession(ctx context.Context, session SessionRecord) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	manifest, err := json.Marshal(pkgManifest(session.PackageManifest))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		session.ID, session.AgentID, session.RunID, session.SessionToken, session.State, session.NotebookChecksum, string(manifest), session.LastAppliedSeq, session.CellsExecuted, session.ErrorsCount, session.CPUUsage, session.MemoryUsage, session.DiskUsageMB, session.LogTail, session.SyncStatus, session.EndReason, nullTime(session.StartedAt), nullTime(session.EndedAt), nullTime(session.LastHeartbeatAt), session.CreatedAt, session.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, session SessionRecord) error {
	session.UpdatedAt = time.Now().UTC()
	manifest, err := json.Marshal(pkgManifest(session.PackageManifest))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET state=$2, notebook_checksum=$3, package_manifest_json=$4, last_applied_seq=$5, cells_executed=$6, errors_count=$7, cpu_usage=$8, memory_usage=$9, disk_usage_mb=$10, log_tail=$11, sync_status=$12, end_reason=$13, started_at=$14, ended_at=$15, last_heartbeat_at=$16, updated_at=$17
		 WHERE id=$1`,
		session.ID, session.State, session.NotebookChecksum, string(manifest), session.LastAppliedSeq, session.CellsExecuted, session.ErrorsCount, session.CPUUsage, session.MemoryUsage, session.DiskUsageMB, session.LogTail, session.SyncStatus, session.EndReason, nullTime(session.StartedAt), nullTime(session.EndedAt), nullTime(session.LastHeartbeatAt), session.UpdatedAt,
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

func (p *PostgresStore) UpdateSessionHeartbeat(ctx context.Context, sessionID string, seenAt time.Time, cpuUsage, memoryUsage float64, logTail string) error {
	if logTail != "" {
		_, err := p.db.ExecContext(ctx,
			`UPDATE sessions SET last_heartbeat_at=$2, cpu_usage=$3, memory_usage=$4, log_tail=$5, updated_at=$6 WHERE id=$1`,
			sessionID, seenAt, cpuUsage, memoryUsage, logTail, time.Now().UTC(),
		)
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat_at=$2, cpu_usage=$3, memory_usage=$4, updated_at=$5 WHERE id=$1`,
		sessionID, seenAt, cpuUsage, memoryUsage, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) ListSessionsByRun(ctx context.Context, runID string) ([]SessionRecord, error) {
	return p.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE run_id=$1 ORDER BY id`, runID)
}

func (p *PostgresStore) GetActiveSessionByAgent(ctx context.Context, agentID string) (SessionRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE agent_id=$1 AND state NOT IN ('completed','failed','cancelled','timeout')
		 LIMIT 1`, agentID,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) ListActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	return p.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state NOT IN ('completed','failed','cancelled','timeout') ORDER BY id`)
}

func (p *PostgresStore) listSessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SessionRecord, 0, 16)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const agentColumns = `id, device_id, classroom_id, tenant_id, trust_level, status, heartbeat_interval_seconds, policy_id, capabilities_json, last_seen_at, created_at, updated_at`

func (p *PostgresStore) UpsertAgent(ctx context.Context, agent AgentRecord) error {
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
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO UPDATE SET
		 device_id=EXCLUDED.device_id,
		 classroom_id=EXCLUDED.classroom_id,
		 tenant_id=EXCLUDED.tenant_id,
		 trust_level=EXCLUDED.trust_level,
		 status=EXCLUDED.status,
		 heartbeat_interval_seconds=EXCLUDED.heartbeat_interval_seconds,
		 policy_id=EXCLUDED.policy_id,
		 capabilities_json=EXCLUDED.capabilities_json,
		 last_seen_at=EXCLUDED.last_seen_at,
		 updated_at=EXCLUDED.updated_at`,
		agent.ID, agent.DeviceID, agent.ClassroomID, agent.TenantID, agent.TrustLevel, agent.Status, agent.HeartbeatIntervalSeconds, agent.PolicyID, string(caps), agent.LastSeenAt, agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetAgent(ctx context.Context, agentID string) (AgentRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	return a, true, nil
}

func (p *PostgresStore) GetAgentByDevice(ctx context.Context, deviceID string) (AgentRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE device_id=$1`, deviceID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	return a, true, nil
}

func (p *PostgresStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	return p.listAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
}

func (p *PostgresStore) ListAgentsByClassroom(ctx context.Context, classroomID string) ([]AgentRecord, error) {
	return p.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE classroom_id=$1 ORDER BY id`, classroomID)
}

func (p *PostgresStore) listAgents(ctx context.Context, query string, args ...any) ([]AgentRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, agentID, status string, seenAt time.Time) error {
	if status != "" {
		_, err := p.db.ExecContext(ctx,
			`UPDATE agents SET status=$2, last_seen_at=$3, updated_at=$4 WHERE id=$1`,
			agentID, status, seenAt, time.Now().UTC(),
		)
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at=$2, updated_at=$3 WHERE id=$1`,
		agentID, seenAt, time.Now().UTC(),
	)
	return err
}

const policyColumns = `id, tenant_id, grade_band, cpu_quota, memory_quota_mb, disk_quota_mb, network_kbps, allowed_packages_json, blocked_packages_json, security_settings_json, idle_timeout_seconds, max_session_duration_sec, priority, is_active, effective_from, effective_to, created_at`

func (p *PostgresStore) UpsertPolicy(ctx context.Context, policy PolicyRecord) error {
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
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO policies (`+policyColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		 ON CONFLICT (id) DO UPDATE SET
		 tenant_id=EXCLUDED.tenant_id,
		 grade_band=EXCLUDED.grade_band,
		 cpu_quota=EXCLUDED.cpu_quota,
		 memory_quota_mb=EXCLUDED.memory_quota_mb,
		 disk_quota_mb=EXCLUDED.disk_quota_mb,
		 network_kbps=EXCLUDED.network_kbps,
		 allowed_packages_json=EXCLUDED.allowed_packages_json,
		 blocked_packages_json=EXCLUDED.blocked_packages_json,
		 security_settings_json=EXCLUDED.security_settings_json,
		 idle_timeout_seconds=EXCLUDED.idle_timeout_seconds,
		 max_session_duration_sec=EXCLUDED.max_session_duration_sec,
		 priority=EXCLUDED.priority,
		 is_active=EXCLUDED.is_active,
		 effective_from=EXCLUDED.effective_from,
		 effective_to=EXCLUDED.effective_to`,
		policy.ID, policy.TenantID, policy.GradeBand, policy.CPUQuota, policy.MemoryQuotaMB, policy.DiskQuotaMB, policy.NetworkKbps, string(allowed), string(blocked), string(settings), policy.IdleTimeoutSeconds, policy.MaxSessionDurationSec, policy.Priority, policy.IsActive, nullTime(policy.EffectiveFrom), nullTime(policy.EffectiveTo), policy.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetPolicy(ctx context.Context, policyID string) (PolicyRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=$1`, policyID)
	pol, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyRecord{}, false, nil
	}
	if err != nil {
		return PolicyRecord{}, false, err
	}
	return pol, true, nil
}

func (p *PostgresStore) ListPoliciesByTenant(ctx context.Context, tenantID string) ([]PolicyRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id=$1 ORDER BY id`, tenantID)
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

const eventColumns = `session_id, sequence_number, event_type, payload_json, event_timestamp, correlation_id, processed, result, error_text, retry_count, sync_from_offline, created_at, updated_at`

func (p *PostgresStore) InsertEvent(ctx context.Context, event EventRecord) (EventRecord, bool, error) {
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	payload, err := json.Marshal(anyMap(event.Payload))
	if err != nil {
		return EventRecord{}, false, err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO session_events (`+eventColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
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
		existing, ok, err := p.GetEvent(ctx, event.SessionID, event.SequenceNumber)
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

func (p *PostgresStore) GetEvent(ctx context.Context, sessionID string, sequenceNumber int64) (EventRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM session_events WHERE session_id=$1 AND sequence_number=$2`,
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

func (p *PostgresStore) UpdateEvent(ctx context.Context, event EventRecord) error {
	event.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`UPDATE session_events SET processed=$3, result=$4, error_text=$5, retry_count=$6, updated_at=$7
		 WHERE session_id=$1 AND sequence_number=$2`,
		event.SessionID, event.SequenceNumber, event.Processed, event.Result, event.Error, event.RetryCount, event.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListUnprocessedEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM session_events
		 WHERE session_id=$1 AND processed=FALSE
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

const artifactColumns = `id, run_id, session_id, sequence_number, artifact_type, status, checksum, size_bytes, storage_ref, sync_from_offline, error_message, created_at, updated_at`

func (p *PostgresStore) CreateArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, bool, error) {
	now := time.Now().UTC()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
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
		row := p.db.QueryRowContext(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE session_id=$1 AND sequence_number=$2`,
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

func (p *PostgresStore) UpdateArtifact(ctx context.Context, artifact ArtifactRecord) error {
	artifact.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`UPDATE artifacts SET status=$3, checksum=$4, size_bytes=$5, storage_ref=$6, error_message=$7, updated_at=$8
		 WHERE session_id=$1 AND sequence_number=$2`,
		artifact.SessionID, artifact.SequenceNumber, artifact.Status, artifact.Checksum, artifact.SizeBytes, artifact.StorageRef, artifact.ErrorMessage, artifact.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListArtifactsByRun(ctx context.Context, runID string) ([]ArtifactRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id=$1 ORDER BY session_id, sequence_number`, runID,
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

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = p.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.Action, event.Actor, event.Tenant, event.RemoteAddr, event.Resource, event.PayloadHash, event.PrevHash, event.EventHash, event.Result, event.Details, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
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
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Action != "" {
		add("action=$%d", query.Action)
	}
	if query.Actor != "" {
		add("actor=$%d", query.Actor)
	}
	if query.Tenant != "" {
		add("tenant=$%d", query.Tenant)
	}
	if query.Result != "" {
		add("result=$%d", query.Result)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at
		 FROM audit_events
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	var countsJSON string
	var startedAt, completedAt sql.NullTime
	if err := s.Scan(&r.ID, &r.TemplateID, &r.StudentID, &r.ClassroomID, &r.TenantID, &r.GradeBand, &r.Status, &r.RunMode, &r.ExecutionMode, &r.GradingStatus, &r.PolicyID, &r.ProgressPct, &r.CellsExecuted, &r.ErrorsCount, &countsJSON, &r.RiskLevel, &r.FailureReason, &r.AttemptsCount, &r.MaxAttempts, &r.TimeSpentSec, &startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(countsJSON), &r.SecurityCounts); err != nil {
		return RunRecord{}, err
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	return r, nil
}

func scanSession(s scanner) (SessionRecord, error) {
	var sr SessionRecord
	var manifestJSON string
	var startedAt, endedAt, lastHeartbeat sql.NullTime
	if err := s.Scan(&sr.ID, &sr.AgentID, &sr.RunID, &sr.SessionToken, &sr.State, &sr.NotebookChecksum, &manifestJSON, &sr.LastAppliedSeq, &sr.CellsExecuted, &sr.ErrorsCount, &sr.CPUUsage, &sr.MemoryUsage, &sr.DiskUsageMB, &sr.LogTail, &sr.SyncStatus, &sr.EndReason, &startedAt, &endedAt, &lastHeartbeat, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
		return SessionRecord{}, err
	}
	if err := json.Unmarshal([]byte(manifestJSON), &sr.PackageManifest); err != nil {
		return SessionRecord{}, err
	}
	if startedAt.Valid {
		sr.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		sr.EndedAt = endedAt.Time
	}
	if lastHeartbeat.Valid {
		sr.LastHeartbeatAt = lastHeartbeat.Time
	}
	return sr, nil
}

func scanAgent(s scanner) (AgentRecord, error) {
	var a AgentRecord
	var capsJSON string
	if err := s.Scan(&a.ID, &a.DeviceID, &a.ClassroomID, &a.TenantID, &a.TrustLevel, &a.Status, &a.HeartbeatIntervalSeconds, &a.PolicyID, &capsJSON, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return AgentRecord{}, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return AgentRecord{}, err
	}
	return a, nil
}

func scanPolicy(s scanner) (PolicyRecord, error) {
	var p PolicyRecord
	var allowedJSON, blockedJSON, settingsJSON string
	var from, to sql.NullTime
	if err := s.Scan(&p.ID, &p.TenantID, &p.GradeBand, &p.CPUQuota, &p.MemoryQuotaMB, &p.DiskQuotaMB, &p.NetworkKbps, &allowedJSON, &blockedJSON, &settingsJSON, &p.IdleTimeoutSeconds, &p.MaxSessionDurationSec, &p.Priority, &p.IsActive, &from, &to, &p.CreatedAt); err != nil {
		return PolicyRecord{}, err
	}
	if err := json.Unmarshal([]byte(allowedJSON), &p.AllowedPackages); err != nil {
		return PolicyRecord{}, err
	}
	if err := json.Unmarshal([]byte(blockedJSON), &p.BlockedPackages); err != nil {
		return PolicyRecord{}, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &p.SecuritySettings); err != nil {
		return PolicyRecord{}, err
	}
	if from.Valid {
		p.EffectiveFrom = from.Time
	}
	if to.Valid {
		p.EffectiveTo = to.Time
	}
	return p, nil
}

func scanEvent(s scanner) (EventRecord, error) {
	var e EventRecord
	var payloadJSON string
	if err := s.Scan(&e.SessionID, &e.SequenceNumber, &e.EventType, &payloadJSON, &e.EventTimestamp, &e.CorrelationID, &e.Processed, &e.Result, &e.Error, &e.RetryCount, &e.SyncFromOffline, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return EventRecord{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return EventRecord{}, err
	}
	return e, nil
}

func scanArtifact(s scanner) (ArtifactRecord, error) {
	var a ArtifactRecord
	if err := s.Scan(&a.ID, &a.RunID, &a.SessionID, &a.SequenceNumber, &a.ArtifactType, &a.Status, &a.Checksum, &a.SizeBytes, &a.StorageRef, &a.SyncFromOffline, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return ArtifactRecord{}, err
	}
	return a, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func secCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func pkgManifest(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

func strMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func strSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
