package state

import (
	"context"
	"time"
)

type Store interface {
	CreateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	UpdateRun(ctx context.Context, run RunRecord) error
	ListRunsByStatus(ctx context.Context, statuses ...string) ([]RunRecord, error)
	CountRunsByStudentTemplate(ctx context.Context, studentID, templateID string) (int, error)

	CreateSession(ctx context.Context, session SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	UpdateSession(ctx context.Context, session SessionRecord) error
	// UpdateSessionHeartbeat writes only the heartbeat-owned columns so a
	// concurrent event drain never loses its cursor to a full-row write.
	UpdateSessionHeartbeat(ctx context.Context, sessionID string, seenAt time.Time, cpuUsage, memoryUsage float64, logTail string) error
	ListSessionsByRun(ctx context.Context, runID string) ([]SessionRecord, error)
	GetActiveSessionByAgent(ctx context.Context, agentID string) (SessionRecord, bool, error)
	ListActiveSessions(ctx context.Context) ([]SessionRecord, error)

	UpsertAgent(ctx context.Context, agent AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (AgentRecord, bool, error)
	GetAgentByDevice(ctx context.Context, deviceID string) (AgentRecord, bool, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	ListAgentsByClassroom(ctx context.Context, classroomID string) ([]AgentRecord, error)
	UpdateAgentHeartbeat(ctx context.Context, agentID, status string, seenAt time.Time) error

	UpsertPolicy(ctx context.Context, policy PolicyRecord) error
	GetPolicy(ctx context.Context, policyID string) (PolicyRecord, bool, error)
	ListPoliciesByTenant(ctx context.Context, tenantID string) ([]PolicyRecord, error)

	// InsertEvent is the dedup gate: if an event with the same
	// (SessionID, SequenceNumber) already exists, the stored record is
	// returned with inserted=false and nothing is written.
	InsertEvent(ctx context.Context, event EventRecord) (EventRecord, bool, error)
	GetEvent(ctx context.Context, sessionID string, sequenceNumber int64) (EventRecord, bool, error)
	UpdateEvent(ctx context.Context, event EventRecord) error
	ListUnprocessedEvents(ctx context.Context, sessionID string) ([]EventRecord, error)

	// CreateArtifact dedups on (SessionID, SequenceNumber) the same way.
	CreateArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, bool, error)
	UpdateArtifact(ctx context.Context, artifact ArtifactRecord) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]ArtifactRecord, error)

	AppendAuditEvent(ctx context.Context, event AuditEventRecord) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error)
}
