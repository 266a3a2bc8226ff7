package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]RunRecord
	sessions  map[string]SessionRecord
	agents    map[string]AgentRecord
	policies  map[string]PolicyRecord
	events    map[string]map[int64]EventRecord
	artifacts map[string]ArtifactRecord
	audits    []AuditEventRecord
	nextAudit int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]RunRecord),
		sessions:  make(map[string]SessionRecord),
		agents:    make(map[string]AgentRecord),
		policies:  make(map[string]PolicyRecord),
		events:    make(map[string]map[int64]EventRecord),
		artifacts: make(map[string]ArtifactRecord),
		audits:    make([]AuditEventRecord, 0, 128),
		nextAudit: 1,
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) ListRunsByStatus(_ context.Context, statuses ...string) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	out := make([]RunRecord, 0, 16)
	for _, r := range m.runs {
		if len(want) > 0 {
			if _, ok := want[r.Status]; !ok {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountRunsByStudentTemplate(_ context.Context, studentID, templateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.runs {
		if r.StudentID == studentID && r.TemplateID == templateID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) UpdateSessionHeartbeat(_ context.Context, sessionID string, seenAt time.Time, cpuUsage, memoryUsage float64, logTail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	s.LastHeartbeatAt = seenAt
	s.CPUUsage = cpuUsage
	s.MemoryUsage = memoryUsage
	if logTail != "" {
		s.LogTail = logTail
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) ListSessionsByRun(_ context.Context, runID string) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, 8)
	for _, s := range m.sessions {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetActiveSessionByAgent(_ context.Context, agentID string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AgentID == agentID && !terminalSessionState(s.State) {
			return s, true, nil
		}
	}
	return SessionRecord{}, false, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, 16)
	for _, s := range m.sessions {
		if !terminalSessionState(s.State) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertAgent(_ context.Context, agent AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastSeenAt.IsZero() {
		agent.LastSeenAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.ID] = agent
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (AgentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	return a, ok, nil
}

func (m *MemoryStore) GetAgentByDevice(_ context.Context, deviceID string) (AgentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.DeviceID == deviceID {
			return a, true, nil
		}
	}
	return AgentRecord{}, false, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListAgentsByClassroom(_ context.Context, classroomID string) ([]AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentRecord, 0, 8)
	for _, a := range m.agents {
		if a.ClassroomID == classroomID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateAgentHeartbeat(_ context.Context, agentID, status string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	if status != "" {
		a.Status = status
	}
	a.LastSeenAt = seenAt
	a.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = a
	return nil
}

func (m *MemoryStore) UpsertPolicy(_ context.Context, policy PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	m.policies[policy.ID] = policy
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, policyID string) (PolicyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyID]
	return p, ok, nil
}

func (m *MemoryStore) ListPoliciesByTenant(_ context.Context, tenantID string) ([]PolicyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PolicyRecord, 0, 8)
	for _, p := range m.policies {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, event EventRecord) (EventRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySeq, ok := m.events[event.SessionID]
	if !ok {
		bySeq = make(map[int64]EventRecord)
		m.events[event.SessionID] = bySeq
	}
	if existing, ok := bySeq[event.SequenceNumber]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	bySeq[event.SequenceNumber] = event
	return event, true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, sessionID string, sequenceNumber int64) (EventRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[sessionID][sequenceNumber]
	return e, ok, nil
}

func (m *MemoryStore) UpdateEvent(_ context.Context, event EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySeq, ok := m.events[event.SessionID]
	if !ok {
		bySeq = make(map[int64]EventRecord)
		m.events[event.SessionID] = bySeq
	}
	event.UpdatedAt = time.Now().UTC()
	bySeq[event.SequenceNumber] = event
	return nil
}

func (m *MemoryStore) ListUnprocessedEvents(_ context.Context, sessionID string) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventRecord, 0, 8)
	for _, e := range m.events[sessionID] {
		if !e.Processed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *MemoryStore) CreateArtifact(_ context.Context, artifact ArtifactRecord) (ArtifactRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := artifactKey(artifact.SessionID, artifact.SequenceNumber)
	if existing, ok := m.artifacts[key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now
	m.artifacts[key] = artifact
	return artifact, true, nil
}

func (m *MemoryStore) UpdateArtifact(_ context.Context, artifact ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact.UpdatedAt = time.Now().UTC()
	m.artifacts[artifactKey(artifact.SessionID, artifact.SequenceNumber)] = artifact
	return nil
}

func (m *MemoryStore) ListArtifactsByRun(_ context.Context, runID string) ([]ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArtifactRecord, 0, 8)
	for _, a := range m.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event AuditEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(m.audits) > 0 {
		event.PrevHash = m.audits[len(m.audits)-1].EventHash
	}
	event.EventHash = computeAuditHash(event)
	event.ID = m.nextAudit
	m.nextAudit++
	m.audits = append(m.audits, event)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]AuditEventRecord, 0, len(m.audits))
	for _, a := range m.audits {
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.Actor != "" && a.Actor != query.Actor {
			continue
		}
		if query.Tenant != "" && a.Tenant != query.Tenant {
			continue
		}
		if query.Result != "" && a.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && a.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && a.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, a)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]AuditEventRecord, 0, len(items))
	// Newest first for operator-facing endpoint.
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out, nil
}

func artifactKey(sessionID string, sequenceNumber int64) string {
	return sessionID + "|" + strconv.FormatInt(sequenceNumber, 10)
}

func terminalSessionState(s string) bool {
	switch s {
	case "completed", "failed", "cancelled", "timeout":
		return true
	default:
		return false
	}
}

func computeAuditHash(event AuditEventRecord) string {
	payload := map[string]any{
		"action":       event.Action,
		"actor":        event.Actor,
		"tenant":       event.Tenant,
		"remote_addr":  event.RemoteAddr,
		"resource":     event.Resource,
		"payload_hash": event.PayloadHash,
		"prev_hash":    event.PrevHash,
		"result":       event.Result,
		"details":      event.Details,
		"created_at":   event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
