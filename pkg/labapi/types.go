package labapi

import "time"

// Dispatch protocol: controller -> agent commands.

const (
	CommandStartLab = "start_lab"
	CommandStopLab  = "stop_lab"
)

type Command struct {
	Type     string          `json:"type"`
	StartLab *StartLabCommand `json:"start_lab,omitempty"`
	StopLab  *StopLabCommand  `json:"stop_lab,omitempty"`
}

type StartLabCommand struct {
	SessionID        string         `json:"session_id"`
	SessionToken     string         `json:"session_token"`
	LabRunID         string         `json:"lab_run_id"`
	NotebookURL      string         `json:"notebook_url"`
	NotebookChecksum string         `json:"notebook_checksum"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	Policy           PolicySnapshot `json:"policy"`
}

type StopLabCommand struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// PolicySnapshot is the resolved policy frozen into a StartLab command at
// dispatch time. Agents never re-resolve policy on their own.
type PolicySnapshot struct {
	PolicyID              string            `json:"policy_id,omitempty"`
	CPUQuota              float64           `json:"cpu_quota"`
	MemoryQuotaMB         int               `json:"memory_quota_mb"`
	DiskQuotaMB           int               `json:"disk_quota_mb"`
	NetworkKbps           int               `json:"network_kbps,omitempty"`
	AllowedPackages       map[string][]string `json:"allowed_packages,omitempty"`
	SecuritySettings      map[string]string `json:"security_settings,omitempty"`
	IdleTimeoutSeconds    int               `json:"idle_timeout_seconds"`
	MaxSessionDurationSec int               `json:"max_session_duration_seconds"`
}

// Agent -> controller.

type RegisterAgentRequest struct {
	DeviceID                 string `json:"device_id"`
	ClassroomID              string `json:"classroom_id"`
	TenantID                 string `json:"tenant_id,omitempty"`
	TrustLevel               string `json:"trust_level,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds,omitempty"`
	Capabilities             []string `json:"capabilities,omitempty"`
}

type RegisterAgentResponse struct {
	Accepted                 bool   `json:"accepted"`
	AgentID                  string `json:"agent_id"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

type HeartbeatRequest struct {
	AgentID       string  `json:"agent_id"`
	SessionID     string  `json:"session_id,omitempty"`
	Status        string  `json:"status"`
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsage   float64 `json:"memory_usage"`
	LogTail       string  `json:"log_tail,omitempty"`
	TimestampUnix int64   `json:"timestamp_unix"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

type PollCommandsResponse struct {
	Commands []Command `json:"commands"`
}

// Event batch: at-least-once, idempotent on apply. Ordering is decided by
// SequenceNumber alone; EventTimestamp is untrusted wall clock.
type AgentEvent struct {
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	EventTimestamp string         `json:"event_timestamp,omitempty"`
	SequenceNumber int64          `json:"sequence_number"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

type IngestEventsRequest struct {
	SessionID string       `json:"session_id"`
	Events    []AgentEvent `json:"events"`
}

type EventResult struct {
	SequenceNumber int64  `json:"sequence_number"`
	Status         string `json:"status"` // applied|duplicate|deferred|failed
	Error          string `json:"error,omitempty"`
}

type IngestEventsResponse struct {
	Accepted bool          `json:"accepted"`
	Results  []EventResult `json:"results"`
}

// HTTP API: run lifecycle.

type CreateRunRequest struct {
	TemplateID  string `json:"template_id"`
	ClassroomID string `json:"classroom_id"`
	StudentID   string `json:"student_id"`
	TenantID    string `json:"tenant_id,omitempty"`
	RunMode     string `json:"run_mode,omitempty"`
	GradeBand   string `json:"grade_band,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

type RunStatusResponse struct {
	RunID         string            `json:"run_id"`
	TemplateID    string            `json:"template_id"`
	ClassroomID   string            `json:"classroom_id"`
	StudentID     string            `json:"student_id"`
	Status        string            `json:"status"`
	RunMode       string            `json:"run_mode,omitempty"`
	GradingStatus string            `json:"grading_status,omitempty"`
	ProgressPct   float64           `json:"progress_pct"`
	RiskLevel     string            `json:"risk_level"`
	SecurityEvents map[string]int   `json:"security_events,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	TimeSpentSec  int64             `json:"time_spent_sec,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

type DispatchRunResponse struct {
	RunID    string   `json:"run_id"`
	Sessions []string `json:"session_ids"`
}

type StopRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransitionResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

type SessionStatus struct {
	SessionID        string  `json:"session_id"`
	AgentID          string  `json:"agent_id"`
	RunID            string  `json:"run_id"`
	State            string  `json:"state"`
	NotebookChecksum string  `json:"notebook_checksum,omitempty"`
	CellsExecuted    int     `json:"cells_executed"`
	ErrorsCount      int     `json:"errors_count"`
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	SyncStatus       string  `json:"sync_status,omitempty"`
	LastHeartbeatAt  string  `json:"last_heartbeat_at,omitempty"`
	StartedAt        string  `json:"started_at,omitempty"`
	EndedAt          string  `json:"ended_at,omitempty"`
}

type RunSessionsResponse struct {
	RunID    string          `json:"run_id"`
	Sessions []SessionStatus `json:"sessions"`
}

type ArtifactStatus struct {
	ArtifactID      string `json:"artifact_id"`
	RunID           string `json:"run_id"`
	SessionID       string `json:"session_id"`
	ArtifactType    string `json:"artifact_type"`
	Status          string `json:"status"`
	Checksum        string `json:"checksum,omitempty"`
	SizeBytes       int64  `json:"size_bytes"`
	StorageRef      string `json:"storage_ref,omitempty"`
	SyncFromOffline bool   `json:"sync_from_offline,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type RunArtifactsResponse struct {
	RunID     string           `json:"run_id"`
	Artifacts []ArtifactStatus `json:"artifacts"`
}

type AgentStatus struct {
	AgentID                  string `json:"agent_id"`
	DeviceID                 string `json:"device_id"`
	ClassroomID              string `json:"classroom_id"`
	TrustLevel               string `json:"trust_level"`
	Status                   string `json:"status"`
	Online                   bool   `json:"online"`
	LastSeenAt               string `json:"last_seen_at,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	PolicyID                 string `json:"policy_id,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentStatus `json:"agents"`
}

type RegisterTemplateRequest struct {
	TemplateID        string              `json:"template_id,omitempty"`
	Name              string              `json:"name"`
	NotebookURL       string              `json:"notebook_url"`
	NotebookChecksum  string              `json:"notebook_checksum,omitempty"`
	Attachments       []Attachment        `json:"attachments,omitempty"`
	RequestedPackages map[string][]string `json:"requested_packages,omitempty"`
}

type RegisterTemplateResponse struct {
	TemplateID string `json:"template_id"`
}

type SetTrustRequest struct {
	TrustLevel string `json:"trust_level"`
}

type AuditEvent struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	Tenant      string `json:"tenant,omitempty"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	Resource    string `json:"resource,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
	EventHash   string `json:"event_hash,omitempty"`
	Result      string `json:"result,omitempty"`
	Details     string `json:"details,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ListAuditEventsResponse struct {
	Returned int          `json:"returned"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Events   []AuditEvent `json:"events"`
}

func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
