package state

import "time"

type RunRecord struct {
	ID             string
	TemplateID     string
	StudentID      string
	ClassroomID    string
	TenantID       string
	GradeBand      string
	Status         string
	RunMode        string
	ExecutionMode  string
	GradingStatus  string
	PolicyID       string
	ProgressPct    float64
	CellsExecuted  int
	ErrorsCount    int
	SecurityCounts map[string]int
	RiskLevel      string
	FailureReason  string
	AttemptsCount  int
	MaxAttempts    int
	TimeSpentSec   int64
	StartedAt      time.Time
	CompletedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SessionRecord struct {
	ID               string
	AgentID          string
	RunID            string
	SessionToken     string
	State            string
	NotebookChecksum string
	PackageManifest  map[string][]string
	LastAppliedSeq   int64
	CellsExecuted    int
	ErrorsCount      int
	CPUUsage         float64
	MemoryUsage      float64
	DiskUsageMB      float64
	LogTail          string
	SyncStatus       string
	EndReason        string
	StartedAt        time.Time
	EndedAt          time.Time
	LastHeartbeatAt  time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AgentRecord struct {
	ID                       string
	DeviceID                 string
	ClassroomID              string
	TenantID                 string
	TrustLevel               string
	Status                   string
	HeartbeatIntervalSeconds int
	PolicyID                 string
	Capabilities             []string
	LastSeenAt               time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type PolicyRecord struct {
	ID                    string
	TenantID              string
	GradeBand             string
	CPUQuota              float64
	MemoryQuotaMB         int
	DiskQuotaMB           int
	NetworkKbps           int
	AllowedPackages       map[string][]string
	BlockedPackages       []string
	SecuritySettings      map[string]string
	IdleTimeoutSeconds    int
	MaxSessionDurationSec int
	Priority              int
	IsActive              bool
	EffectiveFrom         time.Time
	EffectiveTo           time.Time
	CreatedAt             time.Time
}

// EventRecord is append-only once ingested; only the processing bookkeeping
// fields (Processed, Result, Error, RetryCount) are mutated afterwards.
type EventRecord struct {
	SessionID       string
	SequenceNumber  int64
	EventType       string
	Payload         map[string]any
	EventTimestamp  time.Time
	CorrelationID   string
	Processed       bool
	Result          string
	Error           string
	RetryCount      int
	SyncFromOffline bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ArtifactRecord struct {
	ID              string
	RunID           string
	SessionID       string
	SequenceNumber  int64
	ArtifactType    string
	Status          string
	Checksum        string
	SizeBytes       int64
	StorageRef      string
	SyncFromOffline bool
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AuditEventRecord struct {
	ID          int64
	Action      string
	Actor       string
	Tenant      string
	RemoteAddr  string
	Resource    string
	PayloadHash string
	PrevHash    string
	EventHash   string
	Result      string
	Details     string
	CreatedAt   time.Time
}

type AuditQuery struct {
	Limit  int
	Offset int
	Action string
	Actor  string
	Tenant string
	Result string
	From   time.Time
	To     time.Time
}
