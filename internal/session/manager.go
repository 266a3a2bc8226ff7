package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/state"
)

const (
	StateInitializing = "initializing"
	StateReady        = "ready"
	StateRunning      = "running"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateCancelled    = "cancelled"
	StateTimeout      = "timeout"
)

const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// DefaultHeartbeatMaxAge bounds session-level staleness. Distinct from the
// device liveness window: a session can hang while its agent still heartbeats.
const DefaultHeartbeatMaxAge = 30 * time.Second

var ErrInvalidTransition = errors.New("invalid session transition")

var ErrSessionNotFound = errors.New("session not found")

// ErrAgentBusy is returned when an agent already holds a non-terminal session.
var ErrAgentBusy = errors.New("agent already has an active session")

func IsTerminal(s string) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// IsHeartbeatAlive reports whether the session heartbeated within maxAge.
// A session that never heartbeated is measured from its creation.
func IsHeartbeatAlive(s state.SessionRecord, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultHeartbeatMaxAge
	}
	ref := s.LastHeartbeatAt
	if ref.IsZero() {
		ref = s.StartedAt
	}
	if ref.IsZero() {
		ref = s.CreatedAt
	}
	return now.Sub(ref) < maxAge
}

type CreateParams struct {
	AgentID          string
	RunID            string
	NotebookChecksum string
	PackageManifest  map[string][]string
}

type HeartbeatParams struct {
	CPUUsage    float64
	MemoryUsage float64
	LogTail     string
	Status      string
	SeenAt      time.Time
}

type Manager struct {
	store state.Store
}

func NewManager(store state.Store) *Manager {
	return &Manager{store: store}
}

// Create allocates a session with a fresh opaque token. At most one
// non-terminal session may exist per agent.
func (m *Manager) Create(ctx context.Context, params CreateParams) (state.SessionRecord, error) {
	if params.AgentID == "" || params.RunID == "" {
		return state.SessionRecord{}, errors.New("agent_id and run_id are required")
	}
	_, active, err := m.store.GetActiveSessionByAgent(ctx, params.AgentID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if active {
		return state.SessionRecord{}, fmt.Errorf("%w: %s", ErrAgentBusy, params.AgentID)
	}
	record := state.SessionRecord{
		ID:               uuid.NewString(),
		AgentID:          params.AgentID,
		RunID:            params.RunID,
		SessionToken:     uuid.NewString(),
		State:            StateInitializing,
		NotebookChecksum: params.NotebookChecksum,
		PackageManifest:  params.PackageManifest,
		SyncStatus:       SyncPending,
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return state.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	observability.Default.IncCounter("sessions_created_total", nil, 1)
	return record, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	record, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, ErrSessionNotFound
	}
	return record, nil
}

func (m *Manager) MarkReady(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateReady, nil)
}

func (m *Manager) Start(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateRunning, func(s *state.SessionRecord) {
		if s.StartedAt.IsZero() {
			s.StartedAt = time.Now().UTC()
		}
	})
}

func (m *Manager) Complete(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateCompleted, stampEnd(""))
}

func (m *Manager) Fail(ctx context.Context, sessionID, reason string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateFailed, stampEnd(reason))
}

func (m *Manager) Cancel(ctx context.Context, sessionID, reason string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateCancelled, stampEnd(reason))
}

func (m *Manager) Timeout(ctx context.Context, sessionID, reason string) (state.SessionRecord, error) {
	return m.transition(ctx, sessionID, StateTimeout, stampEnd(reason))
}

func stampEnd(reason string) func(*state.SessionRecord) {
	return func(s *state.SessionRecord) {
		s.EndedAt = time.Now().UTC()
		if reason != "" {
			s.EndReason = reason
		}
	}
}

// RecordHeartbeat refreshes runtime stats and the session heartbeat stamp. A
// heartbeat against a terminal session is ignored, not an error, because
// agents may keep reporting briefly after a server-side stop. The write is
// scoped to the heartbeat columns: a full-record write here would race the
// event pipeline and could roll back its ordering cursor.
func (m *Manager) RecordHeartbeat(ctx context.Context, sessionID string, params HeartbeatParams) (state.SessionRecord, error) {
	record, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, ErrSessionNotFound
	}
	if IsTerminal(record.State) {
		return record, nil
	}
	seenAt := params.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	if err := m.store.UpdateSessionHeartbeat(ctx, sessionID, seenAt, params.CPUUsage, params.MemoryUsage, params.LogTail); err != nil {
		return state.SessionRecord{}, err
	}
	record.LastHeartbeatAt = seenAt
	record.CPUUsage = params.CPUUsage
	record.MemoryUsage = params.MemoryUsage
	if params.LogTail != "" {
		record.LogTail = params.LogTail
	}
	observability.Default.IncCounter("session_heartbeats_total", nil, 1)
	return record, nil
}

// RecordCellExecution and RecordError mutate runtime stats monotonically.

func (m *Manager) RecordCellExecution(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return m.mutate(ctx, sessionID, func(s *state.SessionRecord) {
		s.CellsExecuted++
	})
}

func (m *Manager) RecordError(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	return m.mutate(ctx, sessionID, func(s *state.SessionRecord) {
		s.ErrorsCount++
	})
}

func (m *Manager) SetSyncStatus(ctx context.Context, sessionID, syncStatus string) error {
	_, err := m.mutate(ctx, sessionID, func(s *state.SessionRecord) {
		s.SyncStatus = syncStatus
	})
	return err
}

func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*state.SessionRecord)) (state.SessionRecord, error) {
	record, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, ErrSessionNotFound
	}
	fn(&record)
	if err := m.store.UpdateSession(ctx, record); err != nil {
		return state.SessionRecord{}, err
	}
	return record, nil
}

var allowedSources = map[string][]string{
	StateReady:   {StateInitializing},
	StateRunning: {StateReady},
}

func (m *Manager) transition(ctx context.Context, sessionID, target string, mutateFn func(*state.SessionRecord)) (state.SessionRecord, error) {
	record, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, ErrSessionNotFound
	}
	if !transitionAllowed(record.State, target) {
		return record, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, target)
	}
	record.State = target
	if mutateFn != nil {
		mutateFn(&record)
	}
	if err := m.store.UpdateSession(ctx, record); err != nil {
		return state.SessionRecord{}, fmt.Errorf("update session %s: %w", sessionID, err)
	}
	observability.Default.IncCounter("session_transitions_total", map[string]string{"target": target}, 1)
	return record, nil
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminal(to) {
		return !IsTerminal(from)
	}
	for _, src := range allowedSources[to] {
		if src == from {
			return true
		}
	}
	return false
}
