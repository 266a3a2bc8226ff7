package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/state"
)

const (
	TrustUntrusted  = "untrusted"
	TrustTrusted    = "trusted"
	TrustPrivileged = "privileged"

	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusBusy        = "busy"
	StatusError       = "error"
	StatusMaintenance = "maintenance"
)

// LivenessBuffer is the additive slack on top of three missed heartbeat
// intervals before an agent is considered unreachable.
const LivenessBuffer = 5 * time.Second

// DispatchFreshness is the tighter window applied at dispatch time: an agent
// must have been seen this recently to receive new work.
const DispatchFreshness = 30 * time.Second

const defaultHeartbeatInterval = 10

var ErrAgentNotFound = errors.New("agent not registered")

// IsOnline is the single liveness predicate. Every caller that cares about
// agent reachability (dispatch eligibility, stale-session sweeps) goes through
// here; the stored status field alone is never trusted.
func IsOnline(agent state.AgentRecord, now time.Time) bool {
	if agent.Status != StatusOnline {
		return false
	}
	interval := agent.HeartbeatIntervalSeconds
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	window := time.Duration(interval)*3*time.Second + LivenessBuffer
	return now.Sub(agent.LastSeenAt) < window
}

func CanRunExperiment(agent state.AgentRecord, now time.Time) bool {
	return IsOnline(agent, now) && agent.TrustLevel != TrustUntrusted && agent.Status != StatusBusy
}

type RegisterParams struct {
	DeviceID                 string
	ClassroomID              string
	TenantID                 string
	Capabilities             []string
	HeartbeatIntervalSeconds int
}

type Directory struct {
	store state.Store
}

func NewDirectory(store state.Store) *Directory {
	return &Directory{store: store}
}

// Register upserts an agent keyed by device id. Re-registration of a known
// device keeps its id and trust level and refreshes everything else.
func (d *Directory) Register(ctx context.Context, params RegisterParams) (state.AgentRecord, error) {
	if params.DeviceID == "" {
		return state.AgentRecord{}, fmt.Errorf("device_id is required")
	}
	interval := params.HeartbeatIntervalSeconds
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	now := time.Now().UTC()
	existing, ok, err := d.store.GetAgentByDevice(ctx, params.DeviceID)
	if err != nil {
		return state.AgentRecord{}, err
	}
	record := state.AgentRecord{
		ID:                       uuid.NewString(),
		DeviceID:                 params.DeviceID,
		ClassroomID:              params.ClassroomID,
		TenantID:                 params.TenantID,
		TrustLevel:               TrustUntrusted,
		Status:                   StatusOnline,
		HeartbeatIntervalSeconds: interval,
		Capabilities:             params.Capabilities,
		LastSeenAt:               now,
	}
	if ok {
		record.ID = existing.ID
		record.TrustLevel = existing.TrustLevel
		record.PolicyID = existing.PolicyID
		record.CreatedAt = existing.CreatedAt
	}
	if err := d.store.UpsertAgent(ctx, record); err != nil {
		return state.AgentRecord{}, fmt.Errorf("upsert agent: %w", err)
	}
	observability.Default.IncCounter("agents_registered_total", nil, 1)
	return record, nil
}

// RecordHeartbeat refreshes lastSeenAt. An agent previously marked offline
// flips back to online, so a returning device heals its own registration.
func (d *Directory) RecordHeartbeat(ctx context.Context, agentID string, now time.Time) (state.AgentRecord, error) {
	agent, ok, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return state.AgentRecord{}, err
	}
	if !ok {
		return state.AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	status := ""
	if agent.Status == StatusOffline {
		status = StatusOnline
		agent.Status = StatusOnline
	}
	if err := d.store.UpdateAgentHeartbeat(ctx, agentID, status, now); err != nil {
		return state.AgentRecord{}, err
	}
	agent.LastSeenAt = now
	return agent, nil
}

func (d *Directory) SetStatus(ctx context.Context, agentID, status string) error {
	agent, ok, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	agent.Status = status
	return d.store.UpsertAgent(ctx, agent)
}

func (d *Directory) SetTrustLevel(ctx context.Context, agentID, trustLevel string) error {
	switch trustLevel {
	case TrustUntrusted, TrustTrusted, TrustPrivileged:
	default:
		return fmt.Errorf("unknown trust level %q", trustLevel)
	}
	agent, ok, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	agent.TrustLevel = trustLevel
	return d.store.UpsertAgent(ctx, agent)
}

// FindEligible returns dispatch candidates for a classroom, freshest first.
func (d *Directory) FindEligible(ctx context.Context, classroomID string, now time.Time) ([]state.AgentRecord, error) {
	agents, err := d.store.ListAgentsByClassroom(ctx, classroomID)
	if err != nil {
		return nil, err
	}
	out := make([]state.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if !CanRunExperiment(a, now) {
			continue
		}
		if now.Sub(a.LastSeenAt) > DispatchFreshness {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}
