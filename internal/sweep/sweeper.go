package sweep

import (
	"context"
	"log"
	"time"

	"github.com/example/labcoord/internal/bus"
	"github.com/example/labcoord/internal/directory"
	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultGrace    = 60 * time.Second
)

// Sweeper periodically reconciles state that agents stopped reporting:
// stale sessions get timed out, agents past their liveness window get
// flipped to offline, and runs whose sessions all reached a terminal
// state get finalized. It observes, it never pushes work to agents.
type Sweeper struct {
	store     state.Store
	sessions  *session.Manager
	runs      *run.Coordinator
	publisher bus.Publisher
	interval  time.Duration
	grace     time.Duration
}

type Stats struct {
	SessionsTimedOut int
	AgentsMarked     int
	RunsFinalized    int
}

func NewSweeper(store state.Store, sessions *session.Manager, runs *run.Coordinator, publisher bus.Publisher) *Sweeper {
	return &Sweeper{
		store:     store,
		sessions:  sessions,
		runs:      runs,
		publisher: publisher,
		interval:  DefaultInterval,
		grace:     DefaultGrace,
	}
}

// SetTimings overrides the tick interval and heartbeat grace, used by tests.
func (s *Sweeper) SetTimings(interval, grace time.Duration) {
	if interval > 0 {
		s.interval = interval
	}
	if grace > 0 {
		s.grace = grace
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("sweep error err=%v", err)
				continue
			}
			if stats.SessionsTimedOut > 0 || stats.AgentsMarked > 0 || stats.RunsFinalized > 0 {
				log.Printf("sweep sessions_timed_out=%d agents_offline=%d runs_finalized=%d",
					stats.SessionsTimedOut, stats.AgentsMarked, stats.RunsFinalized)
			}
		}
	}
}

// SweepOnce runs a single reconciliation pass against the clock it is given.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	if n, err := s.markStaleAgents(ctx, now); err != nil {
		return stats, err
	} else {
		stats.AgentsMarked = n
	}
	if n, err := s.timeoutStaleSessions(ctx, now); err != nil {
		return stats, err
	} else {
		stats.SessionsTimedOut = n
	}
	if n, err := s.finalizeRuns(ctx, now); err != nil {
		return stats, err
	} else {
		stats.RunsFinalized = n
	}

	observability.Default.IncCounter("sweep_passes_total", nil, 1)
	observability.Default.SetGauge("sweep_last_sessions_timed_out", nil, float64(stats.SessionsTimedOut))
	return stats, nil
}

func (s *Sweeper) markStaleAgents(ctx context.Context, now time.Time) (int, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	marked := 0
	online := 0
	for _, agent := range agents {
		if directory.IsOnline(agent, now) {
			online++
			continue
		}
		if agent.Status == directory.StatusOffline {
			continue
		}
		if err := s.store.UpdateAgentHeartbeat(ctx, agent.ID, directory.StatusOffline, agent.LastSeenAt); err != nil {
			return marked, err
		}
		marked++
	}
	observability.Default.SetGauge("agents_online", nil, float64(online))
	return marked, nil
}

// timeoutStaleSessions times out active sessions whose agent went quiet past
// the liveness window plus grace, and sessions that overran their policy's
// maximum duration.
func (s *Sweeper) timeoutStaleSessions(ctx context.Context, now time.Time) (int, error) {
	active, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	timedOut := 0
	for _, sess := range active {
		maxAge := s.heartbeatWindow(ctx, sess.AgentID) + s.grace
		switch {
		case !session.IsHeartbeatAlive(sess, now, maxAge):
			if _, err := s.sessions.Timeout(ctx, sess.ID, "heartbeat lost"); err != nil {
				log.Printf("sweep timeout session=%s err=%v", sess.ID, err)
				continue
			}
			timedOut++
			s.notify(ctx, "session.timeout", map[string]any{"session_id": sess.ID, "reason": "heartbeat lost"})
			s.audit(ctx, "session_forced_timeout", sess.ID, "heartbeat lost")
		case s.overDuration(ctx, sess, now):
			if _, err := s.sessions.Timeout(ctx, sess.ID, "max session duration exceeded"); err != nil {
				log.Printf("sweep timeout session=%s err=%v", sess.ID, err)
				continue
			}
			timedOut++
			s.notify(ctx, "session.timeout", map[string]any{"session_id": sess.ID, "reason": "max session duration exceeded"})
			s.audit(ctx, "session_forced_timeout", sess.ID, "max session duration exceeded")
		}
	}
	if timedOut > 0 {
		observability.Default.IncCounter("sessions_timed_out_total", nil, float64(timedOut))
	}
	return timedOut, nil
}

func (s *Sweeper) heartbeatWindow(ctx context.Context, agentID string) time.Duration {
	agent, ok, err := s.store.GetAgent(ctx, agentID)
	if err != nil || !ok || agent.HeartbeatIntervalSeconds <= 0 {
		return session.DefaultHeartbeatMaxAge
	}
	return time.Duration(agent.HeartbeatIntervalSeconds)*3*time.Second + directory.LivenessBuffer
}

func (s *Sweeper) overDuration(ctx context.Context, sess state.SessionRecord, now time.Time) bool {
	if sess.StartedAt.IsZero() {
		return false
	}
	record, ok, err := s.store.GetRun(ctx, sess.RunID)
	if err != nil || !ok || record.PolicyID == "" {
		return false
	}
	pol, ok, err := s.store.GetPolicy(ctx, record.PolicyID)
	if err != nil || !ok || pol.MaxSessionDurationSec <= 0 {
		return false
	}
	return now.Sub(sess.StartedAt) > time.Duration(pol.MaxSessionDurationSec)*time.Second
}

// finalizeRuns resolves non-terminal runs whose sessions have all ended.
// A run with at least one completed session completes; one where every
// session timed out is itself a timeout; anything else is a failure.
func (s *Sweeper) finalizeRuns(ctx context.Context, now time.Time) (int, error) {
	records, err := s.store.ListRunsByStatus(ctx, run.StatusRunning, run.StatusPaused)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for _, record := range records {
		sessions, err := s.store.ListSessionsByRun(ctx, record.ID)
		if err != nil {
			return finalized, err
		}
		if len(sessions) == 0 {
			continue
		}
		completed, timedOut, terminal := 0, 0, 0
		for _, sess := range sessions {
			if !session.IsTerminal(sess.State) {
				break
			}
			terminal++
			switch sess.State {
			case session.StateCompleted:
				completed++
			case session.StateTimeout:
				timedOut++
			}
		}
		if terminal != len(sessions) {
			continue
		}
		var terr error
		var target string
		switch {
		case completed > 0:
			_, terr = s.runs.Complete(ctx, record.ID)
			target = run.StatusCompleted
		case timedOut == len(sessions):
			_, terr = s.runs.Timeout(ctx, record.ID)
			target = run.StatusTimeout
		default:
			_, terr = s.runs.Fail(ctx, record.ID, "all sessions ended without success")
			target = run.StatusFailed
		}
		if terr != nil {
			log.Printf("sweep finalize run=%s err=%v", record.ID, terr)
			continue
		}
		finalized++
		s.notify(ctx, "run."+target, map[string]any{"run_id": record.ID, "swept_at": now.Format(time.RFC3339)})
		s.audit(ctx, "run_finalized", record.ID, target)
	}
	return finalized, nil
}

func (s *Sweeper) audit(ctx context.Context, action, resource, details string) {
	event := state.AuditEventRecord{
		Action:    action,
		Actor:     "sweeper",
		Resource:  resource,
		Result:    "ok",
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendAuditEvent(ctx, event); err != nil {
		log.Printf("sweep audit action=%s err=%v", action, err)
	}
}

func (s *Sweeper) notify(ctx context.Context, topic string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("bus publish failed topic=%s err=%v", topic, err)
	}
}
