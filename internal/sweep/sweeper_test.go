package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
)

type fixture struct {
	store    *state.MemoryStore
	sessions *session.Manager
	runs     *run.Coordinator
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	sessions := session.NewManager(store)
	runs := run.NewCoordinator(store, nil)
	sw := NewSweeper(store, sessions, runs, nil)
	sw.SetTimings(time.Second, 30*time.Second)
	return &fixture{store: store, sessions: sessions, runs: runs, sweeper: sw}
}

func (f *fixture) seedRun(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.CreateRun(context.Background(), state.RunRecord{
		ID:        id,
		Status:    run.StatusRunning,
		StartedAt: now.Add(-time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func (f *fixture) seedAgent(t *testing.T, id string, interval int, lastSeen time.Time) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.UpsertAgent(context.Background(), state.AgentRecord{
		ID:                       id,
		DeviceID:                 "dev-" + id,
		Status:                   "online",
		HeartbeatIntervalSeconds: interval,
		LastSeenAt:               lastSeen,
		CreatedAt:                now,
		UpdatedAt:                now,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (f *fixture) startSession(t *testing.T, agentID, runID string, heartbeatAt time.Time) state.SessionRecord {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.CreateParams{AgentID: agentID, RunID: runID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.sessions.MarkReady(ctx, sess.ID); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := f.sessions.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	record, _, _ := f.store.GetSession(ctx, sess.ID)
	record.LastHeartbeatAt = heartbeatAt
	if err := f.store.UpdateSession(ctx, record); err != nil {
		t.Fatalf("set heartbeat: %v", err)
	}
	return record
}

func TestSweepTimesOutStaleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedRun(t, "run-1")
	f.seedAgent(t, "agent-1", 10, now.Add(-5*time.Minute))
	sess := f.startSession(t, "agent-1", "run-1", now.Add(-5*time.Minute))

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.SessionsTimedOut != 1 {
		t.Fatalf("SessionsTimedOut = %d, want 1", stats.SessionsTimedOut)
	}
	got, _, _ := f.store.GetSession(ctx, sess.ID)
	if got.State != session.StateTimeout {
		t.Fatalf("session state = %q, want timeout", got.State)
	}
	if got.EndReason != "heartbeat lost" {
		t.Fatalf("EndReason = %q", got.EndReason)
	}
	audits, err := f.store.ListAuditEvents(ctx, state.AuditQuery{Action: "session_forced_timeout", Limit: 10})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) != 1 || audits[0].Resource != sess.ID {
		t.Fatalf("expected forced-timeout audit entry for %s, got %+v", sess.ID, audits)
	}
}

func TestSweepLeavesFreshSessionAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedRun(t, "run-1")
	f.seedAgent(t, "agent-1", 10, now.Add(-2*time.Second))
	sess := f.startSession(t, "agent-1", "run-1", now.Add(-2*time.Second))

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.SessionsTimedOut != 0 {
		t.Fatalf("SessionsTimedOut = %d, want 0", stats.SessionsTimedOut)
	}
	got, _, _ := f.store.GetSession(ctx, sess.ID)
	if got.State != session.StateRunning {
		t.Fatalf("session state = %q, want running", got.State)
	}
}

func TestSweepMarksStaleAgentOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedAgent(t, "agent-stale", 10, now.Add(-10*time.Minute))
	f.seedAgent(t, "agent-fresh", 10, now.Add(-time.Second))

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.AgentsMarked != 1 {
		t.Fatalf("AgentsMarked = %d, want 1", stats.AgentsMarked)
	}
	stale, _, _ := f.store.GetAgent(ctx, "agent-stale")
	if stale.Status != "offline" {
		t.Fatalf("stale agent status = %q, want offline", stale.Status)
	}
	fresh, _, _ := f.store.GetAgent(ctx, "agent-fresh")
	if fresh.Status != "online" {
		t.Fatalf("fresh agent status = %q, want online", fresh.Status)
	}
}

func TestSweepEnforcesMaxSessionDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := f.store.UpsertPolicy(ctx, state.PolicyRecord{
		ID:                    "pol-1",
		IsActive:              true,
		MaxSessionDurationSec: 60,
		CreatedAt:             now,
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	f.seedRun(t, "run-1")
	record, _, _ := f.store.GetRun(ctx, "run-1")
	record.PolicyID = "pol-1"
	if err := f.store.UpdateRun(ctx, record); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	f.seedAgent(t, "agent-1", 10, now)
	sess := f.startSession(t, "agent-1", "run-1", now)
	stored, _, _ := f.store.GetSession(ctx, sess.ID)
	stored.StartedAt = now.Add(-5 * time.Minute)
	if err := f.store.UpdateSession(ctx, stored); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.SessionsTimedOut != 1 {
		t.Fatalf("SessionsTimedOut = %d, want 1", stats.SessionsTimedOut)
	}
	got, _, _ := f.store.GetSession(ctx, sess.ID)
	if got.EndReason != "max session duration exceeded" {
		t.Fatalf("EndReason = %q", got.EndReason)
	}
}

func TestSweepFinalizesRunAfterAllSessionsEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedRun(t, "run-1")
	f.seedAgent(t, "agent-1", 10, now)
	f.seedAgent(t, "agent-2", 10, now)
	a := f.startSession(t, "agent-1", "run-1", now)
	b := f.startSession(t, "agent-2", "run-1", now)
	if _, err := f.sessions.Complete(ctx, a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.sessions.Fail(ctx, b.ID, "crashed"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.RunsFinalized != 1 {
		t.Fatalf("RunsFinalized = %d, want 1", stats.RunsFinalized)
	}
	record, _, _ := f.store.GetRun(ctx, "run-1")
	if record.Status != run.StatusCompleted {
		t.Fatalf("run status = %q, want completed (one session succeeded)", record.Status)
	}
}

func TestSweepTimesOutRunWhenAllSessionsTimedOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedRun(t, "run-1")
	f.seedAgent(t, "agent-1", 10, now.Add(-10*time.Minute))
	f.startSession(t, "agent-1", "run-1", now.Add(-10*time.Minute))

	// First pass times the session out, the same pass then finalizes the run.
	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.SessionsTimedOut != 1 || stats.RunsFinalized != 1 {
		t.Fatalf("stats = %+v, want one timeout and one finalization", stats)
	}
	record, _, _ := f.store.GetRun(ctx, "run-1")
	if record.Status != run.StatusTimeout {
		t.Fatalf("run status = %q, want timeout", record.Status)
	}
	if record.CompletedAt.IsZero() {
		t.Fatalf("run CompletedAt not stamped")
	}
}

func TestSweepIgnoresRunWithLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.seedRun(t, "run-1")
	f.seedAgent(t, "agent-1", 10, now)
	f.seedAgent(t, "agent-2", 10, now)
	a := f.startSession(t, "agent-1", "run-1", now)
	f.startSession(t, "agent-2", "run-1", now)
	if _, err := f.sessions.Complete(ctx, a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := f.sweeper.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.RunsFinalized != 0 {
		t.Fatalf("RunsFinalized = %d, want 0 while a session is live", stats.RunsFinalized)
	}
	record, _, _ := f.store.GetRun(ctx, "run-1")
	if record.Status != run.StatusRunning {
		t.Fatalf("run status = %q, want running", record.Status)
	}
}
