package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/labcoord/internal/state"
)

func newSession(t *testing.T, m *Manager, agentID string) state.SessionRecord {
	t.Helper()
	record, err := m.Create(context.Background(), CreateParams{
		AgentID:          agentID,
		RunID:            "run-1",
		NotebookChecksum: "abc123",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return record
}

func TestSessionStateGraph(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	record := newSession(t, m, "agent-1")
	ctx := context.Background()

	if _, err := m.Start(ctx, record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("initializing -> running should be invalid, got %v", err)
	}
	if _, err := m.MarkReady(ctx, record.ID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	got, err := m.Start(ctx, record.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("start should stamp started_at")
	}

	got, err = m.Complete(ctx, record.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("complete should stamp ended_at")
	}
}

func TestTerminalTransitionIsIdempotentRejecting(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	record := newSession(t, m, "agent-1")
	ctx := context.Background()

	if _, err := m.Complete(ctx, record.ID); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	// Second terminal call is rejected, not silently repeated.
	if _, err := m.Complete(ctx, record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second complete should be rejected, got %v", err)
	}
	if _, err := m.Fail(ctx, record.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after complete should be rejected, got %v", err)
	}

	got, err := m.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, StateCompleted)
	}
	if got.EndReason != "" {
		t.Fatalf("rejected fail should not record a reason, got %q", got.EndReason)
	}
}

func TestOneActiveSessionPerAgent(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	ctx := context.Background()
	first := newSession(t, m, "agent-1")

	if _, err := m.Create(ctx, CreateParams{AgentID: "agent-1", RunID: "run-2"}); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("second session for busy agent should fail, got %v", err)
	}
	if _, err := m.Complete(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := m.Create(ctx, CreateParams{AgentID: "agent-1", RunID: "run-2"}); err != nil {
		t.Fatalf("session after terminal predecessor should succeed: %v", err)
	}
}

func TestIsHeartbeatAlive(t *testing.T) {
	now := time.Now().UTC()
	alive := state.SessionRecord{LastHeartbeatAt: now.Add(-10 * time.Second)}
	if !IsHeartbeatAlive(alive, now, 0) {
		t.Fatal("10s-old heartbeat should be alive under the 30s default")
	}
	stale := state.SessionRecord{LastHeartbeatAt: now.Add(-31 * time.Second)}
	if IsHeartbeatAlive(stale, now, 0) {
		t.Fatal("31s-old heartbeat should be stale under the 30s default")
	}
	if !IsHeartbeatAlive(stale, now, 60*time.Second) {
		t.Fatal("31s-old heartbeat should be alive under a 60s budget")
	}
	never := state.SessionRecord{CreatedAt: now.Add(-5 * time.Second)}
	if !IsHeartbeatAlive(never, now, 0) {
		t.Fatal("fresh session without heartbeats should not be stale yet")
	}
}

func TestRuntimeStatsAreMonotonic(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	record := newSession(t, m, "agent-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.RecordCellExecution(ctx, record.ID); err != nil {
			t.Fatalf("record cell: %v", err)
		}
	}
	got, err := m.RecordError(ctx, record.ID)
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	if got.CellsExecuted != 3 || got.ErrorsCount != 1 {
		t.Fatalf("stats = cells:%d errors:%d, want 3/1", got.CellsExecuted, got.ErrorsCount)
	}
}

func TestHeartbeatAgainstTerminalSessionIsIgnored(t *testing.T) {
	m := NewManager(state.NewMemoryStore())
	record := newSession(t, m, "agent-1")
	ctx := context.Background()

	if _, err := m.Cancel(ctx, record.ID, "stopped"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := m.RecordHeartbeat(ctx, record.ID, HeartbeatParams{CPUUsage: 50})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.CPUUsage != 0 {
		t.Fatal("terminal session stats should be immutable")
	}
}

func TestHeartbeatWriteIsScopedToHeartbeatColumns(t *testing.T) {
	store := state.NewMemoryStore()
	m := NewManager(store)
	record := newSession(t, m, "agent-1")
	ctx := context.Background()

	if _, err := m.MarkReady(ctx, record.ID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if _, err := m.Start(ctx, record.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Advance state the heartbeat must not own.
	current, _, _ := store.GetSession(ctx, record.ID)
	current.LastAppliedSeq = 7
	current.CellsExecuted = 3
	if err := store.UpdateSession(ctx, current); err != nil {
		t.Fatalf("update session: %v", err)
	}

	seen := time.Now().UTC()
	got, err := m.RecordHeartbeat(ctx, record.ID, HeartbeatParams{CPUUsage: 55, MemoryUsage: 70, LogTail: "cell 3 ok", SeenAt: seen})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !got.LastHeartbeatAt.Equal(seen) || got.CPUUsage != 55 {
		t.Fatalf("heartbeat fields not applied: %+v", got)
	}

	stored, _, _ := store.GetSession(ctx, record.ID)
	if stored.LastAppliedSeq != 7 || stored.CellsExecuted != 3 {
		t.Fatalf("heartbeat overwrote pipeline state: seq=%d cells=%d", stored.LastAppliedSeq, stored.CellsExecuted)
	}
	if stored.LogTail != "cell 3 ok" {
		t.Fatalf("LogTail = %q", stored.LogTail)
	}
}
