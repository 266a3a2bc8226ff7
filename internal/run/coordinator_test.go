package run

import (
	"context"
	"errors"
	"testing"

	"github.com/example/labcoord/internal/state"
)

func newTestCoordinator() (*Coordinator, state.Store) {
	store := state.NewMemoryStore()
	return NewCoordinator(store, nil), store
}

func mustCreate(t *testing.T, c *Coordinator) state.RunRecord {
	t.Helper()
	record, err := c.Create(context.Background(), CreateParams{
		TemplateID:  "tpl-1",
		ClassroomID: "class-1",
		StudentID:   "student-1",
		TenantID:    "tenant-1",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if record.Status != StatusInitializing {
		t.Fatalf("new run status = %s, want %s", record.Status, StatusInitializing)
	}
	return record
}

func TestRunLifecycle(t *testing.T) {
	c, _ := newTestCoordinator()
	record := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.Start(ctx, record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start from initializing should be invalid, got %v", err)
	}

	record, err := c.MarkReady(ctx, record.ID)
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	record, err = c.Start(ctx, record.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if record.StartedAt.IsZero() {
		t.Fatal("start should stamp started_at")
	}

	record, err = c.Pause(ctx, record.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	record, err = c.Resume(ctx, record.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	record, err = c.Complete(ctx, record.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if record.CompletedAt.IsZero() {
		t.Fatal("complete should stamp completed_at")
	}
}

func TestTerminalRunRejectsFurtherTransitions(t *testing.T) {
	c, store := newTestCoordinator()
	record := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.Cancel(ctx, record.ID, "teacher stopped"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := c.Resume(ctx, record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume after cancel should be invalid, got %v", err)
	}
	if _, err := c.Fail(ctx, record.ID, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after cancel should be invalid, got %v", err)
	}

	got, ok, err := store.GetRun(ctx, record.ID)
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("run status = %s, want %s", got.Status, StatusCancelled)
	}
	if got.FailureReason != "teacher stopped" {
		t.Fatalf("failure reason = %q, want the cancel reason", got.FailureReason)
	}
}

func TestFailFromInitializing(t *testing.T) {
	c, _ := newTestCoordinator()
	record := mustCreate(t, c)

	record, err := c.Fail(context.Background(), record.ID, "no eligible agents")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("run status = %s, want %s", record.Status, StatusFailed)
	}
	if record.FailureReason != "no eligible agents" {
		t.Fatalf("failure reason = %q", record.FailureReason)
	}
}

func TestCanBeAttempted(t *testing.T) {
	if !CanBeAttempted(state.RunRecord{AttemptsCount: 5}) {
		t.Fatal("zero max_attempts should be unbounded")
	}
	if !CanBeAttempted(state.RunRecord{AttemptsCount: 2, MaxAttempts: 3}) {
		t.Fatal("attempts below limit should be allowed")
	}
	if CanBeAttempted(state.RunRecord{AttemptsCount: 3, MaxAttempts: 3}) {
		t.Fatal("attempts at limit should be rejected")
	}
}

func TestCreateEnforcesAttemptLimit(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	params := CreateParams{TemplateID: "tpl-1", StudentID: "student-1", MaxAttempts: 2}

	for i := 0; i < 2; i++ {
		if _, err := c.Create(ctx, params); err != nil {
			t.Fatalf("create attempt %d: %v", i+1, err)
		}
	}
	if _, err := c.Create(ctx, params); err == nil {
		t.Fatal("third attempt should exceed the limit")
	}
}
