package directory

import (
	"context"
	"testing"
	"time"

	"github.com/example/labcoord/internal/state"
)

func TestIsOnlineHonorsLivenessWindow(t *testing.T) {
	now := time.Now().UTC()
	agent := state.AgentRecord{
		Status:                   StatusOnline,
		HeartbeatIntervalSeconds: 10,
		LastSeenAt:               now.Add(-20 * time.Second),
	}
	if !IsOnline(agent, now) {
		t.Fatal("agent seen 20s ago with 10s interval should be online")
	}

	// Window is 3*interval + buffer. Status still says online but the clock
	// says otherwise.
	agent.LastSeenAt = now.Add(-40 * time.Second)
	if IsOnline(agent, now) {
		t.Fatal("agent seen 40s ago with 10s interval should be offline")
	}

	agent.LastSeenAt = now.Add(-2 * time.Second)
	agent.Status = StatusOffline
	if IsOnline(agent, now) {
		t.Fatal("offline status should never report online")
	}
}

func TestCanRunExperiment(t *testing.T) {
	now := time.Now().UTC()
	base := state.AgentRecord{
		Status:                   StatusOnline,
		TrustLevel:               TrustTrusted,
		HeartbeatIntervalSeconds: 10,
		LastSeenAt:               now,
	}
	if !CanRunExperiment(base, now) {
		t.Fatal("trusted online agent should be runnable")
	}

	untrusted := base
	untrusted.TrustLevel = TrustUntrusted
	if CanRunExperiment(untrusted, now) {
		t.Fatal("untrusted agent should not be runnable")
	}

	busy := base
	busy.Status = StatusBusy
	if CanRunExperiment(busy, now) {
		t.Fatal("busy agent should not be runnable")
	}
}

func TestRecordHeartbeatHealsOfflineAgent(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := NewDirectory(store)

	agent, err := d.Register(ctx, RegisterParams{DeviceID: "device-1", ClassroomID: "class-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.SetStatus(ctx, agent.ID, StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}

	now := time.Now().UTC()
	if _, err := d.RecordHeartbeat(ctx, agent.ID, now); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	got, ok, err := store.GetAgent(ctx, agent.ID)
	if err != nil || !ok {
		t.Fatalf("get agent: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusOnline {
		t.Fatalf("status after heartbeat = %s, want %s", got.Status, StatusOnline)
	}
	if !got.LastSeenAt.Equal(now) {
		t.Fatalf("last_seen_at = %v, want %v", got.LastSeenAt, now)
	}
}

func TestRegisterKeepsIdentityAcrossReRegistration(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(state.NewMemoryStore())

	first, err := d.Register(ctx, RegisterParams{DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.SetTrustLevel(ctx, first.ID, TrustTrusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}

	second, err := d.Register(ctx, RegisterParams{DeviceID: "device-1", ClassroomID: "class-2"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-registration changed agent id: %s != %s", second.ID, first.ID)
	}
	if second.TrustLevel != TrustTrusted {
		t.Fatalf("re-registration reset trust level to %s", second.TrustLevel)
	}
	if second.ClassroomID != "class-2" {
		t.Fatalf("classroom not refreshed: %s", second.ClassroomID)
	}
}

func TestFindEligibleFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := NewDirectory(store)
	now := time.Now().UTC()

	seed := func(id, trust string, seenAgo time.Duration) {
		t.Helper()
		err := store.UpsertAgent(ctx, state.AgentRecord{
			ID:                       id,
			DeviceID:                 "device-" + id,
			ClassroomID:              "class-1",
			TrustLevel:               trust,
			Status:                   StatusOnline,
			HeartbeatIntervalSeconds: 10,
			LastSeenAt:               now.Add(-seenAgo),
		})
		if err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}

	seed("a", TrustTrusted, 2*time.Second)
	seed("b", TrustUntrusted, 1*time.Second)
	seed("c", TrustTrusted, 40*time.Second)

	eligible, err := d.FindEligible(ctx, "class-1", now)
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != "a" {
		ids := make([]string, 0, len(eligible))
		for _, e := range eligible {
			ids = append(ids, e.ID)
		}
		t.Fatalf("eligible = %v, want [a]", ids)
	}
}

func TestFindEligibleOrdersFreshestFirst(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := NewDirectory(store)
	now := time.Now().UTC()

	for _, a := range []struct {
		id      string
		seenAgo time.Duration
	}{{"older", 9 * time.Second}, {"fresh", 1 * time.Second}} {
		err := store.UpsertAgent(ctx, state.AgentRecord{
			ID:                       a.id,
			DeviceID:                 "device-" + a.id,
			ClassroomID:              "class-1",
			TrustLevel:               TrustTrusted,
			Status:                   StatusOnline,
			HeartbeatIntervalSeconds: 10,
			LastSeenAt:               now.Add(-a.seenAgo),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	eligible, err := d.FindEligible(ctx, "class-1", now)
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	if len(eligible) != 2 || eligible[0].ID != "fresh" {
		t.Fatalf("expected freshest first, got %+v", eligible)
	}
}
