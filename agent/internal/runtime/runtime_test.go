package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/labcoord/agent/internal/config"
	"github.com/example/labcoord/agent/internal/heartbeat"
	"github.com/example/labcoord/agent/internal/notebook"
	"github.com/example/labcoord/pkg/labapi"
)

// fakeControlPlane records ingested events and hands out a scripted command
// queue. Flipping offline makes the ingest endpoint refuse requests.
type fakeControlPlane struct {
	mu       sync.Mutex
	commands []labapi.Command
	events   map[string][]labapi.AgentEvent
	offline  bool
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{events: make(map[string][]labapi.AgentEvent)}
}

func (f *fakeControlPlane) queue(cmd labapi.Command) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeControlPlane) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeControlPlane) sessionEvents(sessionID string) []labapi.AgentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]labapi.AgentEvent, len(f.events[sessionID]))
	copy(out, f.events[sessionID])
	return out
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		cmds := f.commands
		f.commands = nil
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(labapi.PollCommandsResponse{Commands: cmds})
	})
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		var req labapi.IngestEventsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		if f.offline {
			f.mu.Unlock()
			http.Error(w, "unreachable", http.StatusServiceUnavailable)
			return
		}
		f.events[req.SessionID] = append(f.events[req.SessionID], req.Events...)
		f.mu.Unlock()
		results := make([]labapi.EventResult, 0, len(req.Events))
		for _, ev := range req.Events {
			results = append(results, labapi.EventResult{SequenceNumber: ev.SequenceNumber, Status: "applied"})
		}
		_ = json.NewEncoder(w).Encode(labapi.IngestEventsResponse{Accepted: true, Results: results})
	})
	return mux
}

func newTestRuntime(t *testing.T, baseURL string) *Runtime {
	t.Helper()
	cfg := config.Config{
		ControlPlaneBaseURL: baseURL,
		PollInterval:        10 * time.Millisecond,
		MaxCommandsPerPoll:  4,
	}
	hb := heartbeat.New(baseURL, "agent-1", "", time.Hour)
	return New(cfg, "agent-1", hb, notebook.New(3, 0))
}

func startCommand(sessionID string) labapi.Command {
	return labapi.Command{
		Type: labapi.CommandStartLab,
		StartLab: &labapi.StartLabCommand{
			SessionID:        sessionID,
			SessionToken:     "tok",
			LabRunID:         "run-1",
			NotebookURL:      "https://notebooks.example.com/fractions.ipynb",
			NotebookChecksum: "abc123",
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func hasTerminalStatus(events []labapi.AgentEvent, state string) bool {
	for _, ev := range events {
		if ev.EventType == "status" {
			if s, _ := ev.Payload["state"].(string); s == state {
				return true
			}
		}
	}
	return false
}

func TestRuntimeExecutesStartLabCommand(t *testing.T) {
	cp := newFakeControlPlane()
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	rt := newTestRuntime(t, ts.URL)
	cp.queue(startCommand("sess-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return hasTerminalStatus(cp.sessionEvents("sess-1"), "completed")
	})

	events := cp.sessionEvents("sess-1")
	var lastSeq int64
	cells := 0
	artifacts := 0
	for _, ev := range events {
		if ev.SequenceNumber <= lastSeq {
			t.Fatalf("sequence numbers not monotonic: %d after %d", ev.SequenceNumber, lastSeq)
		}
		lastSeq = ev.SequenceNumber
		switch ev.EventType {
		case "cell_completed":
			cells++
		case "artifact":
			artifacts++
		}
	}
	if cells != 3 {
		t.Fatalf("expected 3 cell events, got %d", cells)
	}
	if artifacts != 1 {
		t.Fatalf("expected 1 artifact event, got %d", artifacts)
	}
	if events[0].EventType != "status" {
		t.Fatalf("expected leading status event, got %s", events[0].EventType)
	}
}

func TestRuntimeStopCancelsSession(t *testing.T) {
	cp := newFakeControlPlane()
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	rt := newTestRuntime(t, ts.URL)
	rt.runner = notebook.New(100, 50*time.Millisecond)
	cp.queue(startCommand("sess-2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return len(cp.sessionEvents("sess-2")) > 0
	})
	cp.queue(labapi.Command{
		Type:    labapi.CommandStopLab,
		StopLab: &labapi.StopLabCommand{SessionID: "sess-2", Reason: "teacher ended the lab"},
	})

	waitFor(t, 2*time.Second, func() bool {
		return hasTerminalStatus(cp.sessionEvents("sess-2"), "cancelled")
	})
	if hasTerminalStatus(cp.sessionEvents("sess-2"), "completed") {
		t.Fatalf("cancelled session must not also complete")
	}
}

func TestReporterCachesOfflineAndSyncs(t *testing.T) {
	cp := newFakeControlPlane()
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	cfg := config.Config{ControlPlaneBaseURL: ts.URL}
	rep := newReporter(cfg, &http.Client{Timeout: time.Second}, "sess-3")
	ctx := context.Background()

	rep.emit(ctx, "status", map[string]any{"state": "running"})

	cp.setOffline(true)
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 1})
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 2})
	if got := len(cp.sessionEvents("sess-3")); got != 1 {
		t.Fatalf("expected only the online event delivered, got %d", got)
	}

	cp.setOffline(false)
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 3})

	events := cp.sessionEvents("sess-3")
	if len(events) != 2 {
		t.Fatalf("expected online event plus one sync event, got %d", len(events))
	}
	syncEv := events[1]
	if syncEv.EventType != "sync" {
		t.Fatalf("expected sync event, got %s", syncEv.EventType)
	}
	if syncEv.SequenceNumber != 6 {
		t.Fatalf("expected sync at seq 6, got %d", syncEv.SequenceNumber)
	}
	// Both offline cells, the failed flush's marker, and the reconnect cell.
	items, ok := syncEv.Payload["items"].([]any)
	if !ok || len(items) != 4 {
		t.Fatalf("expected 4 cached items in sync payload, got %v", syncEv.Payload["items"])
	}
}

func TestReporterSyncFailureKeepsCache(t *testing.T) {
	cp := newFakeControlPlane()
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	cfg := config.Config{ControlPlaneBaseURL: ts.URL}
	rep := newReporter(cfg, &http.Client{Timeout: time.Second}, "sess-4")
	ctx := context.Background()

	cp.setOffline(true)
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 1})
	rep.flush(ctx)
	if len(rep.cached) != 2 {
		t.Fatalf("expected cached event plus failed-sync marker, got %d", len(rep.cached))
	}
	if marker := rep.cached[1]; marker.EventType != "sync" || marker.SequenceNumber != 2 {
		t.Fatalf("expected sync marker holding seq 2, got %+v", marker)
	}

	cp.setOffline(false)
	rep.flush(ctx)
	if len(rep.cached) != 0 {
		t.Fatalf("expected cache drained after sync, got %d", len(rep.cached))
	}
	events := cp.sessionEvents("sess-4")
	if len(events) != 1 || events[0].EventType != "sync" {
		t.Fatalf("expected a single sync event, got %+v", events)
	}
	if events[0].SequenceNumber != 3 {
		t.Fatalf("retried sync must take a fresh sequence number, got %d", events[0].SequenceNumber)
	}
}

func TestReporterKeepsSequenceStreamGapFreeAcrossFailedSync(t *testing.T) {
	cp := newFakeControlPlane()
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	cfg := config.Config{ControlPlaneBaseURL: ts.URL}
	rep := newReporter(cfg, &http.Client{Timeout: time.Second}, "sess-5")
	ctx := context.Background()

	rep.emit(ctx, "status", map[string]any{"state": "running"})

	cp.setOffline(true)
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 1})
	rep.flush(ctx)

	cp.setOffline(false)
	rep.emit(ctx, "cell_completed", map[string]any{"cell_index": 2})

	seen := map[int64]string{}
	record := func(ev labapi.AgentEvent) {
		if prior, dup := seen[ev.SequenceNumber]; dup && prior != ev.EventType {
			t.Fatalf("seq %d reused for %s after %s", ev.SequenceNumber, ev.EventType, prior)
		}
		seen[ev.SequenceNumber] = ev.EventType
	}
	for _, ev := range cp.sessionEvents("sess-5") {
		record(ev)
		raw, _ := json.Marshal(ev.Payload["items"])
		var items []labapi.AgentEvent
		_ = json.Unmarshal(raw, &items)
		for _, item := range items {
			record(item)
		}
	}
	for seq := int64(1); seq <= 5; seq++ {
		if _, ok := seen[seq]; !ok {
			t.Fatalf("sequence %d never transmitted: gap would defer every later event", seq)
		}
	}
	if seen[2] != "cell_completed" || seen[4] != "cell_completed" {
		t.Fatalf("cell data lost: %v", seen)
	}
}
