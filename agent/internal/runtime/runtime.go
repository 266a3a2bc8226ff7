package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/agent/internal/config"
	"github.com/example/labcoord/agent/internal/heartbeat"
	"github.com/example/labcoord/agent/internal/notebook"
	"github.com/example/labcoord/pkg/labapi"
)

// Runtime polls the control plane for commands and drives lab sessions on
// this device. One session runs at a time; extra start commands queue up
// server-side until the agent frees up.
type Runtime struct {
	cfg        config.Config
	agentID    string
	hb         *heartbeat.Client
	runner     *notebook.Runner
	httpClient *http.Client

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(cfg config.Config, agentID string, hb *heartbeat.Client, runner *notebook.Runner) *Runtime {
	return &Runtime{
		cfg:        cfg,
		agentID:    agentID,
		hb:         hb,
		runner:     runner,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		active:     make(map[string]context.CancelFunc),
	}
}

func (r *Runtime) Run(ctx context.Context) error {
	go r.hb.Start(ctx)
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.pollOnce(ctx); err != nil {
				log.Printf("poll failed: %v", err)
			}
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context) error {
	url := strings.TrimRight(r.cfg.ControlPlaneBaseURL, "/") + "/v1/agents/" + r.agentID + "/commands?max=" + strconv.Itoa(r.cfg.MaxCommandsPerPoll)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	r.setAuth(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.Status)
	}

	var result labapi.PollCommandsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	for _, cmd := range result.Commands {
		switch cmd.Type {
		case labapi.CommandStartLab:
			if cmd.StartLab != nil {
				r.startSession(ctx, *cmd.StartLab)
			}
		case labapi.CommandStopLab:
			if cmd.StopLab != nil {
				r.stopSession(cmd.StopLab.SessionID, cmd.StopLab.Reason)
			}
		default:
			log.Printf("ignoring unknown command type %q", cmd.Type)
		}
	}
	return nil
}

func (r *Runtime) startSession(ctx context.Context, cmd labapi.StartLabCommand) {
	r.mu.Lock()
	if _, running := r.active[cmd.SessionID]; running {
		r.mu.Unlock()
		return
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	r.active[cmd.SessionID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, cmd.SessionID)
			r.mu.Unlock()
			cancel()
			r.hb.ClearSession()
		}()
		r.hb.SetSession(cmd.SessionID)
		r.executeSession(sessionCtx, cmd)
	}()
}

func (r *Runtime) stopSession(sessionID, reason string) {
	r.mu.Lock()
	cancel, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("stopping session %s: %s", sessionID, reason)
	cancel()
}

func (r *Runtime) executeSession(ctx context.Context, cmd labapi.StartLabCommand) {
	rep := newReporter(r.cfg, r.httpClient, cmd.SessionID)

	emit := func(eventType string, payload map[string]any) error {
		// Reporting keeps running through a stop so the terminal status and
		// any cached events still reach the control plane.
		rep.emit(context.WithoutCancel(ctx), eventType, payload)
		return ctx.Err()
	}

	_ = emit("status", map[string]any{"state": "ready"})
	_ = emit("status", map[string]any{"state": "running"})

	err := r.runner.Run(ctx, cmd, emit)
	done := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		rep.emit(done, "status", map[string]any{"state": "completed"})
	case ctx.Err() != nil:
		rep.emit(done, "status", map[string]any{"state": "cancelled", "reason": "stopped by control plane"})
	default:
		log.Printf("session %s failed: %v", cmd.SessionID, err)
		rep.emit(done, "status", map[string]any{"state": "failed", "reason": err.Error()})
	}
	rep.flush(done)
}

func (r *Runtime) setAuth(req *http.Request) {
	if tok := strings.TrimSpace(r.cfg.APIToken); tok != "" {
		req.Header.Set("X-Labcoord-Token", tok)
	}
}

func statusError(status string) error {
	return &runtimeError{status: status}
}

type runtimeError struct {
	status string
}

func (e *runtimeError) Error() string {
	return "control-plane request failed: " + e.status
}

// reporter assigns monotonic sequence numbers for one session and delivers
// events to the ingestion endpoint. While the control plane is unreachable
// events pile up locally; once a request goes through again the backlog is
// replayed wrapped in a single sync event so the server can tell live
// reports from offline catch-up.
type reporter struct {
	cfg        config.Config
	httpClient *http.Client
	sessionID  string

	correlationID string

	mu     sync.Mutex
	seq    int64
	cached []labapi.AgentEvent
}

func newReporter(cfg config.Config, client *http.Client, sessionID string) *reporter {
	return &reporter{cfg: cfg, httpClient: client, sessionID: sessionID, correlationID: uuid.NewString()}
}

func (rep *reporter) emit(ctx context.Context, eventType string, payload map[string]any) {
	rep.mu.Lock()
	defer rep.mu.Unlock()

	rep.seq++
	ev := labapi.AgentEvent{
		EventType:      eventType,
		Payload:        payload,
		EventTimestamp: time.Now().UTC().Format(time.RFC3339),
		SequenceNumber: rep.seq,
		CorrelationID:  rep.correlationID,
	}

	if len(rep.cached) > 0 {
		rep.cached = append(rep.cached, ev)
		rep.flushLocked(ctx)
		return
	}
	if err := rep.send(ctx, []labapi.AgentEvent{ev}); err != nil {
		log.Printf("session %s offline, caching seq %d: %v", rep.sessionID, ev.SequenceNumber, err)
		rep.cached = append(rep.cached, ev)
	}
}

func (rep *reporter) flush(ctx context.Context) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	rep.flushLocked(ctx)
}

func (rep *reporter) flushLocked(ctx context.Context) {
	if len(rep.cached) == 0 {
		return
	}
	items := make([]labapi.AgentEvent, len(rep.cached))
	copy(items, rep.cached)
	rep.seq++
	syncEv := labapi.AgentEvent{
		EventType: "sync",
		Payload: map[string]any{
			"items": items,
			"count": len(items),
		},
		EventTimestamp: time.Now().UTC().Format(time.RFC3339),
		SequenceNumber: rep.seq,
		CorrelationID:  rep.correlationID,
	}
	if err := rep.send(ctx, []labapi.AgentEvent{syncEv}); err != nil {
		log.Printf("session %s sync of %d cached events failed: %v", rep.sessionID, len(rep.cached), err)
		// The request may have landed even though the response was lost, so
		// the sequence number stays consumed: reusing it for a later event
		// would collide with the server's dedup and drop that event. An
		// empty marker rides in the cache to keep the stream gap-free; the
		// items themselves are still cached individually and retry with the
		// next sync.
		syncEv.Payload = map[string]any{"count": 0}
		rep.cached = append(rep.cached, syncEv)
		return
	}
	rep.cached = nil
}

func (rep *reporter) send(ctx context.Context, events []labapi.AgentEvent) error {
	body, err := json.Marshal(labapi.IngestEventsRequest{SessionID: rep.sessionID, Events: events})
	if err != nil {
		return err
	}
	url := strings.TrimRight(rep.cfg.ControlPlaneBaseURL, "/") + "/v1/sessions/" + rep.sessionID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(rep.cfg.APIToken); tok != "" {
		req.Header.Set("X-Labcoord-Token", tok)
	}
	resp, err := rep.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.Status)
	}
	return nil
}
