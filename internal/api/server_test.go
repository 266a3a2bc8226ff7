package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/labcoord/internal/blob"
	"github.com/example/labcoord/internal/directory"
	"github.com/example/labcoord/internal/dispatch"
	"github.com/example/labcoord/internal/ingest"
	"github.com/example/labcoord/internal/policy"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
	"github.com/example/labcoord/internal/template"
	"github.com/example/labcoord/pkg/labapi"
)

func newTestServer(t *testing.T) (http.Handler, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	runs := run.NewCoordinator(store, nil)
	sessions := session.NewManager(store)
	dir := directory.NewDirectory(store)
	policies := policy.NewEngine(store, policy.FallbackRestrictive)
	templates := template.NewMemoryStore()
	commands := dispatch.NewCommandQueue()
	planner := dispatch.NewPlanner(store, runs, sessions, dir, policies, templates, commands, nil)
	pipeline := ingest.NewPipeline(store, sessions, blob.NewMemoryStore(), nil)
	srv := NewServer(store, runs, sessions, dir, planner, pipeline, templates, commands)
	return srv.Handler(), store
}

func seedPolicy(t *testing.T, store *state.MemoryStore) {
	t.Helper()
	now := time.Now().UTC()
	err := store.UpsertPolicy(t.Context(), state.PolicyRecord{
		ID:              "pol-default",
		TenantID:        "default",
		CPUQuota:        2,
		MemoryQuotaMB:   2048,
		DiskQuotaMB:     4096,
		AllowedPackages: map[string][]string{"pip": {"*"}},
		IsActive:        true,
		Priority:        1,
		EffectiveFrom:   now.Add(-time.Hour),
		EffectiveTo:     now.Add(time.Hour),
		CreatedAt:       now,
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
}

func reqJSON(t *testing.T, h http.Handler, method, path string, reqBody []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func reqWithToken(t *testing.T, h http.Handler, method, path, token string, reqBody []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mustReqJSON(t *testing.T, h http.Handler, method, path string, reqBody any, respBody any) {
	t.Helper()
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	w := reqJSON(t, h, method, path, body)
	if w.Code >= 300 {
		t.Fatalf("request %s %s failed: status=%d body=%s", method, path, w.Code, w.Body.String())
	}
	if respBody != nil {
		if err := json.NewDecoder(w.Body).Decode(respBody); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func registerReadyAgent(t *testing.T, h http.Handler, deviceID string) string {
	t.Helper()
	var reg labapi.RegisterAgentResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/agents/register", labapi.RegisterAgentRequest{
		DeviceID:                 deviceID,
		ClassroomID:              "class-1",
		HeartbeatIntervalSeconds: 10,
	}, &reg)
	if reg.AgentID == "" {
		t.Fatalf("empty agent id")
	}
	mustReqJSON(t, h, http.MethodPost, "/v1/agents/"+reg.AgentID+"/trust", labapi.SetTrustRequest{TrustLevel: "trusted"}, nil)
	mustReqJSON(t, h, http.MethodPost, "/v1/agents/"+reg.AgentID+"/heartbeat", labapi.HeartbeatRequest{
		AgentID: reg.AgentID,
		Status:  "online",
	}, nil)
	return reg.AgentID
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	h, store := newTestServer(t)
	seedPolicy(t, store)

	agentID := registerReadyAgent(t, h, "dev-001")

	var tmpl labapi.RegisterTemplateResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/templates", labapi.RegisterTemplateRequest{
		Name:              "intro-to-python",
		NotebookURL:       "https://content.example.com/notebooks/intro.ipynb",
		RequestedPackages: map[string][]string{"pip": {"numpy"}},
	}, &tmpl)

	var created labapi.CreateRunResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs", labapi.CreateRunRequest{
		TemplateID:  tmpl.TemplateID,
		ClassroomID: "class-1",
		StudentID:   "student-7",
	}, &created)

	var dispatched labapi.DispatchRunResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs/"+created.RunID+"/dispatch", nil, &dispatched)
	if len(dispatched.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(dispatched.Sessions))
	}
	sessionID := dispatched.Sessions[0]

	var polled labapi.PollCommandsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/agents/"+agentID+"/commands", nil, &polled)
	if len(polled.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(polled.Commands))
	}
	cmd := polled.Commands[0]
	if cmd.Type != labapi.CommandStartLab || cmd.StartLab == nil {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.StartLab.SessionID != sessionID {
		t.Fatalf("command session %s, want %s", cmd.StartLab.SessionID, sessionID)
	}
	if cmd.StartLab.SessionToken == "" {
		t.Fatalf("missing session token")
	}

	var ingested labapi.IngestEventsResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/events", labapi.IngestEventsRequest{
		SessionID: sessionID,
		Events: []labapi.AgentEvent{
			{EventType: "cell_completed", SequenceNumber: 1, Payload: map[string]any{"progress_pct": 50.0}},
			{EventType: "artifact", SequenceNumber: 2, Payload: map[string]any{"name": "plot.png", "content": "png-bytes"}},
			{EventType: "status", SequenceNumber: 3, Payload: map[string]any{"state": "completed"}},
		},
	}, &ingested)
	for _, r := range ingested.Results {
		if r.Status != "applied" {
			t.Fatalf("seq %d: status %q body=%+v", r.SequenceNumber, r.Status, ingested)
		}
	}

	var status labapi.RunStatusResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/runs/"+created.RunID, nil, &status)
	if status.Status != "completed" {
		t.Fatalf("run status = %q, want completed", status.Status)
	}
	if status.ProgressPct != 50 {
		t.Fatalf("progress = %v, want 50", status.ProgressPct)
	}

	var artifacts labapi.RunArtifactsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/runs/"+created.RunID+"/artifacts", nil, &artifacts)
	if len(artifacts.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts.Artifacts))
	}
	if artifacts.Artifacts[0].Status != "ready" {
		t.Fatalf("artifact status = %q", artifacts.Artifacts[0].Status)
	}

	var sessions labapi.RunSessionsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/runs/"+created.RunID+"/sessions", nil, &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].State != "completed" {
		t.Fatalf("unexpected sessions payload %+v", sessions)
	}
}

func TestDispatchWithoutAgentsReturnsConflict(t *testing.T) {
	h, store := newTestServer(t)
	seedPolicy(t, store)

	var tmpl labapi.RegisterTemplateResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/templates", labapi.RegisterTemplateRequest{
		Name:        "empty-classroom",
		NotebookURL: "https://content.example.com/notebooks/x.ipynb",
	}, &tmpl)
	var created labapi.CreateRunResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs", labapi.CreateRunRequest{
		TemplateID:  tmpl.TemplateID,
		ClassroomID: "class-empty",
		StudentID:   "student-1",
	}, &created)

	w := reqJSON(t, h, http.MethodPost, "/v1/runs/"+created.RunID+"/dispatch", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", w.Code, w.Body.String())
	}
	var status labapi.RunStatusResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/runs/"+created.RunID, nil, &status)
	if status.Status != "failed" {
		t.Fatalf("run status = %q, want failed", status.Status)
	}
}

func TestCreateRunValidation(t *testing.T) {
	h, _ := newTestServer(t)
	w := reqJSON(t, h, http.MethodPost, "/v1/runs", []byte(`{"classroom_id":"c","student_id":"s"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without template_id, got %d", w.Code)
	}
	w = reqJSON(t, h, http.MethodGet, "/v1/runs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", w.Code)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	h, _ := newTestServer(t)
	w := reqJSON(t, h, http.MethodPost, "/v1/agents/ghost/heartbeat", []byte(`{"agent_id":"ghost","status":"online"}`))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestAgentListReportsLiveness(t *testing.T) {
	h, _ := newTestServer(t)
	registerReadyAgent(t, h, "dev-xyz")

	var agents labapi.ListAgentsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/agents?classroom_id=class-1", nil, &agents)
	if len(agents.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents.Agents))
	}
	if !agents.Agents[0].Online {
		t.Fatalf("agent should be online right after heartbeat")
	}
	if agents.Agents[0].TrustLevel != "trusted" {
		t.Fatalf("trust = %q", agents.Agents[0].TrustLevel)
	}
}

func TestAuthScopesEnforced(t *testing.T) {
	t.Setenv("LABCOORD_API_TOKENS", "op-token:operator|metrics,reader-token:run:read|tenant:default")
	h, store := newTestServer(t)
	seedPolicy(t, store)

	w := reqJSON(t, h, http.MethodGet, "/v1/metrics", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w = reqWithToken(t, h, http.MethodGet, "/v1/metrics", "reader-token", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reader on metrics, got %d", w.Code)
	}
	w = reqWithToken(t, h, http.MethodGet, "/v1/metrics", "op-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d", w.Code)
	}

	body, _ := json.Marshal(labapi.CreateRunRequest{TemplateID: "t", ClassroomID: "c", StudentID: "s"})
	w = reqWithToken(t, h, http.MethodPost, "/v1/runs", "reader-token", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reader submitting run, got %d body=%s", w.Code, w.Body.String())
	}
	w = reqWithToken(t, h, http.MethodPost, "/v1/runs", "op-token", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for operator, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestAuditTrailRecordsRunActions(t *testing.T) {
	t.Setenv("LABCOORD_API_TOKENS", "op-token:operator|metrics")
	h, store := newTestServer(t)
	seedPolicy(t, store)

	body, _ := json.Marshal(labapi.CreateRunRequest{TemplateID: "tpl", ClassroomID: "c", StudentID: "s"})
	w := reqWithToken(t, h, http.MethodPost, "/v1/runs", "op-token", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("create run: %d body=%s", w.Code, w.Body.String())
	}

	w = reqWithToken(t, h, http.MethodGet, "/v1/admin/audit?action=run_submitted&limit=10", "op-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit list: %d body=%s", w.Code, w.Body.String())
	}
	var audits labapi.ListAuditEventsResponse
	if err := json.NewDecoder(w.Body).Decode(&audits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if audits.Returned == 0 {
		t.Fatalf("expected audit events for run_submitted")
	}
	if audits.Events[0].EventHash == "" || audits.Events[0].PayloadHash == "" {
		t.Fatalf("audit event missing hashes: %+v", audits.Events[0])
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/admin/audit?format=csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("csv export: %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected csv content type: %s", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "run_submitted") {
		t.Fatalf("expected run_submitted row in csv output, got: %s", w.Body.String())
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Setenv("LABCOORD_SUBMIT_RATE_LIMIT_PER_MIN", "2")
	h, store := newTestServer(t)
	seedPolicy(t, store)

	body, _ := json.Marshal(labapi.CreateRunRequest{TemplateID: "tpl", ClassroomID: "c", StudentID: "s"})
	for i := 0; i < 2; i++ {
		w := reqJSON(t, h, http.MethodPost, "/v1/runs", body)
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit %d: %d body=%s", i, w.Code, w.Body.String())
		}
	}
	w := reqJSON(t, h, http.MethodPost, "/v1/runs", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third submit, got %d", w.Code)
	}
}

func TestStopRunIsBestEffort(t *testing.T) {
	h, store := newTestServer(t)
	seedPolicy(t, store)
	agentID := registerReadyAgent(t, h, "dev-stop")

	var tmpl labapi.RegisterTemplateResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/templates", labapi.RegisterTemplateRequest{
		Name:        "stoppable",
		NotebookURL: "https://content.example.com/notebooks/y.ipynb",
	}, &tmpl)
	var created labapi.CreateRunResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs", labapi.CreateRunRequest{
		TemplateID:  tmpl.TemplateID,
		ClassroomID: "class-1",
		StudentID:   "student-2",
	}, &created)
	var dispatched labapi.DispatchRunResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs/"+created.RunID+"/dispatch", nil, &dispatched)

	var stopped labapi.TransitionResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/runs/"+created.RunID+"/stop", labapi.StopRunRequest{Reason: "teacher ended lab"}, &stopped)
	if stopped.Status != "completed" {
		t.Fatalf("run status after stop = %q, want completed", stopped.Status)
	}

	// Drain the start command, then expect the stop command behind it.
	var polled labapi.PollCommandsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/agents/"+agentID+"/commands", nil, &polled)
	foundStop := false
	for _, cmd := range polled.Commands {
		if cmd.Type == labapi.CommandStopLab {
			foundStop = true
		}
	}
	if !foundStop {
		t.Fatalf("expected stop_lab command in queue, got %+v", polled.Commands)
	}
}

func TestMetricsPrometheusFormat(t *testing.T) {
	h, _ := newTestServer(t)
	w := reqJSON(t, h, http.MethodGet, "/v1/metrics/prometheus", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestCrossTenantRunLookupIsNotAnOracle(t *testing.T) {
	t.Setenv("LABCOORD_API_TOKENS", "op-token:operator,alpha-token:tenant:alpha|role:classroom-reader")
	h, store := newTestServer(t)
	seedPolicy(t, store)

	body, _ := json.Marshal(labapi.CreateRunRequest{TemplateID: "tpl", ClassroomID: "c", StudentID: "s", TenantID: "beta"})
	w := reqWithToken(t, h, http.MethodPost, "/v1/runs", "op-token", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("create run: %d body=%s", w.Code, w.Body.String())
	}
	var created labapi.CreateRunResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/runs/"+created.RunID, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before any existence check, got %d", w.Code)
	}

	existing := reqWithToken(t, h, http.MethodGet, "/v1/runs/"+created.RunID, "alpha-token", nil)
	missing := reqWithToken(t, h, http.MethodGet, "/v1/runs/no-such-run", "alpha-token", nil)
	if existing.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant lookup of a real run must 404, got %d", existing.Code)
	}
	if missing.Code != existing.Code {
		t.Fatalf("existing (%d) and missing (%d) runs must be indistinguishable across tenants", existing.Code, missing.Code)
	}

	w = reqWithToken(t, h, http.MethodGet, "/v1/runs/"+created.RunID, "op-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("operator lookup: %d body=%s", w.Code, w.Body.String())
	}

	body, _ = json.Marshal(labapi.CreateRunRequest{TemplateID: "tpl", ClassroomID: "c", StudentID: "s2", TenantID: "alpha"})
	w = reqWithToken(t, h, http.MethodPost, "/v1/runs", "op-token", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("create alpha run: %d body=%s", w.Code, w.Body.String())
	}
	var own labapi.CreateRunResponse
	if err := json.NewDecoder(w.Body).Decode(&own); err != nil {
		t.Fatalf("decode: %v", err)
	}
	w = reqWithToken(t, h, http.MethodGet, "/v1/runs/"+own.RunID, "alpha-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("same-tenant lookup: %d body=%s", w.Code, w.Body.String())
	}
}
