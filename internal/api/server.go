package api

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/internal/directory"
	"github.com/example/labcoord/internal/dispatch"
	"github.com/example/labcoord/internal/ingest"
	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
	"github.com/example/labcoord/internal/template"
	"github.com/example/labcoord/pkg/labapi"
	"go.opentelemetry.io/otel/attribute"
)

const maxCommandsPerPoll = 10

type Server struct {
	store     state.Store
	runs      *run.Coordinator
	sessions  *session.Manager
	dir       *directory.Directory
	planner   *dispatch.Planner
	pipeline  *ingest.Pipeline
	templates template.Store
	commands  *dispatch.CommandQueue
	auth      *authorizer
	limiter   *submitLimiter
}

func NewServer(
	store state.Store,
	runs *run.Coordinator,
	sessions *session.Manager,
	dir *directory.Directory,
	planner *dispatch.Planner,
	pipeline *ingest.Pipeline,
	templates template.Store,
	commands *dispatch.CommandQueue,
) *Server {
	return &Server{
		store:     store,
		runs:      runs,
		sessions:  sessions,
		dir:       dir,
		planner:   planner,
		pipeline:  pipeline,
		templates: templates,
		commands:  commands,
		auth:      newAuthorizerFromEnv(),
		limiter:   newSubmitLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/templates", s.handleTemplates)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRunByID)
	mux.HandleFunc("/v1/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("/v1/agents", s.handleListAgents)
	mux.HandleFunc("/v1/agents/", s.handleAgentSubresource)
	mux.HandleFunc("/v1/sessions/", s.handleSessionSubresource)
	mux.HandleFunc("/v1/admin/audit", s.handleAuditEvents)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "operator", "run:submit"); !ok {
		return
	}
	var req labapi.RegisterTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.NotebookURL = strings.TrimSpace(req.NotebookURL)
	if req.NotebookURL == "" {
		writeError(w, http.StatusBadRequest, "notebook_url is required")
		return
	}
	id := strings.TrimSpace(req.TemplateID)
	if id == "" {
		id = uuid.NewString()
	}
	checksum := strings.TrimSpace(req.NotebookChecksum)
	if checksum == "" {
		checksum = template.ChecksumOf(req.NotebookURL)
	}
	if err := s.templates.Put(r.Context(), template.Template{
		ID:                id,
		Name:              strings.TrimSpace(req.Name),
		NotebookURL:       req.NotebookURL,
		Checksum:          checksum,
		Attachments:       req.Attachments,
		RequestedPackages: req.RequestedPackages,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, labapi.RegisterTemplateResponse{TemplateID: id})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req labapi.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	if strings.TrimSpace(req.ClassroomID) == "" {
		writeError(w, http.StatusBadRequest, "classroom_id is required")
		return
	}
	if strings.TrimSpace(req.StudentID) == "" {
		writeError(w, http.StatusBadRequest, "student_id is required")
		return
	}
	tenant := tenantFromRequest(r, req.TenantID)
	p, ok := s.requireTenantAction(w, r, tenant, "submit")
	if !ok {
		return
	}
	if !s.limiter.allow(tenant, time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	record, err := s.runs.Create(r.Context(), run.CreateParams{
		TemplateID:  req.TemplateID,
		ClassroomID: req.ClassroomID,
		StudentID:   req.StudentID,
		TenantID:    tenant,
		GradeBand:   req.GradeBand,
		RunMode:     req.RunMode,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, run.ErrAttemptsExhausted) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, state.AuditEventRecord{
		Action:      "run_submitted",
		Actor:       p.id,
		Tenant:      tenant,
		Resource:    "runs/" + record.ID,
		PayloadHash: hashPayload(req),
		Result:      "ok",
		Details:     fmt.Sprintf("template=%s classroom=%s student=%s", req.TemplateID, req.ClassroomID, req.StudentID),
	})
	writeJSON(w, http.StatusAccepted, labapi.CreateRunResponse{RunID: record.ID})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if path == "" {
		writeError(w, http.StatusNotFound, "run id is required")
		return
	}
	parts := strings.Split(path, "/")
	runID := parts[0]
	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	record, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A cross-tenant caller gets the same 404 as a missing run, so run ids
	// cannot be probed across tenants.
	if s.auth.enabled && !p.canTenantAction(record.TenantID, actionForRunSubresource(subresource)) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	switch subresource {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, runStatusPayload(record))
	case "dispatch":
		s.handleDispatch(w, r, record)
	case "stop":
		s.handleStop(w, r, record)
	case "pause":
		s.handleRunTransition(w, r, record.ID, s.runs.Pause)
	case "resume":
		s.handleRunTransition(w, r, record.ID, s.runs.Resume)
	case "sessions":
		s.handleRunSessions(w, r, record.ID)
	case "artifacts":
		s.handleRunArtifacts(w, r, record.ID)
	case "stream":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.streamRunEvents(w, r, record.ID)
	default:
		writeError(w, http.StatusNotFound, "unknown subresource")
	}
}

func actionForRunSubresource(subresource string) string {
	switch subresource {
	case "dispatch":
		return "submit"
	case "stop", "pause", "resume":
		return "cancel"
	default:
		return "read"
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, record state.RunRecord) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	result, err := s.planner.Dispatch(r.Context(), record.ID)
	if err != nil {
		s.audit(r, state.AuditEventRecord{
			Action:   "run_dispatched",
			Actor:    "system/dispatch",
			Tenant:   record.TenantID,
			Resource: "runs/" + record.ID,
			Result:   "error",
			Details:  err.Error(),
		})
		switch {
		case errors.Is(err, dispatch.ErrNoEligibleAgents):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, run.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, template.ErrTemplateNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	ids := make([]string, 0, len(result.Sessions))
	for _, sess := range result.Sessions {
		ids = append(ids, sess.ID)
	}
	s.audit(r, state.AuditEventRecord{
		Action:   "run_dispatched",
		Actor:    "system/dispatch",
		Tenant:   record.TenantID,
		Resource: "runs/" + record.ID,
		Result:   "ok",
		Details:  fmt.Sprintf("policy=%s sessions=%d", result.PolicyID, len(ids)),
	})
	writeJSON(w, http.StatusAccepted, labapi.DispatchRunResponse{RunID: record.ID, Sessions: ids})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, record state.RunRecord) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req labapi.StopRunRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "stopped by operator"
	}
	updated, err := s.planner.Stop(r.Context(), record.ID, reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, state.AuditEventRecord{
		Action:   "run_stopped",
		Actor:    "system/dispatch",
		Tenant:   record.TenantID,
		Resource: "runs/" + record.ID,
		Result:   "ok",
		Details:  "reason=" + reason,
	})
	writeJSON(w, http.StatusAccepted, labapi.TransitionResponse{Accepted: true, Status: updated.Status})
}

func (s *Server) handleRunTransition(w http.ResponseWriter, r *http.Request, runID string, fn func(context.Context, string) (state.RunRecord, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	updated, err := fn(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, labapi.TransitionResponse{Accepted: true, Status: updated.Status})
}

func (s *Server) handleRunSessions(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := s.store.ListSessionsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]labapi.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionStatusPayload(sess))
	}
	writeJSON(w, http.StatusOK, labapi.RunSessionsResponse{RunID: runID, Sessions: out})
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	artifacts, err := s.store.ListArtifactsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	out := make([]labapi.ArtifactStatus, 0, len(artifacts))
	for _, a := range artifacts {
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		out = append(out, labapi.ArtifactStatus{
			ArtifactID:      a.ID,
			RunID:           a.RunID,
			SessionID:       a.SessionID,
			ArtifactType:    a.ArtifactType,
			Status:          a.Status,
			Checksum:        a.Checksum,
			SizeBytes:       a.SizeBytes,
			StorageRef:      a.StorageRef,
			SyncFromOffline: a.SyncFromOffline,
			CreatedAt:       fmtTime(a.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, labapi.RunArtifactsResponse{RunID: runID, Artifacts: out})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "agent:report", "operator"); !ok {
		return
	}
	var req labapi.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if strings.TrimSpace(req.ClassroomID) == "" {
		writeError(w, http.StatusBadRequest, "classroom_id is required")
		return
	}
	agent, err := s.dir.Register(r.Context(), directory.RegisterParams{
		DeviceID:                 req.DeviceID,
		ClassroomID:              req.ClassroomID,
		TenantID:                 req.TenantID,
		Capabilities:             req.Capabilities,
		HeartbeatIntervalSeconds: req.HeartbeatIntervalSeconds,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, state.AuditEventRecord{
		Action:   "agent_registered",
		Actor:    "agent/" + agent.ID,
		Tenant:   agent.TenantID,
		Resource: "agents/" + agent.ID,
		Result:   "ok",
		Details:  fmt.Sprintf("device=%s classroom=%s trust=%s", agent.DeviceID, agent.ClassroomID, agent.TrustLevel),
	})
	writeJSON(w, http.StatusOK, labapi.RegisterAgentResponse{
		Accepted:                 true,
		AgentID:                  agent.ID,
		HeartbeatIntervalSeconds: agent.HeartbeatIntervalSeconds,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "operator", "run:read"); !ok {
		return
	}
	classroom := strings.TrimSpace(r.URL.Query().Get("classroom_id"))
	var (
		agents []state.AgentRecord
		err    error
	)
	if classroom != "" {
		agents, err = s.store.ListAgentsByClassroom(r.Context(), classroom)
	} else {
		agents, err = s.store.ListAgents(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now().UTC()
	out := make([]labapi.AgentStatus, 0, len(agents))
	for _, agent := range agents {
		out = append(out, labapi.AgentStatus{
			AgentID:                  agent.ID,
			DeviceID:                 agent.DeviceID,
			ClassroomID:              agent.ClassroomID,
			TrustLevel:               agent.TrustLevel,
			Status:                   agent.Status,
			Online:                   directory.IsOnline(agent, now),
			LastSeenAt:               fmtTime(agent.LastSeenAt),
			HeartbeatIntervalSeconds: agent.HeartbeatIntervalSeconds,
			PolicyID:                 agent.PolicyID,
		})
	}
	writeJSON(w, http.StatusOK, labapi.ListAgentsResponse{Agents: out})
}

func (s *Server) handleAgentSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "agent id and subresource are required")
		return
	}
	agentID := parts[0]
	switch parts[1] {
	case "heartbeat":
		s.handleHeartbeat(w, r, agentID)
	case "commands":
		s.handlePollCommands(w, r, agentID)
	case "trust":
		s.handleSetTrust(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, "unknown subresource")
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "agent:report", "operator"); !ok {
		return
	}
	var req labapi.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	now := time.Now().UTC()
	if _, err := s.dir.RecordHeartbeat(r.Context(), agentID, now); err != nil {
		if errors.Is(err, directory.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.SessionID != "" {
		_, err := s.sessions.RecordHeartbeat(r.Context(), req.SessionID, session.HeartbeatParams{
			CPUUsage:    req.CPUUsage,
			MemoryUsage: req.MemoryUsage,
			LogTail:     req.LogTail,
			Status:      req.Status,
			SeenAt:      now,
		})
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, labapi.HeartbeatResponse{Accepted: true})
}

func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "agent:report", "operator"); !ok {
		return
	}
	if _, ok, err := s.store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "agent not registered")
		return
	}
	max := maxCommandsPerPoll
	if raw := strings.TrimSpace(r.URL.Query().Get("max")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = v
	}
	commands := s.commands.Pull(agentID, max)
	writeJSON(w, http.StatusOK, labapi.PollCommandsResponse{Commands: commands})
}

func (s *Server) handleSetTrust(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, "operator", "admin")
	if !ok {
		return
	}
	var req labapi.SetTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dir.SetTrustLevel(r.Context(), agentID, req.TrustLevel); err != nil {
		if errors.Is(err, directory.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, state.AuditEventRecord{
		Action:   "trust_changed",
		Actor:    p.id,
		Resource: "agents/" + agentID,
		Result:   "ok",
		Details:  "trust_level=" + req.TrustLevel,
	})
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "trust_level": req.TrustLevel})
}

func (s *Server) handleSessionSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "session id and subresource are required")
		return
	}
	sessionID := parts[0]
	switch parts[1] {
	case "events":
		s.handleIngestEvents(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "unknown subresource")
	}
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "event:report", "agent:report", "operator"); !ok {
		return
	}
	var req labapi.IngestEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID != "" && req.SessionID != sessionID {
		writeError(w, http.StatusBadRequest, "session id mismatch")
		return
	}
	results, err := s.pipeline.IngestBatch(r.Context(), sessionID, req.Events)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, labapi.IngestEventsResponse{Accepted: true, Results: results})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	offset := 0
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	result := strings.TrimSpace(r.URL.Query().Get("result"))
	from, to, err := parseTimeRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = v
	}
	events, err := s.store.ListAuditEvents(r.Context(), state.AuditQuery{
		Limit:  limit,
		Offset: offset,
		Action: action,
		Actor:  actor,
		Tenant: tenant,
		Result: result,
		From:   from,
		To:     to,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv") {
		writeAuditCSV(w, events)
		return
	}
	out := make([]labapi.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, labapi.AuditEvent{
			ID:          e.ID,
			Action:      e.Action,
			Actor:       e.Actor,
			Tenant:      e.Tenant,
			RemoteAddr:  e.RemoteAddr,
			Resource:    e.Resource,
			PayloadHash: e.PayloadHash,
			PrevHash:    e.PrevHash,
			EventHash:   e.EventHash,
			Result:      e.Result,
			Details:     e.Details,
			CreatedAt:   fmtTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, labapi.ListAuditEventsResponse{
		Returned: len(out),
		Limit:    limit,
		Offset:   offset,
		Events:   out,
	})
}

func writeAuditCSV(w http.ResponseWriter, events []state.AuditEventRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "action", "actor", "tenant", "remote_addr", "resource", "payload_hash", "prev_hash", "event_hash", "result", "details"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.Action,
			e.Actor,
			e.Tenant,
			e.RemoteAddr,
			e.Resource,
			e.PayloadHash,
			e.PrevHash,
			e.EventHash,
			e.Result,
			e.Details,
		})
	}
	cw.Flush()
}

func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	record, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		_ = writeSSEEvent(w, "error", map[string]any{"message": err.Error()})
		flusher.Flush()
		return
	}
	sessions, err := s.store.ListSessionsByRun(r.Context(), runID)
	if err != nil {
		_ = writeSSEEvent(w, "error", map[string]any{"message": err.Error()})
		flusher.Flush()
		return
	}
	sessionStates := make(map[string]string, len(sessions))
	for _, sess := range sessions {
		sessionStates[sess.ID] = sessionStateHash(sess)
	}
	lastRunState := runStateHash(record)

	sessionPayloads := make([]labapi.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		sessionPayloads = append(sessionPayloads, sessionStatusPayload(sess))
	}
	_ = writeSSEEvent(w, "run.snapshot", map[string]any{
		"run":      runStatusPayload(record),
		"sessions": sessionPayloads,
	})
	flusher.Flush()

	if run.IsTerminal(record.Status) {
		_ = writeSSEEvent(w, "run."+record.Status, runStatusPayload(record))
		flusher.Flush()
		return
	}

	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()
	keepaliveTicker := time.NewTicker(15 * time.Second)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepaliveTicker.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case <-pollTicker.C:
			record, err = s.runs.Get(r.Context(), runID)
			if err != nil {
				_ = writeSSEEvent(w, "error", map[string]any{"message": err.Error()})
				flusher.Flush()
				return
			}
			sessions, err = s.store.ListSessionsByRun(r.Context(), runID)
			if err != nil {
				_ = writeSSEEvent(w, "error", map[string]any{"message": err.Error()})
				flusher.Flush()
				return
			}

			currentRunState := runStateHash(record)
			if currentRunState != lastRunState {
				_ = writeSSEEvent(w, "run.status", runStatusPayload(record))
				lastRunState = currentRunState
			}
			for _, sess := range sessions {
				current := sessionStateHash(sess)
				prev, exists := sessionStates[sess.ID]
				if !exists || prev != current {
					_ = writeSSEEvent(w, "session.update", sessionStatusPayload(sess))
					sessionStates[sess.ID] = current
				}
			}
			flusher.Flush()

			if run.IsTerminal(record.Status) {
				_ = writeSSEEvent(w, "run."+record.Status, runStatusPayload(record))
				flusher.Flush()
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return err
	}
	return nil
}

func runStateHash(record state.RunRecord) string {
	return fmt.Sprintf("%s|%.2f|%d|%d|%s", record.Status, record.ProgressPct, record.CellsExecuted, record.ErrorsCount, record.RiskLevel)
}

func sessionStateHash(sess state.SessionRecord) string {
	return fmt.Sprintf("%s|%d|%d|%s|%d", sess.State, sess.CellsExecuted, sess.ErrorsCount, sess.SyncStatus, sess.LastAppliedSeq)
}

func runStatusPayload(record state.RunRecord) labapi.RunStatusResponse {
	return labapi.RunStatusResponse{
		RunID:          record.ID,
		TemplateID:     record.TemplateID,
		ClassroomID:    record.ClassroomID,
		StudentID:      record.StudentID,
		Status:         record.Status,
		RunMode:        record.RunMode,
		GradingStatus:  record.GradingStatus,
		ProgressPct:    record.ProgressPct,
		RiskLevel:      record.RiskLevel,
		SecurityEvents: record.SecurityCounts,
		FailureReason:  record.FailureReason,
		TimeSpentSec:   record.TimeSpentSec,
		CreatedAt:      fmtTime(record.CreatedAt),
		UpdatedAt:      fmtTime(record.UpdatedAt),
	}
}

func sessionStatusPayload(sess state.SessionRecord) labapi.SessionStatus {
	return labapi.SessionStatus{
		SessionID:        sess.ID,
		AgentID:          sess.AgentID,
		RunID:            sess.RunID,
		State:            sess.State,
		NotebookChecksum: sess.NotebookChecksum,
		CellsExecuted:    sess.CellsExecuted,
		ErrorsCount:      sess.ErrorsCount,
		CPUUsage:         sess.CPUUsage,
		MemoryUsage:      sess.MemoryUsage,
		SyncStatus:       sess.SyncStatus,
		LastHeartbeatAt:  fmtTime(sess.LastHeartbeatAt),
		StartedAt:        fmtTime(sess.StartedAt),
		EndedAt:          fmtTime(sess.EndedAt),
	}
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireTenantAction(w http.ResponseWriter, r *http.Request, tenant, action string) (principal, bool) {
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	if !s.auth.enabled {
		return p, true
	}
	if !p.canTenantAction(tenant, action) {
		writeError(w, http.StatusForbidden, "tenant action denied")
		return principal{}, false
	}
	return p, true
}

func (s *Server) audit(r *http.Request, event state.AuditEventRecord) {
	event.RemoteAddr = r.RemoteAddr
	event.CreatedAt = time.Now().UTC()
	if err := s.store.AppendAuditEvent(r.Context(), event); err != nil {
		log.Printf("audit append failed action=%s err=%v", event.Action, err)
	}
}

func hashPayload(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func tenantFromRequest(r *http.Request, reqTenant string) string {
	t := strings.TrimSpace(reqTenant)
	if t == "" {
		t = strings.TrimSpace(r.Header.Get("X-Labcoord-Tenant"))
	}
	if t == "" {
		t = "default"
	}
	return t
}

func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	var from, to time.Time
	fromRaw = strings.TrimSpace(fromRaw)
	toRaw = strings.TrimSpace(toRaw)
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return from, to, fmt.Errorf("from must be RFC3339")
		}
		from = t.UTC()
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return from, to, fmt.Errorf("to must be RFC3339")
		}
		to = t.UTC()
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("to must not be before from")
	}
	return from, to, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
