package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/labcoord/internal/bus"
	"github.com/example/labcoord/internal/directory"
	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/policy"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
	"github.com/example/labcoord/internal/template"
	"github.com/example/labcoord/pkg/labapi"
)

var ErrNoEligibleAgents = errors.New("no eligible agents")

type Planner struct {
	store     state.Store
	runs      *run.Coordinator
	sessions  *session.Manager
	dir       *directory.Directory
	policies  *policy.Engine
	templates template.Store
	commands  *CommandQueue
	publisher bus.Publisher
}

func NewPlanner(store state.Store, runs *run.Coordinator, sessions *session.Manager, dir *directory.Directory, policies *policy.Engine, templates template.Store, commands *CommandQueue, publisher bus.Publisher) *Planner {
	return &Planner{
		store:     store,
		runs:      runs,
		sessions:  sessions,
		dir:       dir,
		policies:  policies,
		templates: templates,
		commands:  commands,
		publisher: publisher,
	}
}

type Result struct {
	Run      state.RunRecord
	Sessions []state.SessionRecord
	PolicyID string
}

// Dispatch fans a run out to every eligible agent in its classroom. The run
// goes to running only after at least one session exists; with no eligible
// agents the run fails immediately and no sessions are created.
func (p *Planner) Dispatch(ctx context.Context, runID string) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.run")
	defer span.End()

	record, err := p.runs.Get(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if record.Status != run.StatusInitializing && record.Status != run.StatusReady {
		return Result{}, fmt.Errorf("run %s is %s: %w", runID, record.Status, run.ErrInvalidTransition)
	}

	tmpl, ok, err := p.templates.Get(ctx, record.TemplateID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("template %s: %w", record.TemplateID, template.ErrTemplateNotFound)
	}

	now := time.Now().UTC()
	eligible, err := p.dir.FindEligible(ctx, record.ClassroomID, now)
	if err != nil {
		return Result{}, err
	}
	if len(eligible) == 0 {
		if _, ferr := p.runs.Fail(ctx, runID, "no eligible agents"); ferr != nil {
			log.Printf("dispatch fail-transition error run=%s err=%v", runID, ferr)
		}
		observability.Default.IncCounter("dispatch_no_agents_total", nil, 1)
		return Result{}, fmt.Errorf("%w: classroom=%s", ErrNoEligibleAgents, record.ClassroomID)
	}

	pol, err := p.policies.ResolveForDispatch(ctx, record.TenantID, record.GradeBand, now)
	if err != nil {
		if _, ferr := p.runs.Fail(ctx, runID, "no effective policy"); ferr != nil {
			log.Printf("dispatch fail-transition error run=%s err=%v", runID, ferr)
		}
		return Result{}, fmt.Errorf("resolve policy: %w", err)
	}

	manifest := policy.FilterManifest(pol, tmpl.RequestedPackages)
	created := make([]state.SessionRecord, 0, len(eligible))
	for _, agent := range eligible {
		sess, err := p.sessions.Create(ctx, session.CreateParams{
			AgentID:          agent.ID,
			RunID:            record.ID,
			NotebookChecksum: tmpl.Checksum,
			PackageManifest:  manifest,
		})
		if err != nil {
			if errors.Is(err, session.ErrAgentBusy) {
				log.Printf("dispatch skip agent=%s run=%s reason=busy", agent.ID, runID)
				continue
			}
			return Result{}, fmt.Errorf("create session for agent %s: %w", agent.ID, err)
		}
		p.commands.Push(agent.ID, labapi.Command{
			Type: labapi.CommandStartLab,
			StartLab: &labapi.StartLabCommand{
				SessionID:        sess.ID,
				SessionToken:     sess.SessionToken,
				LabRunID:         record.ID,
				NotebookURL:      tmpl.NotebookURL,
				NotebookChecksum: tmpl.Checksum,
				Attachments:      tmpl.Attachments,
				Policy:           policySnapshot(pol, manifest),
			},
		})
		created = append(created, sess)
	}
	if len(created) == 0 {
		if _, ferr := p.runs.Fail(ctx, runID, "no sessions created"); ferr != nil {
			log.Printf("dispatch fail-transition error run=%s err=%v", runID, ferr)
		}
		return Result{}, fmt.Errorf("%w: all agents busy", ErrNoEligibleAgents)
	}

	if record.Status == run.StatusInitializing {
		if record, err = p.runs.MarkReady(ctx, runID); err != nil {
			return Result{}, err
		}
	}
	record, err = p.runs.Start(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	record.PolicyID = pol.ID
	if err := p.store.UpdateRun(ctx, record); err != nil {
		return Result{}, err
	}

	observability.Default.IncCounter("dispatches_total", nil, 1)
	observability.Default.IncCounter("dispatch_sessions_total", nil, float64(len(created)))
	p.notify(ctx, "run.dispatched", map[string]any{
		"run_id":    record.ID,
		"policy_id": pol.ID,
		"sessions":  len(created),
	})
	return Result{Run: record, Sessions: created, PolicyID: pol.ID}, nil
}

// Stop sends StopLab to every non-terminal session of a run and completes the
// run regardless of agent acknowledgment. Sessions are cancelled server-side;
// agents that never pick up the command are swept later by liveness timeout.
func (p *Planner) Stop(ctx context.Context, runID, reason string) (state.RunRecord, error) {
	if reason == "" {
		reason = "stopped by caller"
	}
	record, err := p.runs.Get(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if run.IsTerminal(record.Status) {
		return record, nil
	}
	sessions, err := p.store.ListSessionsByRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	for _, sess := range sessions {
		if session.IsTerminal(sess.State) {
			continue
		}
		p.commands.Push(sess.AgentID, labapi.Command{
			Type:    labapi.CommandStopLab,
			StopLab: &labapi.StopLabCommand{SessionID: sess.ID, Reason: reason},
		})
		if _, err := p.sessions.Cancel(ctx, sess.ID, reason); err != nil {
			log.Printf("stop session cancel failed session=%s err=%v", sess.ID, err)
		}
	}
	record, err = p.runs.Complete(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	p.notify(ctx, "run.stopped", map[string]any{"run_id": runID, "reason": reason})
	return record, nil
}

func policySnapshot(pol state.PolicyRecord, manifest map[string][]string) labapi.PolicySnapshot {
	return labapi.PolicySnapshot{
		PolicyID:              pol.ID,
		CPUQuota:              pol.CPUQuota,
		MemoryQuotaMB:         pol.MemoryQuotaMB,
		DiskQuotaMB:           pol.DiskQuotaMB,
		NetworkKbps:           pol.NetworkKbps,
		AllowedPackages:       manifest,
		SecuritySettings:      pol.SecuritySettings,
		IdleTimeoutSeconds:    pol.IdleTimeoutSeconds,
		MaxSessionDurationSec: pol.MaxSessionDurationSec,
	}
}

func (p *Planner) notify(ctx context.Context, topic string, payload map[string]any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("bus publish failed topic=%s err=%v", topic, err)
	}
}
