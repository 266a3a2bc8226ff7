package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/internal/bus"
	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/state"
)

const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusRunning      = "running"
	StatusPaused       = "paused"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
	StatusTimeout      = "timeout"
)

var ErrInvalidTransition = errors.New("invalid run transition")

var ErrRunNotFound = errors.New("run not found")

var ErrAttemptsExhausted = errors.New("attempt limit reached")

// allowedSources maps each non-terminal target state to the states a run may
// transition from. Terminal targets accept any non-terminal source and are
// handled separately.
var allowedSources = map[string][]string{
	StatusReady:   {StatusInitializing},
	StatusRunning: {StatusReady, StatusPaused},
	StatusPaused:  {StatusRunning},
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// CanBeAttempted reports whether the run has attempts left. A zero MaxAttempts
// means unbounded.
func CanBeAttempted(run state.RunRecord) bool {
	if run.MaxAttempts <= 0 {
		return true
	}
	return run.AttemptsCount < run.MaxAttempts
}

type CreateParams struct {
	TemplateID    string
	ClassroomID   string
	StudentID     string
	TenantID      string
	GradeBand     string
	RunMode       string
	ExecutionMode string
	MaxAttempts   int
}

type Coordinator struct {
	store     state.Store
	publisher bus.Publisher
}

func NewCoordinator(store state.Store, publisher bus.Publisher) *Coordinator {
	return &Coordinator{store: store, publisher: publisher}
}

func (c *Coordinator) Create(ctx context.Context, params CreateParams) (state.RunRecord, error) {
	if params.TemplateID == "" {
		return state.RunRecord{}, errors.New("template_id is required")
	}
	if params.StudentID == "" {
		return state.RunRecord{}, errors.New("student_id is required")
	}
	attempts, err := c.store.CountRunsByStudentTemplate(ctx, params.StudentID, params.TemplateID)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("count prior attempts: %w", err)
	}
	if params.MaxAttempts > 0 && attempts >= params.MaxAttempts {
		return state.RunRecord{}, fmt.Errorf("student %s at limit %d: %w", params.StudentID, params.MaxAttempts, ErrAttemptsExhausted)
	}
	record := state.RunRecord{
		ID:             uuid.NewString(),
		TemplateID:     params.TemplateID,
		StudentID:      params.StudentID,
		ClassroomID:    params.ClassroomID,
		TenantID:       params.TenantID,
		GradeBand:      params.GradeBand,
		Status:         StatusInitializing,
		RunMode:        params.RunMode,
		ExecutionMode:  params.ExecutionMode,
		GradingStatus:  "pending",
		SecurityCounts: map[string]int{},
		RiskLevel:      "low",
		AttemptsCount:  attempts + 1,
		MaxAttempts:    params.MaxAttempts,
	}
	if err := c.store.CreateRun(ctx, record); err != nil {
		return state.RunRecord{}, fmt.Errorf("create run: %w", err)
	}
	observability.Default.IncCounter("runs_created_total", nil, 1)
	c.notify(ctx, "run.created", record)
	return record, nil
}

func (c *Coordinator) Get(ctx context.Context, runID string) (state.RunRecord, error) {
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, ErrRunNotFound
	}
	return record, nil
}

func (c *Coordinator) MarkReady(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusReady, nil)
}

func (c *Coordinator) Start(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusRunning, func(r *state.RunRecord) {
		if r.StartedAt.IsZero() {
			r.StartedAt = time.Now().UTC()
		}
	})
}

func (c *Coordinator) Pause(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusPaused, nil)
}

func (c *Coordinator) Resume(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusRunning, nil)
}

func (c *Coordinator) Complete(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusCompleted, stampCompletion(""))
}

func (c *Coordinator) Fail(ctx context.Context, runID, reason string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusFailed, stampCompletion(reason))
}

func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusCancelled, stampCompletion(reason))
}

func (c *Coordinator) Timeout(ctx context.Context, runID string) (state.RunRecord, error) {
	return c.transition(ctx, runID, StatusTimeout, stampCompletion("run exceeded maximum duration"))
}

func stampCompletion(reason string) func(*state.RunRecord) {
	return func(r *state.RunRecord) {
		now := time.Now().UTC()
		r.CompletedAt = now
		if !r.StartedAt.IsZero() {
			r.TimeSpentSec = int64(now.Sub(r.StartedAt) / time.Second)
		}
		if reason != "" {
			r.FailureReason = reason
		}
	}
}

// transition validates the state graph and applies the mutation in one store
// round trip. A rejected transition leaves the record untouched.
func (c *Coordinator) transition(ctx context.Context, runID, target string, mutate func(*state.RunRecord)) (state.RunRecord, error) {
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, ErrRunNotFound
	}
	if !transitionAllowed(record.Status, target) {
		return record, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, target)
	}
	record.Status = target
	if mutate != nil {
		mutate(&record)
	}
	if err := c.store.UpdateRun(ctx, record); err != nil {
		return state.RunRecord{}, fmt.Errorf("update run %s: %w", runID, err)
	}
	observability.Default.IncCounter("run_transitions_total", map[string]string{"target": target}, 1)
	c.notify(ctx, "run."+target, record)
	return record, nil
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminal(to) {
		return !IsTerminal(from)
	}
	for _, src := range allowedSources[to] {
		if src == from {
			return true
		}
	}
	return false
}

func (c *Coordinator) notify(ctx context.Context, topic string, record state.RunRecord) {
	if c.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":       record.ID,
		"template_id":  record.TemplateID,
		"student_id":   record.StudentID,
		"classroom_id": record.ClassroomID,
		"status":       record.Status,
	}
	if record.FailureReason != "" {
		payload["reason"] = record.FailureReason
	}
	if err := c.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("bus publish failed topic=%s run=%s err=%v", topic, record.ID, err)
	}
}
