package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/labcoord/internal/blob"
	"github.com/example/labcoord/internal/bus"
	"github.com/example/labcoord/internal/observability"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
	"github.com/example/labcoord/pkg/labapi"
)

const (
	EventCellCompleted = "cell_completed"
	EventLog           = "log"
	EventError         = "error"
	EventSecurity      = "security"
	EventArtifact      = "artifact"
	EventStatus        = "status"
	EventSync          = "sync"
)

const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultDeferred  = "deferred"
	ResultFailed    = "failed"
)

const (
	ArtifactGenerating = "generating"
	ArtifactReady      = "ready"
	ArtifactFailed     = "failed"
)

const sessionStripes = 64

const defaultMaxUploadRetries = 3

const defaultRetryBackoff = 100 * time.Millisecond

// Pipeline ingests agent event batches. Processing for one session is
// serialized on a striped lock while distinct sessions proceed in parallel.
// Events apply to derived state in contiguous sequence order: an event whose
// predecessor has not arrived is stored and deferred until the gap fills.
type Pipeline struct {
	store            state.Store
	sessions         *session.Manager
	blobs            blob.Store
	publisher        bus.Publisher
	locks            [sessionStripes]sync.Mutex
	maxUploadRetries int
	retryBackoff     time.Duration
}

func NewPipeline(store state.Store, sessions *session.Manager, blobs blob.Store, publisher bus.Publisher) *Pipeline {
	return &Pipeline{
		store:            store,
		sessions:         sessions,
		blobs:            blobs,
		publisher:        publisher,
		maxUploadRetries: defaultMaxUploadRetries,
		retryBackoff:     defaultRetryBackoff,
	}
}

// SetRetryPolicy tightens upload retry behavior, used by tests.
func (p *Pipeline) SetRetryPolicy(maxRetries int, backoff time.Duration) {
	if maxRetries > 0 {
		p.maxUploadRetries = maxRetries
	}
	if backoff > 0 {
		p.retryBackoff = backoff
	}
}

// IngestBatch records and applies a batch of events for one session. Each
// event gets an individual result; one failing event never aborts its
// siblings.
func (p *Pipeline) IngestBatch(ctx context.Context, sessionID string, events []labapi.AgentEvent) ([]labapi.EventResult, error) {
	ctx, span := observability.StartSpan(ctx, "ingest.batch")
	defer span.End()

	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok, err := p.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	} else if !ok {
		return nil, session.ErrSessionNotFound
	}

	sorted := make([]labapi.AgentEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })

	fresh := make(map[int64]bool, len(sorted))
	for _, ev := range sorted {
		inserted, err := p.recordEvent(ctx, sessionID, ev, false)
		if err != nil {
			return nil, err
		}
		fresh[ev.SequenceNumber] = inserted
	}

	if err := p.drain(ctx, sessionID); err != nil {
		return nil, err
	}

	results := make([]labapi.EventResult, 0, len(events))
	for _, ev := range events {
		record, ok, err := p.store.GetEvent(ctx, sessionID, ev.SequenceNumber)
		if err != nil {
			return nil, err
		}
		if !ok {
			results = append(results, labapi.EventResult{SequenceNumber: ev.SequenceNumber, Status: ResultFailed, Error: "event not recorded"})
			continue
		}
		results = append(results, eventResult(record, fresh[ev.SequenceNumber]))
	}
	observability.Default.IncCounter("events_ingested_total", nil, float64(len(events)))
	return results, nil
}

func eventResult(record state.EventRecord, freshlyInserted bool) labapi.EventResult {
	out := labapi.EventResult{SequenceNumber: record.SequenceNumber}
	switch {
	case !record.Processed:
		out.Status = ResultDeferred
	case !freshlyInserted:
		// Replay of an already-processed sequence number returns the prior
		// outcome without re-applying side effects.
		out.Status = ResultDuplicate
		out.Error = record.Error
	default:
		out.Status = record.Result
		out.Error = record.Error
	}
	return out
}

// recordEvent persists an event if its (session, sequence) key is new. Sync
// events additionally unpack their cached items into first-class events so the
// drain loop can apply them in sequence order.
func (p *Pipeline) recordEvent(ctx context.Context, sessionID string, ev labapi.AgentEvent, fromSync bool) (bool, error) {
	record := state.EventRecord{
		SessionID:       sessionID,
		SequenceNumber:  ev.SequenceNumber,
		EventType:       ev.EventType,
		Payload:         ev.Payload,
		EventTimestamp:  parseEventTime(ev.EventTimestamp),
		CorrelationID:   ev.CorrelationID,
		SyncFromOffline: fromSync,
	}
	_, inserted, err := p.store.InsertEvent(ctx, record)
	if err != nil {
		return false, err
	}
	if inserted && ev.EventType == EventSync {
		for _, item := range syncItems(ev.Payload) {
			if _, err := p.recordEvent(ctx, sessionID, item, true); err != nil {
				return inserted, err
			}
		}
	}
	return inserted, nil
}

// drain applies unprocessed events while the next contiguous sequence number
// is available. Application failures still advance the cursor; the failure is
// recorded on the event, not allowed to wedge the session.
func (p *Pipeline) drain(ctx context.Context, sessionID string) error {
	for {
		sess, ok, err := p.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return session.ErrSessionNotFound
		}
		pending, err := p.store.ListUnprocessedEvents(ctx, sessionID)
		if err != nil {
			return err
		}
		applied := false
		for _, ev := range pending {
			if ev.SequenceNumber <= sess.LastAppliedSeq {
				// Late insert below the cursor: mark it processed as a
				// duplicate so it cannot shadow the drain loop forever.
				ev.Processed = true
				ev.Result = ResultDuplicate
				if err := p.store.UpdateEvent(ctx, ev); err != nil {
					return err
				}
				continue
			}
			if ev.SequenceNumber != sess.LastAppliedSeq+1 {
				break
			}
			if err := p.applyEvent(ctx, &sess, ev); err != nil {
				return err
			}
			applied = true
			break
		}
		if !applied {
			return nil
		}
	}
}

func (p *Pipeline) applyEvent(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	var applyErr error
	switch ev.EventType {
	case EventCellCompleted:
		applyErr = p.applyCellCompleted(ctx, sess, ev)
	case EventLog:
		applyErr = p.applyLog(ctx, sess, ev)
	case EventError:
		applyErr = p.applyError(ctx, sess, ev)
	case EventSecurity:
		applyErr = p.applySecurity(ctx, sess, ev)
	case EventArtifact:
		applyErr = p.applyArtifact(ctx, sess, ev)
	case EventStatus:
		applyErr = p.applyStatus(ctx, sess, ev)
	case EventSync:
		applyErr = p.applySync(ctx, sess, ev)
	default:
		// Unknown types are accepted and skipped so old controllers do not
		// reject batches from newer agents.
		log.Printf("ingest skip unknown event type=%s session=%s seq=%d", ev.EventType, ev.SessionID, ev.SequenceNumber)
	}

	ev.Processed = true
	if applyErr != nil {
		ev.Result = ResultFailed
		ev.Error = applyErr.Error()
		observability.Default.IncCounter("events_failed_total", map[string]string{"event_type": ev.EventType}, 1)
	} else {
		ev.Result = ResultApplied
		observability.Default.IncCounter("events_applied_total", map[string]string{"event_type": ev.EventType}, 1)
	}
	if err := p.store.UpdateEvent(ctx, ev); err != nil {
		return err
	}

	// Advance the per-session cursor regardless of apply outcome.
	fresh, ok, err := p.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		return session.ErrSessionNotFound
	}
	fresh.LastAppliedSeq = ev.SequenceNumber
	if err := p.store.UpdateSession(ctx, fresh); err != nil {
		return err
	}
	*sess = fresh
	return nil
}

func (p *Pipeline) applyCellCompleted(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	updated, err := p.sessions.RecordCellExecution(ctx, sess.ID)
	if err != nil {
		return err
	}
	*sess = updated

	record, ok, err := p.store.GetRun(ctx, sess.RunID)
	if err != nil || !ok {
		return fmt.Errorf("run %s for session %s: ok=%v err=%w", sess.RunID, sess.ID, ok, err)
	}
	record.CellsExecuted++
	if pct, ok := payloadFloat(ev.Payload, "progress_pct"); ok && pct > record.ProgressPct {
		record.ProgressPct = pct
	}
	return p.store.UpdateRun(ctx, record)
}

func (p *Pipeline) applyLog(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	if tail, ok := payloadString(ev.Payload, "log_tail"); ok && tail != "" {
		sess.LogTail = tail
		return p.store.UpdateSession(ctx, *sess)
	}
	return nil
}

func (p *Pipeline) applyError(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	updated, err := p.sessions.RecordError(ctx, sess.ID)
	if err != nil {
		return err
	}
	*sess = updated

	record, ok, err := p.store.GetRun(ctx, sess.RunID)
	if err != nil || !ok {
		return fmt.Errorf("run %s for session %s: ok=%v err=%w", sess.RunID, sess.ID, ok, err)
	}
	record.ErrorsCount++
	return p.store.UpdateRun(ctx, record)
}

func (p *Pipeline) applySecurity(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	severity, _ := payloadString(ev.Payload, "severity")
	severity = strings.ToLower(strings.TrimSpace(severity))
	if severity == "" {
		severity = "low"
	}
	record, ok, err := p.store.GetRun(ctx, sess.RunID)
	if err != nil || !ok {
		return fmt.Errorf("run %s for session %s: ok=%v err=%w", sess.RunID, sess.ID, ok, err)
	}
	if record.SecurityCounts == nil {
		record.SecurityCounts = map[string]int{}
	}
	record.SecurityCounts[severity]++
	record.RiskLevel = RiskLevel(record.SecurityCounts)
	observability.Default.IncCounter("security_events_total", map[string]string{"severity": severity}, 1)
	return p.store.UpdateRun(ctx, record)
}

// RiskLevel derives a run's risk classification from accumulated severity
// counts. Recomputed from scratch on every security event so the level can
// never drift from the counters.
func RiskLevel(counts map[string]int) string {
	if counts["high"] > 0 || counts["critical"] > 0 {
		return "high"
	}
	if counts["medium"] > 2 {
		return "medium"
	}
	return "low"
}

func (p *Pipeline) applyArtifact(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	content, _ := payloadString(ev.Payload, "content")
	artifactType, _ := payloadString(ev.Payload, "artifact_type")
	if artifactType == "" {
		artifactType = "output"
	}
	name, _ := payloadString(ev.Payload, "name")
	if name == "" {
		name = fmt.Sprintf("artifact-%d", ev.SequenceNumber)
	}

	artifact := state.ArtifactRecord{
		ID:              uuid.NewString(),
		RunID:           sess.RunID,
		SessionID:       sess.ID,
		SequenceNumber:  ev.SequenceNumber,
		ArtifactType:    artifactType,
		Status:          ArtifactGenerating,
		SizeBytes:       int64(len(content)),
		SyncFromOffline: ev.SyncFromOffline,
	}
	stored, inserted, err := p.store.CreateArtifact(ctx, artifact)
	if err != nil {
		return err
	}
	if !inserted && stored.Status == ArtifactReady {
		return nil
	}
	artifact = stored

	key := fmt.Sprintf("%s/%s/%d/%s", sess.RunID, sess.ID, ev.SequenceNumber, name)
	ref, checksum, err := p.uploadWithRetry(ctx, &ev, key, []byte(content))
	if err != nil {
		artifact.Status = ArtifactFailed
		artifact.ErrorMessage = err.Error()
		if uerr := p.store.UpdateArtifact(ctx, artifact); uerr != nil {
			return uerr
		}
		return fmt.Errorf("artifact upload: %w", err)
	}
	artifact.Status = ArtifactReady
	artifact.Checksum = checksum
	artifact.StorageRef = ref
	if err := p.store.UpdateArtifact(ctx, artifact); err != nil {
		return err
	}
	observability.Default.IncCounter("artifacts_materialized_total", nil, 1)
	return nil
}

func (p *Pipeline) uploadWithRetry(ctx context.Context, ev *state.EventRecord, key string, content []byte) (string, string, error) {
	var lastErr error
	backoff := p.retryBackoff
	for attempt := 0; attempt < p.maxUploadRetries; attempt++ {
		if attempt > 0 {
			ev.RetryCount++
			if err := p.store.UpdateEvent(ctx, *ev); err != nil {
				return "", "", err
			}
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ref, checksum, err := p.blobs.Upload(ctx, key, content, "application/octet-stream")
		if err == nil {
			return ref, checksum, nil
		}
		lastErr = err
	}
	return "", "", fmt.Errorf("upload failed after %d attempts: %w", p.maxUploadRetries, lastErr)
}

func (p *Pipeline) applyStatus(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	target, _ := payloadString(ev.Payload, "state")
	reason, _ := payloadString(ev.Payload, "reason")
	var (
		updated state.SessionRecord
		err     error
	)
	switch target {
	case session.StateReady:
		updated, err = p.sessions.MarkReady(ctx, sess.ID)
	case session.StateRunning:
		updated, err = p.sessions.Start(ctx, sess.ID)
	case session.StateCompleted:
		updated, err = p.sessions.Complete(ctx, sess.ID)
	case session.StateFailed:
		updated, err = p.sessions.Fail(ctx, sess.ID, reason)
	case session.StateCancelled:
		updated, err = p.sessions.Cancel(ctx, sess.ID, reason)
	default:
		return fmt.Errorf("unknown session state %q", target)
	}
	if err != nil {
		return err
	}
	*sess = updated
	if session.IsTerminal(updated.State) {
		p.maybeFinalizeRun(ctx, updated.RunID)
	}
	return nil
}

// maybeFinalizeRun completes a running run once every session reached a
// terminal state, or fails it when no session succeeded.
func (p *Pipeline) maybeFinalizeRun(ctx context.Context, runID string) {
	record, ok, err := p.store.GetRun(ctx, runID)
	if err != nil || !ok || run.IsTerminal(record.Status) {
		return
	}
	sessions, err := p.store.ListSessionsByRun(ctx, runID)
	if err != nil || len(sessions) == 0 {
		return
	}
	completed := 0
	for _, s := range sessions {
		if !session.IsTerminal(s.State) {
			return
		}
		if s.State == session.StateCompleted {
			completed++
		}
	}
	record.Status = run.StatusCompleted
	reason := ""
	if completed == 0 {
		record.Status = run.StatusFailed
		reason = "all sessions failed"
		record.FailureReason = reason
	}
	now := time.Now().UTC()
	record.CompletedAt = now
	if !record.StartedAt.IsZero() {
		record.TimeSpentSec = int64(now.Sub(record.StartedAt) / time.Second)
	}
	if err := p.store.UpdateRun(ctx, record); err != nil {
		log.Printf("finalize run failed run=%s err=%v", runID, err)
		return
	}
	p.notify(ctx, "run."+record.Status, map[string]any{"run_id": runID, "reason": reason})
}

// applySync runs after its cached items (which carry lower sequence numbers)
// have been applied by the drain loop. It verifies the replay outcome and
// stamps the session's sync status; a failed item leaves syncStatus=failed so
// the agent retries, with already-applied items protected by the dedup key.
func (p *Pipeline) applySync(ctx context.Context, sess *state.SessionRecord, ev state.EventRecord) error {
	failed := 0
	for _, item := range syncItems(ev.Payload) {
		record, ok, err := p.store.GetEvent(ctx, sess.ID, item.SequenceNumber)
		if err != nil {
			return err
		}
		if !ok || !record.Processed || record.Result == ResultFailed {
			failed++
		}
	}
	status := session.SyncSynced
	if failed > 0 {
		status = session.SyncFailed
	}
	if err := p.sessions.SetSyncStatus(ctx, sess.ID, status); err != nil {
		return err
	}
	sess.SyncStatus = status
	p.notify(ctx, "session.sync", map[string]any{"session_id": sess.ID, "status": status, "failed_items": failed})
	if failed > 0 {
		return fmt.Errorf("%d sync items failed to replay", failed)
	}
	return nil
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &p.locks[h.Sum32()%sessionStripes]
}

func (p *Pipeline) notify(ctx context.Context, topic string, payload map[string]any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("bus publish failed topic=%s err=%v", topic, err)
	}
}

// syncItems decodes the cached events nested in a sync payload. Items are
// forgiving to decode since they round-trip through JSON maps.
func syncItems(payload map[string]any) []labapi.AgentEvent {
	raw, ok := payload["items"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var items []labapi.AgentEvent
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	return items
}

func parseEventTime(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
