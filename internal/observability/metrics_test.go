package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("events_applied_total", map[string]string{"session_id": "s1", "event_type": "cell_completed"}, 3)
	r.SetGauge("agents_online", map[string]string{"classroom_id": "c1"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `events_applied_total{event_type="cell_completed",session_id="s1"} 3`) {
		t.Fatalf("missing applied counter in output: %s", out)
	}
	if !strings.Contains(out, `agents_online{classroom_id="c1"} 2`) {
		t.Fatalf("missing online gauge in output: %s", out)
	}
	if !strings.Contains(out, "# TYPE events_applied_total counter") {
		t.Fatalf("missing counter type line: %s", out)
	}
	if !strings.Contains(out, "# TYPE agents_online gauge") {
		t.Fatalf("missing gauge type line: %s", out)
	}
	if !strings.Contains(out, "# HELP agents_online ") {
		t.Fatalf("missing help line: %s", out)
	}
}

func TestSnapshotSplitsByDeclaredKind(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("sessions_created_total", nil, 2)
	r.IncCounter("sessions_created_total", nil, 1)
	r.SetGauge("agents_online", nil, 4)
	r.SetGauge("agents_online", nil, 3)

	s := r.Snapshot()
	if len(s.Counters) != 1 || s.Counters[0].Name != "sessions_created_total" || s.Counters[0].Value != 3 {
		t.Fatalf("unexpected counters: %+v", s.Counters)
	}
	if len(s.Gauges) != 1 || s.Gauges[0].Name != "agents_online" || s.Gauges[0].Value != 3 {
		t.Fatalf("unexpected gauges: %+v", s.Gauges)
	}
}

func TestAdHocMetricRendersWithoutHelp(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("weird name!", nil, 1)

	out := r.RenderPrometheus()
	if !strings.Contains(out, "weird_name_ 1") {
		t.Fatalf("unsanitized ad hoc metric: %s", out)
	}
	if strings.Contains(out, "# HELP weird_name_") {
		t.Fatalf("ad hoc metric should not carry help text: %s", out)
	}
}

func TestResetClearsAllSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("runs_created_total", nil, 5)
	r.Reset()
	s := r.Snapshot()
	if len(s.Counters) != 0 || len(s.Gauges) != 0 {
		t.Fatalf("expected empty snapshot after reset, got %+v", s)
	}
}
