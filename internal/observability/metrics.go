// Package observability holds the in-process metric registry backing
// /v1/admin/metrics and /metrics. The control plane records a fixed set of
// counters and gauges; anything outside that set is still accepted but
// rendered without help text.
package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
)

type metricDesc struct {
	kind metricKind
	help string
}

// descriptors covers every metric the control plane emits itself.
var descriptors = map[string]metricDesc{
	"runs_created_total":            {kindCounter, "Runs accepted for dispatch."},
	"run_transitions_total":         {kindCounter, "Run state transitions, labelled by target state."},
	"sessions_created_total":        {kindCounter, "Sessions created by the dispatch planner."},
	"session_transitions_total":     {kindCounter, "Session state transitions, labelled by target state."},
	"session_heartbeats_total":      {kindCounter, "Session heartbeats accepted."},
	"events_ingested_total":         {kindCounter, "Agent events recorded, before dedup and ordering."},
	"events_applied_total":          {kindCounter, "Events applied in order, labelled by event type."},
	"events_failed_total":           {kindCounter, "Events that failed to apply, labelled by event type."},
	"security_events_total":         {kindCounter, "Security findings recorded, labelled by severity."},
	"artifacts_materialized_total":  {kindCounter, "Artifacts copied into object storage."},
	"agents_registered_total":       {kindCounter, "Agent registrations accepted."},
	"dispatches_total":              {kindCounter, "Dispatch passes that placed at least one session."},
	"dispatch_sessions_total":       {kindCounter, "Sessions placed across all dispatch passes."},
	"dispatch_no_agents_total":      {kindCounter, "Dispatch passes that found no eligible agent."},
	"sweep_passes_total":            {kindCounter, "Liveness sweep passes completed."},
	"sessions_timed_out_total":      {kindCounter, "Sessions force-failed by the sweeper."},
	"agents_online":                 {kindGauge, "Agents whose last heartbeat is within the liveness window."},
	"sweep_last_sessions_timed_out": {kindGauge, "Sessions timed out during the most recent sweep pass."},
}

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type series struct {
	name   string
	kind   metricKind
	labels map[string]string
	value  float64
}

type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	r.lookupLocked(name, labels, kindCounter).value += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	r.lookupLocked(name, labels, kindGauge).value = value
	r.mu.Unlock()
}

// lookupLocked finds or creates the series for (name, labels). A declared
// name keeps its declared kind regardless of which method touched it first.
func (r *Registry) lookupLocked(name string, labels map[string]string, kind metricKind) *series {
	key := seriesKey(name, labels)
	s, ok := r.series[key]
	if !ok {
		if d, known := descriptors[name]; known {
			kind = d.kind
		}
		s = &series{name: name, kind: kind, labels: copyLabels(labels)}
		r.series[key] = s
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	out := Snapshot{Counters: []MetricPoint{}, Gauges: []MetricPoint{}}
	for _, s := range r.series {
		p := MetricPoint{Name: s.name, Labels: copyLabels(s.labels), Value: s.value}
		if s.kind == kindGauge {
			out.Gauges = append(out.Gauges, p)
		} else {
			out.Counters = append(out.Counters, p)
		}
	}
	r.mu.Unlock()
	sort.Slice(out.Counters, func(i, j int) bool { return pointLess(out.Counters[i], out.Counters[j]) })
	sort.Slice(out.Gauges, func(i, j int) bool { return pointLess(out.Gauges[i], out.Gauges[j]) })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	r.series = make(map[string]*series)
	r.mu.Unlock()
}

// RenderPrometheus writes the text exposition format. Declared metrics get
// HELP and TYPE comments; ad hoc names render as bare samples.
func (r *Registry) RenderPrometheus() string {
	r.mu.Lock()
	byName := make(map[string][]*series)
	for _, s := range r.series {
		cp := &series{name: s.name, kind: s.kind, labels: copyLabels(s.labels), value: s.value}
		byName[s.name] = append(byName[s.name], cp)
	}
	r.mu.Unlock()

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		safe := sanitizeName(name)
		if d, ok := descriptors[name]; ok {
			b.WriteString("# HELP " + safe + " " + d.help + "\n")
			if d.kind == kindGauge {
				b.WriteString("# TYPE " + safe + " gauge\n")
			} else {
				b.WriteString("# TYPE " + safe + " counter\n")
			}
		}
		group := byName[name]
		sort.Slice(group, func(i, j int) bool { return seriesKey(group[i].name, group[i].labels) < seriesKey(group[j].name, group[j].labels) })
		for _, s := range group {
			b.WriteString(safe)
			b.WriteString(renderLabels(s.labels))
			b.WriteString(" ")
			b.WriteString(strconv.FormatFloat(s.value, 'f', -1, 64))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func pointLess(a, b MetricPoint) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return seriesKey(a.Name, a.Labels) < seriesKey(b.Name, b.Labels)
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, sanitizeName(k)+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
