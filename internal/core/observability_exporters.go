package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation counters and cumulative
// durations via expvar, for deployments that prefer process-local metrics
// without external dependencies.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// ExpvarMetricsSnapshot is a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs a recorder published under name; when
// name is empty a unique one is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("tree_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, counts := range r.results {
		cpy := make(map[string]int64, len(counts))
		for status, n := range counts {
			cpy[status] = n
		}
		results[op] = cpy
	}
	return ExpvarMetricsSnapshot{DurationsMS: durations, Results: results, RecordedAt: time.Now().UTC()}
}

// Observe records a service operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.mu.Lock()
	r.durations[operation] += float64(duration) / float64(time.Millisecond)
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status]++
	r.mu.Unlock()
}

// JSONTraceEntry is one serialized span emitted by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and retains them for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer constructs a tracer that encodes spans to w; a nil writer
// retains spans in memory only.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	status := "success"
	var errMsg string
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     status,
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		Error:      errMsg,
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	s.tracer.mu.Lock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
	s.tracer.mu.Unlock()
}
