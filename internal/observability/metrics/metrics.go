// Package metrics aggregates in-memory counters and gauges for the frame
// orchestrator and renders them as Prometheus text exposition: a
// mutex-guarded Recorder and a Write method that sorts label sets for
// stable scrapes.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates counters and gauges for HTTP requests, routing
// decisions, queue depths, and processor lifecycle transitions. Concurrent
// writers coordinate via a RWMutex; gauges that are updated from multiple
// goroutines without a natural owner use atomics instead.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	framesRouted      map[string]uint64 // keyed by processor_id
	framesDropped     map[string]uint64 // keyed by reason
	admissionSpill    uint64
	admissionDelay    uint64
	routeTimeouts     uint64
	admissionPaused   atomic.Bool
	processorState    map[string]uint64 // keyed by state
	queueDepth        map[string]int64  // keyed by processor_id
	pelDepth          atomic.Int64
	activeProcessors  atomic.Int64
	redeliveries      uint64
	deadLettered      uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record metrics immediately without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		framesRouted:    make(map[string]uint64),
		framesDropped:   make(map[string]uint64),
		processorState:  make(map[string]uint64),
		queueDepth:      make(map[string]int64),
	}
}

// Default returns the process-wide singleton Recorder used by components
// that are not wired with a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// FrameRouted records a successful delivery to a processor's queue.
func (r *Recorder) FrameRouted(processorID string) {
	id := normalizeName(processorID)
	r.mu.Lock()
	r.framesRouted[id]++
	r.mu.Unlock()
}

// FrameDropped records a frame that was discarded without delivery, keyed by
// the drop reason (e.g. "queue_full", "no_match").
func (r *Recorder) FrameDropped(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.framesDropped[normalized]++
	r.mu.Unlock()
}

// AdmissionSpill records a backpressure verdict that spilled to a saturated
// processor rather than delaying or dropping.
func (r *Recorder) AdmissionSpill() {
	r.mu.Lock()
	r.admissionSpill++
	r.mu.Unlock()
}

// AdmissionDelay records a backpressure verdict that deferred admission.
func (r *Recorder) AdmissionDelay() {
	r.mu.Lock()
	r.admissionDelay++
	r.mu.Unlock()
}

// RouteTimeout records a routing attempt that exceeded route_timeout.
func (r *Recorder) RouteTimeout() {
	r.mu.Lock()
	r.routeTimeouts++
	r.mu.Unlock()
}

// SetAdmissionPaused toggles the gauge reflecting whether the Stream Consumer
// has paused new reads because the ingest PEL reached pel_pause.
func (r *Recorder) SetAdmissionPaused(paused bool) {
	r.admissionPaused.Store(paused)
}

// SetProcessorState records a processor transitioning into the given state.
// The counter is cumulative across transitions, not a gauge of current
// membership; use Registry.Snapshot for current counts by state.
func (r *Recorder) SetProcessorState(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.processorState[normalized]++
	r.mu.Unlock()
}

// SetQueueDepth records the most recently sampled length of a processor's
// work queue.
func (r *Recorder) SetQueueDepth(processorID string, depth int64) {
	id := normalizeName(processorID)
	r.mu.Lock()
	r.queueDepth[id] = depth
	r.mu.Unlock()
}

// SetIngestPELDepth records the most recently sampled ingest PEL size.
func (r *Recorder) SetIngestPELDepth(depth int64) {
	r.pelDepth.Store(depth)
}

// SetActiveProcessors records the number of Active descriptors in the
// registry.
func (r *Recorder) SetActiveProcessors(count int64) {
	r.activeProcessors.Store(count)
}

// Redelivered records a processor-queue entry that was reclaimed and
// redelivered after its PEL reclaim window elapsed.
func (r *Recorder) Redelivered() {
	r.mu.Lock()
	r.redeliveries++
	r.mu.Unlock()
}

// DeadLettered records an entry sent to a dead-letter stream after exceeding
// max_redeliveries or failing validation.
func (r *Recorder) DeadLettered() {
	r.mu.Lock()
	r.deadLettered++
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.framesRouted = make(map[string]uint64)
	r.framesDropped = make(map[string]uint64)
	r.processorState = make(map[string]uint64)
	r.queueDepth = make(map[string]int64)
	r.admissionSpill = 0
	r.admissionDelay = 0
	r.routeTimeouts = 0
	r.redeliveries = 0
	r.deadLettered = 0
	r.admissionPaused.Store(false)
	r.pelDepth.Store(0)
	r.activeProcessors.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	routedProcessors := sortedKeys(r.framesRouted)
	droppedReasons := sortedKeys(r.framesDropped)
	states := sortedKeys(r.processorState)
	queues := sortedKeys(r.queueDepth)

	fmt.Fprintln(w, "# HELP frameorch_http_requests_total Total number of HTTP requests processed by the control plane")
	fmt.Fprintln(w, "# TYPE frameorch_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "frameorch_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP frameorch_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE frameorch_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "frameorch_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP frameorch_frames_routed_total Frames successfully written to a processor queue")
	fmt.Fprintln(w, "# TYPE frameorch_frames_routed_total counter")
	for _, id := range routedProcessors {
		fmt.Fprintf(w, "frameorch_frames_routed_total{processor_id=\"%s\"} %d\n", id, r.framesRouted[id])
	}

	fmt.Fprintln(w, "# HELP frameorch_frames_dropped_total Frames discarded without delivery, by reason")
	fmt.Fprintln(w, "# TYPE frameorch_frames_dropped_total counter")
	for _, reason := range droppedReasons {
		fmt.Fprintf(w, "frameorch_frames_dropped_total{reason=\"%s\"} %d\n", reason, r.framesDropped[reason])
	}

	fmt.Fprintln(w, "# HELP frameorch_admission_spill_total Backpressure verdicts that spilled to a saturated processor")
	fmt.Fprintln(w, "# TYPE frameorch_admission_spill_total counter")
	fmt.Fprintf(w, "frameorch_admission_spill_total %d\n", r.admissionSpill)

	fmt.Fprintln(w, "# HELP frameorch_admission_delay_total Backpressure verdicts that deferred admission")
	fmt.Fprintln(w, "# TYPE frameorch_admission_delay_total counter")
	fmt.Fprintf(w, "frameorch_admission_delay_total %d\n", r.admissionDelay)

	fmt.Fprintln(w, "# HELP frameorch_route_timeout_total Routing attempts that exceeded route_timeout")
	fmt.Fprintln(w, "# TYPE frameorch_route_timeout_total counter")
	fmt.Fprintf(w, "frameorch_route_timeout_total %d\n", r.routeTimeouts)

	fmt.Fprintln(w, "# HELP frameorch_admission_paused Whether the stream consumer has paused reads on ingest PEL pressure")
	fmt.Fprintln(w, "# TYPE frameorch_admission_paused gauge")
	fmt.Fprintf(w, "frameorch_admission_paused %d\n", boolToInt(r.admissionPaused.Load()))

	fmt.Fprintln(w, "# HELP frameorch_processor_state_total Processor state transitions observed, by state")
	fmt.Fprintln(w, "# TYPE frameorch_processor_state_total counter")
	for _, state := range states {
		fmt.Fprintf(w, "frameorch_processor_state_total{state=\"%s\"} %d\n", state, r.processorState[state])
	}

	fmt.Fprintln(w, "# HELP frameorch_queue_depth Most recently sampled length of a processor work queue")
	fmt.Fprintln(w, "# TYPE frameorch_queue_depth gauge")
	for _, id := range queues {
		fmt.Fprintf(w, "frameorch_queue_depth{processor_id=\"%s\"} %d\n", id, r.queueDepth[id])
	}

	fmt.Fprintln(w, "# HELP frameorch_ingest_pel_depth Most recently sampled ingest stream PEL size")
	fmt.Fprintln(w, "# TYPE frameorch_ingest_pel_depth gauge")
	fmt.Fprintf(w, "frameorch_ingest_pel_depth %d\n", r.pelDepth.Load())

	fmt.Fprintln(w, "# HELP frameorch_active_processors Current number of Active processor descriptors")
	fmt.Fprintln(w, "# TYPE frameorch_active_processors gauge")
	fmt.Fprintf(w, "frameorch_active_processors %d\n", r.activeProcessors.Load())

	fmt.Fprintln(w, "# HELP frameorch_redeliveries_total Processor-queue entries reclaimed and redelivered")
	fmt.Fprintln(w, "# TYPE frameorch_redeliveries_total counter")
	fmt.Fprintf(w, "frameorch_redeliveries_total %d\n", r.redeliveries)

	fmt.Fprintln(w, "# HELP frameorch_dead_lettered_total Entries sent to a dead-letter stream")
	fmt.Fprintln(w, "# TYPE frameorch_dead_lettered_total counter")
	fmt.Fprintf(w, "frameorch_dead_lettered_total %d\n", r.deadLettered)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// routeSegments are the control plane's literal path segments; they are
// never collapsed to ":id" however long they are.
var routeSegments = map[string]bool{
	"processors": true,
	"heartbeat":  true,
	"health":     true,
	"ready":      true,
	"metrics":    true,
}

func looksLikeIdentifier(segment string) bool {
	if routeSegments[segment] {
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
