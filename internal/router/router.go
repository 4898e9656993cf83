// Package router distributes admitted Frame Events: for each event it
// selects 0..N matching processors via the Registry, applies the
// Backpressure Controller's admission policy, writes a copy to each
// selected processor's work queue with a freshly injected child trace
// context, and reports whether the ingest entry may be acked.
package router

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"frameorchestrator/internal/backpressure"
	"frameorchestrator/internal/frame"
	"frameorchestrator/internal/observability/metrics"
	"frameorchestrator/internal/orcerr"
	"frameorchestrator/internal/registry"
	"frameorchestrator/internal/tracecontext"
	"frameorchestrator/internal/workqueue"
)

// RouteEmptyPredicate selects what happens to a Frame Event whose
// detection_hint is absent: broadcast to every Active processor (the
// default; observability tooling relies on seeing every frame) or drop it
// instead.
type RouteEmptyPredicate string

const (
	RouteEmptyPredicateBroadcast RouteEmptyPredicate = "broadcast"
	RouteEmptyPredicateDrop      RouteEmptyPredicate = "drop"
)

const (
	DefaultWriteRetries = 3
	DefaultRouteTimeout = 2 * time.Second
	DefaultQueueBound   = workqueue.DefaultBound
)

// Config tunes one Router instance.
type Config struct {
	RouteEmptyPredicate RouteEmptyPredicate
	QueueBoundDefault   int64
	WriteRetries        int
	RouteTimeout        time.Duration
	Backpressure        backpressure.Config
}

func (c Config) withDefaults() Config {
	if c.RouteEmptyPredicate == "" {
		c.RouteEmptyPredicate = RouteEmptyPredicateBroadcast
	}
	if c.QueueBoundDefault <= 0 {
		c.QueueBoundDefault = DefaultQueueBound
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = DefaultWriteRetries
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = DefaultRouteTimeout
	}
	return c
}

// Outcome is the result the Stream Consumer needs to decide whether to ack.
type Outcome string

const (
	// OutcomeAdmitted means every selected queue accepted the write; the
	// ingest entry may be acked.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomeDelayed means no processor could be admitted right now; the
	// ingest entry must NOT be acked so it is retried later.
	OutcomeDelayed Outcome = "delayed"
	// OutcomeDropped means the frame was intentionally discarded (no
	// match, or empty-predicate configured to drop); the ingest entry may
	// still be acked since the drop is a deliberate, final decision.
	OutcomeDropped Outcome = "dropped"
	// OutcomeFailed means at least one selected queue write failed
	// persistently; the ingest entry must NOT be acked.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimeout means routing did not complete within RouteTimeout;
	// the ingest entry must NOT be acked.
	OutcomeTimeout Outcome = "timeout"
)

// Result reports what a single Route call decided and did.
type Result struct {
	Outcome    Outcome
	DropReason string
	Targets    []string
}

// Admitted reports whether the caller may ack the originating ingest
// entry: true for Admitted or Dropped, false otherwise.
func (r Result) Admitted() bool {
	return r.Outcome == OutcomeAdmitted || r.Outcome == OutcomeDropped
}

// Registry is the subset of registry.Registry the Router depends on.
type Registry interface {
	Match(predicate []string) []registry.Descriptor
	MarkUnhealthy(processorID string, reason string)
	RecordDispatch(processorID string)
}

// QueueWriter is the subset of workqueue.Manager the Router writes
// through.
type QueueWriter interface {
	Write(ctx context.Context, processorID string, fields map[string]string, bound int64) (string, error)
}

// MetricsSink is the subset of metrics.Recorder the Router reports to.
type MetricsSink interface {
	FrameRouted(processorID string)
	FrameDropped(reason string)
	AdmissionSpill()
	AdmissionDelay()
	RouteTimeout()
}

// Router selects, admits, and dispatches Frame Events to processor queues.
//
// Per-camera FIFO is a soft property only: concurrent Route calls from a
// router_concurrency > 1 worker pool may write frames from the same camera
// out of order. Processors must not assume strict cross-frame ordering;
// only a single processor's own queue preserves strict append order.
type Router struct {
	registry Registry
	queues   QueueWriter
	cfg      Config
	metrics  MetricsSink
	logger   *slog.Logger
}

// New constructs a Router. metrics defaults to metrics.Default(); logger
// defaults to slog.Default().
func New(reg Registry, queues QueueWriter, cfg Config, metricsSink MetricsSink, logger *slog.Logger) *Router {
	if metricsSink == nil {
		metricsSink = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		queues:   queues,
		cfg:      cfg.withDefaults(),
		metrics:  metricsSink,
		logger:   logger,
	}
}

// Route runs one Frame Event through selection, saturation filtering,
// backpressure consultation, and a per-target write with retry and
// trace-context injection. The caller (the Stream Consumer) acks the
// originating ingest entry if and only if Result.Admitted() is true.
func (rt *Router) Route(ctx context.Context, event frame.Event) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.RouteTimeout)
	defer cancel()

	predicate := normalizePredicate(event.RequiredCapabilities())
	if len(predicate) == 0 && rt.cfg.RouteEmptyPredicate == RouteEmptyPredicateDrop {
		rt.metrics.FrameDropped("empty_predicate")
		return Result{Outcome: OutcomeDropped, DropReason: "empty_predicate"}, nil
	}

	candidates := rt.registry.Match(predicate)
	targets := backpressure.FilterUnsaturated(candidates, rt.cfg.Backpressure.SoftOverflowFactor)

	if len(targets) == 0 {
		decision := backpressure.Decide(rt.cfg.Backpressure, backpressure.Snapshot{
			PredicateNonEmpty: len(predicate) > 0,
			Candidates:        candidates,
			Priority:          event.Metadata.Priority,
		})
		switch decision.Action {
		case backpressure.ActionDrop:
			rt.metrics.FrameDropped(string(decision.DropReason))
			return Result{Outcome: OutcomeDropped, DropReason: string(decision.DropReason)}, nil
		case backpressure.ActionSpill:
			rt.metrics.AdmissionSpill()
			targets = []registry.Descriptor{*decision.SpillTarget}
		case backpressure.ActionDelay:
			rt.metrics.AdmissionDelay()
			return Result{Outcome: OutcomeDelayed}, nil
		default:
			return Result{Outcome: OutcomeDelayed}, nil
		}
	}

	written := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			rt.metrics.RouteTimeout()
			return Result{Outcome: OutcomeTimeout, Targets: written}, err
		}

		fields, err := fieldsWithChildTrace(ctx, event)
		if err != nil {
			return Result{Outcome: OutcomeFailed, Targets: written}, orcerr.New(orcerr.KindValidation, "router.Route", err)
		}

		if _, err := rt.writeWithRetry(ctx, target.ProcessorID, fields); err != nil {
			rt.logger.Warn("queue write failed persistently, marking processor unhealthy",
				"processor_id", target.ProcessorID, "error", err)
			rt.registry.MarkUnhealthy(target.ProcessorID, "write_failure")
			return Result{Outcome: OutcomeFailed, Targets: written}, err
		}

		rt.registry.RecordDispatch(target.ProcessorID)
		rt.metrics.FrameRouted(target.ProcessorID)
		written = append(written, target.ProcessorID)
	}

	return Result{Outcome: OutcomeAdmitted, Targets: written}, nil
}

// fieldsWithChildTrace renders event's wire fields with trace_context
// replaced by a freshly injected child span context whose parent is the
// span in event's own trace_context, or the span on ctx when the event
// carries no valid traceparent. Injecting on
// every write is what keeps one trace id intact across hops.
func fieldsWithChildTrace(ctx context.Context, event frame.Event) (map[string]string, error) {
	parentCtx := tracecontext.Extract(ctx, event.TraceContext)
	childCtx, _ := tracecontext.NewChildSpanContext(parentCtx)

	outbound := event
	outbound.TraceContext = tracecontext.Inject(childCtx)
	return outbound.Fields()
}

// writeWithRetry appends fields to processorID's queue, retrying transient
// failures up to cfg.WriteRetries times with jittered exponential backoff,
// mirroring redisstream's own retry shape but scoped to one Router write.
func (rt *Router) writeWithRetry(ctx context.Context, processorID string, fields map[string]string) (string, error) {
	delay := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= rt.cfg.WriteRetries; attempt++ {
		id, err := rt.queues.Write(ctx, processorID, fields, rt.cfg.QueueBoundDefault)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if orcerr.IsPermanent(err) || attempt == rt.cfg.WriteRetries {
			break
		}
		wait := jitter(delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return "", lastErr
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
