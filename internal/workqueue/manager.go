// Package workqueue owns the per-processor output streams: creation,
// length inspection, trimming, group creation, and dead-letter writes.
package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"frameorchestrator/internal/observability/metrics"
	"frameorchestrator/internal/redisstream"
)

const consumerGroup = "frame-processors"

// DefaultBound is the default per-processor queue length cap.
const DefaultBound = 10000

// MetricsSink is the subset of metrics.Recorder the Manager reports to.
type MetricsSink interface {
	FrameDropped(reason string)
	DeadLettered()
}

// Manager owns the lifecycle of `frames:ready:<processor_id>` streams.
type Manager struct {
	client  *redisstream.Client
	logger  *slog.Logger
	metrics MetricsSink
}

// New constructs a Manager over an already-connected redisstream.Client.
// logger defaults to slog.Default; sink defaults to metrics.Default.
func New(client *redisstream.Client, logger *slog.Logger, sink MetricsSink) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.Default()
	}
	return &Manager{client: client, logger: logger, metrics: sink}
}

// QueueName returns the canonical stream name for processorID.
func QueueName(processorID string) string {
	return "frames:ready:" + processorID
}

// EnsureQueue creates the stream (if absent) and its frame-processors
// consumer group starting at "$", so a freshly-registered processor
// consumes only new frames.
func (m *Manager) EnsureQueue(ctx context.Context, processorID string, bound int64) error {
	stream := QueueName(processorID)
	if err := m.client.EnsureGroup(ctx, stream, consumerGroup, "$"); err != nil {
		return err
	}
	if bound > 0 {
		if _, err := m.client.Trim(ctx, stream, bound); err != nil {
			return err
		}
	}
	return nil
}

// Length reports the current entry count of processorID's queue.
func (m *Manager) Length(ctx context.Context, processorID string) (int64, error) {
	return m.client.Len(ctx, QueueName(processorID))
}

// Pending reports the frame-processors PEL summary for processorID's queue.
func (m *Manager) Pending(ctx context.Context, processorID string) (redisstream.PendingSummary, error) {
	return m.client.Pending(ctx, QueueName(processorID), consumerGroup)
}

// Trim bounds processorID's queue to approximately bound entries, dropping
// the oldest first.
func (m *Manager) Trim(ctx context.Context, processorID string, bound int64) (int64, error) {
	return m.client.Trim(ctx, QueueName(processorID), bound)
}

// PELOwners returns the distinct consumer names currently holding pending
// entries in processorID's queue, used by the Registry before evicting a
// descriptor.
func (m *Manager) PELOwners(ctx context.Context, processorID string) ([]string, error) {
	summary, err := m.client.Pending(ctx, QueueName(processorID), consumerGroup)
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(summary.Consumers))
	for name := range summary.Consumers {
		owners = append(owners, name)
	}
	return owners, nil
}

// HasPendingEntries implements registry.PELOwnerChecker: it reports whether
// processorID's queue currently has any entry pending in the
// frame-processors group, which defers the Registry's eviction of that
// descriptor until the queue has been drained.
func (m *Manager) HasPendingEntries(ctx context.Context, processorID string) (bool, error) {
	summary, err := m.client.Pending(ctx, QueueName(processorID), consumerGroup)
	if err != nil {
		return false, err
	}
	return summary.Count > 0, nil
}

// Write appends fields to processorID's queue, approximately trimmed to
// bound, returning the new entry id. The Router calls it once per selected
// descriptor. A write that pushes the queue past its bound trims the
// oldest entries; each trimmed entry increments
// frames_dropped{reason="queue_full"} and the batch is logged at warn.
func (m *Manager) Write(ctx context.Context, processorID string, fields map[string]string, bound int64) (string, error) {
	if bound <= 0 {
		bound = DefaultBound
	}
	stream := QueueName(processorID)

	before, lenErr := m.client.Len(ctx, stream)
	id, err := m.client.Add(ctx, stream, fields, bound)
	if err != nil {
		return "", err
	}
	if lenErr == nil {
		if after, err := m.client.Len(ctx, stream); err == nil {
			if trimmed := before + 1 - after; trimmed > 0 {
				for i := int64(0); i < trimmed; i++ {
					m.metrics.FrameDropped("queue_full")
				}
				m.logger.Warn("queue bound exceeded, oldest entries trimmed",
					"processor_id", processorID, "trimmed", trimmed, "bound", bound)
			}
		}
	}
	return id, nil
}

// DeadLetter appends fields to a processor's dead-letter stream, used once
// an entry exceeds max_redeliveries.
func (m *Manager) DeadLetter(ctx context.Context, processorID string, fields map[string]string) (string, error) {
	stream := fmt.Sprintf("frames:dlq:%s", processorID)
	id, err := m.client.Add(ctx, stream, fields, 0)
	if err != nil {
		return "", err
	}
	m.metrics.DeadLettered()
	return id, nil
}

// MalformedDeadLetterStream is the parking stream for ingest entries that
// failed to decode or validate before any processor was ever selected.
const MalformedDeadLetterStream = "frames:dlq:_malformed"

// DeadLetterMalformed appends fields plus failureReason to the shared
// malformed-entry dead-letter stream, used by the Stream Consumer/Router
// wiring to unblock the ingest PEL on a poison entry rather than retrying
// it forever.
func (m *Manager) DeadLetterMalformed(ctx context.Context, fields map[string]string, failureReason string) (string, error) {
	withReason := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		withReason[k] = v
	}
	withReason["failure_reason"] = failureReason
	id, err := m.client.Add(ctx, MalformedDeadLetterStream, withReason, 0)
	if err != nil {
		return "", err
	}
	m.metrics.DeadLettered()
	return id, nil
}

// ReclaimStale claims entries idle longer than minIdle from processorID's
// queue PEL so a replacement consumer can finish abandoned work, mirroring
// the Stream Consumer's own PEL-reclaim behavior for per-processor queues.
func (m *Manager) ReclaimStale(ctx context.Context, processorID, consumer string, minIdle time.Duration, count int64) ([]redisstream.Entry, error) {
	entries, _, err := m.client.AutoClaim(ctx, QueueName(processorID), consumerGroup, consumer, minIdle, "0-0", count)
	return entries, err
}
