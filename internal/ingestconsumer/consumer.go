// Package ingestconsumer reads the ingest stream as a named consumer-group
// member, hands frame events to the Router, and acknowledges only after
// the Router reports success.
package ingestconsumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"frameorchestrator/internal/frame"
	"frameorchestrator/internal/orcerr"
	"frameorchestrator/internal/redisstream"
)

const (
	DefaultPELReclaimMs = 60000
	DefaultPELMax       = 100000
	DefaultPELPausePct  = 0.8
	DefaultBlockMs      = 1000
	DefaultBatchSize    = 50
)

// MetricsSink is the subset of metrics.Recorder the consumer needs.
type MetricsSink interface {
	SetAdmissionPaused(paused bool)
	SetIngestPELDepth(depth int64)
}

// Config tunes one Consumer instance.
type Config struct {
	Stream      string
	Group       string
	ConsumerID  string
	PELReclaim  time.Duration
	PELMax      int64
	PELPausePct float64
	BlockMs     int64
	BatchSize   int64
}

func (c Config) withDefaults() Config {
	if c.PELReclaim <= 0 {
		c.PELReclaim = DefaultPELReclaimMs * time.Millisecond
	}
	if c.PELMax <= 0 {
		c.PELMax = DefaultPELMax
	}
	if c.PELPausePct <= 0 || c.PELPausePct > 1 {
		c.PELPausePct = DefaultPELPausePct
	}
	if c.BlockMs <= 0 {
		c.BlockMs = DefaultBlockMs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Batch is one delivered group of frame events, still paired with their raw
// Redis entry ids so the caller can Ack each individually once routed.
type Batch struct {
	Entries []DeliveredFrame
	// Malformed holds records that failed to decode or validate. The
	// caller must write each to frames:dlq:_malformed with a
	// failure_reason and ack it so a poison record cannot stall the
	// ingest stream forever.
	Malformed []MalformedEntry
}

// MalformedEntry is one ingest record that could not be decoded into a
// valid Frame Event, carried with its raw fields so the dead-letter write
// preserves whatever the ingest agent actually sent.
type MalformedEntry struct {
	EntryID string
	Fields  map[string]string
	Reason  string
}

// DeliveredFrame pairs a decoded Frame Event with the stream entry id it
// came from.
type DeliveredFrame struct {
	EntryID string
	Event   frame.Event
}

// Consumer reads frames:metadata as a frame-orchestrator consumer group
// member.
type Consumer struct {
	client *redisstream.Client
	cfg    Config
	logger *slog.Logger
	sink   MetricsSink

	started     atomic.Bool
	lastReclaim time.Time
	paused      bool
}

// New constructs a Consumer. sink may be nil to disable gauge updates.
func New(client *redisstream.Client, cfg Config, logger *slog.Logger, sink MetricsSink) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, cfg: cfg.withDefaults(), logger: logger, sink: sink}
}

// Start ensures the consumer group exists, creating it on first use and
// ignoring "already exists". It fails with a KindConfig orcerr.Error if
// the stream cannot be reached after the client's own connect-retry
// budget.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.client.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group, "$"); err != nil {
		return orcerr.New(orcerr.KindConfig, "ingestconsumer.Start", err)
	}
	c.started.Store(true)
	return nil
}

// NextBatch returns at most BatchSize entries, blocking up to BlockMs.
// Once per PELReclaim window it first claims PEL entries older than
// PELReclaim from any consumer, which both recovers work abandoned by
// crashed peers and re-delivers entries this consumer read but could not
// place (a delayed frame stays in the PEL until routing succeeds).
//
// If the ingest PEL has grown to PELPausePct of PELMax, NextBatch returns
// without reading and reports the consumer as admission-paused; the caller
// should back off and retry once backpressure relieves.
func (c *Consumer) NextBatch(ctx context.Context) (Batch, error) {
	paused, err := c.checkPause(ctx)
	if err != nil {
		return Batch{}, err
	}
	if paused {
		return Batch{}, nil
	}

	if c.lastReclaim.IsZero() || time.Since(c.lastReclaim) >= c.cfg.PELReclaim {
		c.lastReclaim = time.Now()
		reclaimedEntries, err := c.reclaimPEL(ctx)
		if err != nil {
			return Batch{}, err
		}
		if len(reclaimedEntries.Entries) > 0 {
			return reclaimedEntries, nil
		}
	}

	entries, err := c.client.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ConsumerID, c.cfg.BatchSize, time.Duration(c.cfg.BlockMs)*time.Millisecond)
	if err != nil {
		return Batch{}, err
	}
	return c.decode(entries), nil
}

func (c *Consumer) reclaimPEL(ctx context.Context) (Batch, error) {
	entries, _, err := c.client.AutoClaim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ConsumerID, c.cfg.PELReclaim, "0-0", c.cfg.BatchSize)
	if err != nil {
		return Batch{}, err
	}
	return c.decode(entries), nil
}

func (c *Consumer) checkPause(ctx context.Context) (bool, error) {
	summary, err := c.client.Pending(ctx, c.cfg.Stream, c.cfg.Group)
	if err != nil {
		return false, err
	}
	if c.sink != nil {
		c.sink.SetIngestPELDepth(summary.Count)
	}
	paused := float64(summary.Count) >= float64(c.cfg.PELMax)*c.cfg.PELPausePct
	if paused != c.paused {
		c.paused = paused
		if c.sink != nil {
			c.sink.SetAdmissionPaused(paused)
		}
		if paused {
			c.logger.Warn("ingest admission paused", "pel_depth", summary.Count, "pel_max", c.cfg.PELMax)
		} else {
			c.logger.Info("ingest admission resumed", "pel_depth", summary.Count)
		}
	}
	return paused, nil
}

func (c *Consumer) decode(entries []redisstream.Entry) Batch {
	var batch Batch
	for _, e := range entries {
		event, err := frame.ParseFields(e.Fields)
		if err != nil {
			c.logger.Warn("malformed ingest entry routed to dead-letter", "entry_id", e.ID, "error", err)
			batch.Malformed = append(batch.Malformed, MalformedEntry{EntryID: e.ID, Fields: e.Fields, Reason: err.Error()})
			continue
		}
		if err := event.Validate(time.Now()); err != nil {
			c.logger.Warn("invalid ingest entry routed to dead-letter", "entry_id", e.ID, "error", err)
			batch.Malformed = append(batch.Malformed, MalformedEntry{EntryID: e.ID, Fields: e.Fields, Reason: err.Error()})
			continue
		}
		batch.Entries = append(batch.Entries, DeliveredFrame{EntryID: e.ID, Event: event})
	}
	return batch
}

// Ack marks one entry complete in the ingest PEL, called once the Router
// reports the frame admitted (every selected queue write succeeded) or
// deliberately dropped, or after a malformed entry is dead-lettered.
func (c *Consumer) Ack(ctx context.Context, entryID string) error {
	return c.client.Ack(ctx, c.cfg.Stream, c.cfg.Group, entryID)
}

// Close releases the consumer's underlying connection.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// IngestUp reports whether Start has successfully established the
// consumer group, for the control plane's health and readiness checks.
func (c *Consumer) IngestUp() bool {
	return c.started.Load()
}
