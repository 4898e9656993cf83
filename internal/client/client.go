// Package client is the processor-side library: the single abstraction a
// processor author needs is "give me frames, I return results." It
// registers with the orchestrator's control plane, runs a heartbeat loop,
// reads its own work queue as a member of consumer group
// "frame-processors" through a bounded worker pool, and acks or
// dead-letters each entry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"frameorchestrator/internal/frame"
	"frameorchestrator/internal/orcerr"
	"frameorchestrator/internal/redisstream"
	"frameorchestrator/internal/tracecontext"
)

const consumerGroup = "frame-processors"

const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultBatchSize          = 10
	DefaultHandlerConcurrency = 4
	DefaultMaxRedeliveries    = 5
	DefaultPELReclaimMs       = 60000
	DefaultReadFatalAfter     = 60 * time.Second
	DefaultBlockMs            = 1000
)

// Descriptor is the subset of a processor's registration record that the
// processor itself supplies to the control plane.
type Descriptor struct {
	ProcessorID  string
	Capabilities []string
	Capacity     int
}

// Config tunes one Client instance.
type Config struct {
	OrchestratorEndpoint string
	Descriptor           Descriptor

	HeartbeatInterval  time.Duration
	BatchSize          int64
	HandlerConcurrency int64
	MaxRedeliveries    int64
	PELReclaim         time.Duration
	ReadFatalAfter     time.Duration
	BlockMs            int64

	ProcessedStream string // defaults to "frames:processed"
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = DefaultHandlerConcurrency
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = DefaultMaxRedeliveries
	}
	if c.PELReclaim <= 0 {
		c.PELReclaim = DefaultPELReclaimMs * time.Millisecond
	}
	if c.ReadFatalAfter <= 0 {
		c.ReadFatalAfter = DefaultReadFatalAfter
	}
	if c.BlockMs <= 0 {
		c.BlockMs = DefaultBlockMs
	}
	if c.ProcessedStream == "" {
		c.ProcessedStream = "frames:processed"
	}
	return c
}

// MetricsSink receives the client's redelivery and dead-letter counters.
// A nil sink disables reporting.
type MetricsSink interface {
	Redelivered()
	DeadLettered()
}

// Handler is processor-author code invoked for each delivered Frame Event.
// Returning an error leaves the entry unacked; it is redelivered (via PEL
// reclaim) up to max_redeliveries before being dead-lettered. Ack order
// across concurrent handler invocations is not preserved; that is
// intentional and documented, not a bug.
type Handler func(ctx context.Context, event frame.Event) error

// Client is one processor's connection to its work queue and the control
// plane: Register, Consume, Result, Shutdown.
type Client struct {
	cfg        Config
	queueName  string
	redis      *redisstream.Client
	httpClient *http.Client
	logger     *slog.Logger
	metrics    MetricsSink

	inflight            atomic.Int64
	consecutiveFailures atomic.Int64
	lastSuccessfulRead  atomic.Int64 // unix nanos

	sem *semaphore.Weighted

	draining  atomic.Bool
	hbStarted atomic.Bool
	wg        sync.WaitGroup
	stopHB    chan struct{}
	hbStopped chan struct{}
}

// New constructs a Client over an already-connected redisstream.Client and
// http.Client. httpClient may be nil to use http.DefaultClient; sink may
// be nil to disable metric reporting.
func New(redisClient *redisstream.Client, cfg Config, httpClient *http.Client, logger *slog.Logger, sink MetricsSink) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		queueName:  "frames:ready:" + cfg.Descriptor.ProcessorID,
		redis:      redisClient,
		httpClient: httpClient,
		logger:     logger,
		metrics:    sink,
		sem:        semaphore.NewWeighted(cfg.HandlerConcurrency),
		stopHB:     make(chan struct{}),
		hbStopped:  make(chan struct{}),
	}
	c.lastSuccessfulRead.Store(time.Now().UnixNano())
	return c
}

// registrationResponse mirrors the control plane's POST /processors body.
type registrationResponse struct {
	QueueName string `json:"queue_name"`
}

// Register posts this processor's descriptor to the control plane
// (idempotent on processor_id) and starts the heartbeat loop. A 409
// response surfaces as orcerr.KindConflict.
func (c *Client) Register(ctx context.Context) error {
	if err := c.postRegistration(ctx); err != nil {
		return err
	}
	if c.hbStarted.CompareAndSwap(false, true) {
		go c.heartbeatLoop()
	}
	return nil
}

func (c *Client) postRegistration(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"processor_id": c.cfg.Descriptor.ProcessorID,
		"capabilities": c.cfg.Descriptor.Capabilities,
		"capacity":     c.cfg.Descriptor.Capacity,
	})
	if err != nil {
		return orcerr.New(orcerr.KindValidation, "client.Register", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OrchestratorEndpoint+"/processors", bytes.NewReader(body))
	if err != nil {
		return orcerr.New(orcerr.KindConfig, "client.Register", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return orcerr.New(orcerr.KindTransientTransport, "client.Register", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return orcerr.New(orcerr.KindConflict, "client.Register", fmt.Errorf("processor_id %q already active with different capabilities", c.cfg.Descriptor.ProcessorID))
	default:
		payload, _ := io.ReadAll(resp.Body)
		return orcerr.New(orcerr.KindPermanentTransport, "client.Register", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload))
	}

	var parsed registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.QueueName != "" {
		c.queueName = parsed.QueueName
	}
	return nil
}

// heartbeatLoop posts Stats every HeartbeatInterval until stopHB is closed.
// A heartbeat failure does not stop consumption, since the queue is
// external to the control plane; the client re-posts its registration so a
// restarted orchestrator learns about it again on reconnect.
func (c *Client) heartbeatLoop() {
	defer close(c.hbStopped)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHB:
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(context.Background()); err != nil {
				c.logger.Warn("heartbeat failed; continuing to consume", "processor_id", c.cfg.Descriptor.ProcessorID, "error", err)
				if reregErr := c.postRegistration(context.Background()); reregErr != nil {
					c.logger.Warn("re-registration after heartbeat failure also failed", "error", reregErr)
				}
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"inflight":             c.inflight.Load(),
		"consecutive_failures": c.consecutiveFailures.Load(),
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/processors/%s/heartbeat", c.cfg.OrchestratorEndpoint, c.cfg.Descriptor.ProcessorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

// Consume is the long-running read loop: it repeatedly pulls up to
// BatchSize entries from this processor's queue as group
// "frame-processors", dispatches each to handler on the bounded worker
// pool, and acks on success. It returns when ctx is cancelled, Shutdown is
// called, or queue reads fail persistently longer than ReadFatalAfter (a
// fatal error a supervisor should restart the process on).
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	var lastReclaim time.Time
	for {
		if c.draining.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var entries []redisstream.Entry
		var err error
		if lastReclaim.IsZero() || time.Since(lastReclaim) >= c.cfg.PELReclaim {
			lastReclaim = time.Now()
			entries, _, err = c.redis.AutoClaim(ctx, c.queueName, consumerGroup, c.cfg.Descriptor.ProcessorID, c.cfg.PELReclaim, "0-0", c.cfg.BatchSize)
			if err == nil && c.metrics != nil {
				for range entries {
					c.metrics.Redelivered()
				}
			}
		}
		if err == nil && len(entries) == 0 {
			entries, err = c.redis.ReadGroup(ctx, c.queueName, consumerGroup, c.cfg.Descriptor.ProcessorID, c.cfg.BatchSize, time.Duration(c.cfg.BlockMs)*time.Millisecond)
		}

		if err != nil {
			if orcerr.IsPermanent(err) {
				return orcerr.New(orcerr.KindPermanentTransport, "client.Consume", err)
			}
			lastOK := time.Unix(0, c.lastSuccessfulRead.Load())
			if time.Since(lastOK) > c.cfg.ReadFatalAfter {
				return orcerr.New(orcerr.KindPermanentTransport, "client.Consume", fmt.Errorf("queue reads failing since %s: %w", lastOK, err))
			}
			continue
		}

		c.lastSuccessfulRead.Store(time.Now().UnixNano())

		for _, entry := range entries {
			entry := entry
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			c.inflight.Add(1)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.sem.Release(1)
				defer c.inflight.Add(-1)
				c.dispatch(ctx, entry, handler)
			}()
		}
	}
}

// dispatch decodes one entry, invokes handler, and acks on success. On
// failure it checks the entry's delivery count against MaxRedeliveries and
// dead-letters once exceeded.
func (c *Client) dispatch(ctx context.Context, entry redisstream.Entry, handler Handler) {
	event, err := frame.ParseFields(entry.Fields)
	if err != nil {
		c.deadLetter(ctx, entry, fmt.Sprintf("decode error: %v", err))
		return
	}

	frameCtx := tracecontext.Extract(ctx, event.TraceContext)
	if err := handler(frameCtx, event); err != nil {
		c.consecutiveFailures.Add(1)
		c.handleFailure(ctx, entry, err)
		return
	}

	c.consecutiveFailures.Store(0)
	if err := c.redis.Ack(context.WithoutCancel(ctx), c.queueName, consumerGroup, entry.ID); err != nil {
		c.logger.Warn("ack failed after successful handler", "entry_id", entry.ID, "error", err)
	}
}

func (c *Client) handleFailure(ctx context.Context, entry redisstream.Entry, handlerErr error) {
	details, err := c.redis.PendingRange(ctx, c.queueName, consumerGroup, c.cfg.Descriptor.ProcessorID, 1)
	deliveryCount := int64(1)
	if err == nil {
		for _, d := range details {
			if d.ID == entry.ID {
				deliveryCount = d.DeliveryCount
			}
		}
	}
	if deliveryCount >= c.cfg.MaxRedeliveries {
		c.deadLetter(ctx, entry, fmt.Sprintf("handler error after %d deliveries: %v", deliveryCount, handlerErr))
		return
	}
	c.logger.Warn("handler failed; entry left unacked for redelivery", "entry_id", entry.ID, "delivery_count", deliveryCount, "error", handlerErr)
}

func (c *Client) deadLetter(ctx context.Context, entry redisstream.Entry, reason string) {
	fields := make(map[string]string, len(entry.Fields)+1)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields["failure_reason"] = reason
	dlqStream := "frames:dlq:" + c.cfg.Descriptor.ProcessorID
	if _, err := c.redis.Add(ctx, dlqStream, fields, 0); err != nil {
		c.logger.Error("failed to write dead letter", "entry_id", entry.ID, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.DeadLettered()
	}
	if err := c.redis.Ack(ctx, c.queueName, consumerGroup, entry.ID); err != nil {
		c.logger.Warn("ack after dead-letter failed", "entry_id", entry.ID, "error", err)
	}
}

// Result appends a FrameProcessed event to the downstream processed
// stream, inheriting the trace context carried on ctx so the result shares
// its trace id with the frame it was computed from.
func (c *Client) Result(ctx context.Context, frameID string, payload any) error {
	resultJSON, err := json.Marshal(payload)
	if err != nil {
		return orcerr.New(orcerr.KindValidation, "client.Result", err)
	}
	traceJSON, err := json.Marshal(tracecontext.Inject(ctx))
	if err != nil {
		return orcerr.New(orcerr.KindValidation, "client.Result", err)
	}
	fields := map[string]string{
		"frame_id":      frameID,
		"processor_id":  c.cfg.Descriptor.ProcessorID,
		"result":        string(resultJSON),
		"trace_context": string(traceJSON),
	}
	if _, err := c.redis.Add(ctx, c.cfg.ProcessedStream, fields, 0); err != nil {
		return err
	}
	return nil
}

// Shutdown posts a drain request to the control plane, waits for in-flight
// handlers to return, and stops the heartbeat loop. DELETE
// /processors/{id} triggers Drain on the registry side; the registry sweep
// later finishes the transition to Deregistered once inflight reaches
// zero.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}

	url := fmt.Sprintf("%s/processors/%s", c.cfg.OrchestratorEndpoint, c.cfg.Descriptor.ProcessorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err == nil {
		if resp, err := c.httpClient.Do(req); err == nil {
			resp.Body.Close()
		} else {
			c.logger.Warn("drain request failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if c.hbStarted.Load() {
		close(c.stopHB)
		<-c.hbStopped
	}
	return c.redis.Close()
}
