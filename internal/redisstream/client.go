// Package redisstream wraps Redis Streams operations (XADD, XREADGROUP,
// XACK, XAUTOCLAIM, XPENDING, XTRIM, XLEN) behind a small typed client used
// by the Stream Consumer, Work-Queue Manager, and Processor Client. All
// errors carry an orcerr kind so callers can decide retry vs. escalate
// without string-matching Redis replies.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"frameorchestrator/internal/orcerr"
)

// Entry is one delivered stream record: its id and its flat field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingSummary is the XPENDING summary-form reply: total entries pending,
// the id range they span, and a per-consumer count breakdown.
type PendingSummary struct {
	Count     int64
	LowestID  string
	HighestID string
	Consumers map[string]int64
}

// PendingDetail is one row of the XPENDING extended-form reply.
type PendingDetail struct {
	ID            string
	Consumer      string
	IdleTime      time.Duration
	DeliveryCount int64
}

// RetryPolicy configures the exponential backoff used to retry transient
// Redis transport errors: base delay, a hard cap, and jitter to avoid
// synchronized retries across multiple Stream Consumer or Processor Client
// instances.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultRetryPolicy is base 100ms, cap 5s, jitter ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		JitterFrac:  0.2,
	}
}

// ClientConfig configures a Client's connection to Redis.
type ClientConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Retry       RetryPolicy
}

// Client wraps a go-redis UniversalClient with the Streams subset this
// system needs plus transient/permanent error classification.
type Client struct {
	rdb   redis.UniversalClient
	retry RetryPolicy
}

// NewClient dials Redis and verifies connectivity with a PING, retried per
// cfg.Retry. A failure after the retry budget is exhausted is returned as
// a KindConfig orcerr.Error; an unreachable stream endpoint is fatal
// configuration, not a transient fault.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	client := &Client{rdb: rdb, retry: retry}

	err := withRetry(ctx, retry, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, orcerr.New(orcerr.KindConfig, "redisstream.NewClient", fmt.Errorf("connect to %s: %w", cfg.Addr, err))
	}

	return client, nil
}

// NewClientFromUniversal wraps an already-constructed redis.UniversalClient,
// used by tests wiring the in-process fake server and by callers that need
// custom TLS/cluster options go-redis exposes beyond ClientConfig.
func NewClientFromUniversal(rdb redis.UniversalClient, retry RetryPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{rdb: rdb, retry: retry}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup creates stream's consumer group if absent, starting at start
// (use "$" so a freshly ensured queue only delivers new entries, or "0" to
// replay from the beginning). "already exists" is treated as success.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return orcerr.New(c.classify(err), "redisstream.EnsureGroup", err)
}

// Add appends fields to stream, approximately trimming to maxLen (MAXLEN ~)
// so the stream stays bounded without an exact, expensive trim on every
// write. maxLen <= 0 leaves the stream unbounded.
func (c *Client) Add(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", orcerr.New(c.classify(err), "redisstream.Add", err)
	}
	return id, nil
}

// ReadGroup reads up to count new entries (cursor ">") for consumer in
// group on stream, blocking up to block. A timeout with no entries returns
// an empty, non-error result; the caller decides what a quiet read means,
// not this layer.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, orcerr.New(c.classify(err), "redisstream.ReadGroup", err)
	}
	return toEntries(res), nil
}

// AutoClaim reassigns ownership of entries idle at least minIdle, starting
// the scan at start ("0-0" for the beginning), to consumer. It implements
// PEL reclaim for both the Stream Consumer's periodic sweep and a Processor
// Client's own redelivery handling.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Entry, string, error) {
	messages, cursor, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", orcerr.New(c.classify(err), "redisstream.AutoClaim", err)
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, Entry{ID: m.ID, Fields: toStringFields(m.Values)})
	}
	return entries, cursor, nil
}

// Ack marks ids complete in group's PEL on stream.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return orcerr.New(c.classify(err), "redisstream.Ack", err)
	}
	return nil
}

// Len reports the current entry count of stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, orcerr.New(c.classify(err), "redisstream.Len", err)
	}
	return n, nil
}

// Trim bounds stream to approximately maxLen entries (MAXLEN ~), dropping
// the oldest first, per the Work Queue Manager's trim operation.
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	removed, err := c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Result()
	if err != nil {
		return 0, orcerr.New(c.classify(err), "redisstream.Trim", err)
	}
	return removed, nil
}

// Pending returns the XPENDING summary form: total pending count, id range,
// and per-consumer breakdown, used by the Work-Queue Manager's pel_owners
// and by the Stream Consumer's ingest-PEL pause check.
func (c *Client) Pending(ctx context.Context, stream, group string) (PendingSummary, error) {
	res, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return PendingSummary{}, orcerr.New(c.classify(err), "redisstream.Pending", err)
	}
	consumers := make(map[string]int64, len(res.Consumers))
	for name, count := range res.Consumers {
		consumers[name] = count
	}
	return PendingSummary{
		Count:     res.Count,
		LowestID:  res.Lower,
		HighestID: res.Higher,
		Consumers: consumers,
	}, nil
}

// PendingRange returns the XPENDING extended form: up to count entries
// (optionally filtered to one consumer) with their idle time and delivery
// count, used to decide which entries have exceeded max_redeliveries.
func (c *Client) PendingRange(ctx context.Context, stream, group, consumer string, count int64) ([]PendingDetail, error) {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, orcerr.New(c.classify(err), "redisstream.PendingRange", err)
	}
	details := make([]PendingDetail, 0, len(res))
	for _, r := range res {
		details = append(details, PendingDetail{
			ID:            r.ID,
			Consumer:      r.Consumer,
			IdleTime:      r.Idle,
			DeliveryCount: r.RetryCount,
		})
	}
	return details, nil
}

// classify maps a go-redis error into the orcerr taxonomy: redis.Nil is
// never passed here (callers special-case it), context errors and network
// errors are transient, everything else is treated as permanent.
func (c *Client) classify(err error) orcerr.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return orcerr.KindTransientTransport
	}
	if isNetworkError(err) {
		return orcerr.KindTransientTransport
	}
	return orcerr.KindPermanentTransport
}

func isNetworkError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"connection refused", "broken pipe", "i/o timeout", "EOF", "reset by peer", "no route to host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func toEntries(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: toStringFields(msg.Values)})
		}
	}
	return entries
}

func toStringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch vv := v.(type) {
		case string:
			fields[k] = vv
		default:
			fields[k] = fmt.Sprint(vv)
		}
	}
	return fields
}

// withRetry executes fn, retrying any error with exponential
// backoff plus jitter up to policy.MaxAttempts, honoring ctx cancellation
// between attempts.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		wait := jitter(delay, policy.JitterFrac)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
