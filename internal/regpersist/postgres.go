// Package regpersist is the optional, Postgres-backed warm-restart cache
// for Processor Registry descriptors. It is never consulted during
// routing; an orchestrator that starts with persistence disabled behaves
// exactly like one whose Registry is purely in-memory.
package regpersist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"frameorchestrator/internal/registry"
)

const defaultOperationTimeout = 5 * time.Second

// Store persists Registry descriptor snapshots to Postgres: a
// pgxpool.Pool, a bounded per-operation timeout, and upsert-on-conflict
// writes.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Option configures Store behaviour.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout bounds how long each Postgres operation waits.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// New opens a Postgres-backed Store using dsn. Callers that don't want
// persistence simply never construct one; nothing else in this system
// requires it.
func New(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("regpersist: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("regpersist: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("regpersist: open pool: %w", err)
	}
	o := options{timeout: defaultOperationTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Store{pool: pool, timeout: o.timeout}, nil
}

// Close releases the pool.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// EnsureSchema creates the backing table if it doesn't already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS processor_descriptors (
	processor_id TEXT PRIMARY KEY,
	capabilities TEXT[] NOT NULL,
	capacity INT NOT NULL,
	state TEXT NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

// Snapshot upserts every descriptor in snapshot, called periodically (not
// per-frame) so a warm restart can re-seed the Registry with each
// processor's last-known capabilities and capacity before the first
// heartbeat arrives.
func (s *Store) Snapshot(ctx context.Context, descriptors []registry.Descriptor) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, d := range descriptors {
		batch.Queue(`
INSERT INTO processor_descriptors (processor_id, capabilities, capacity, state, last_heartbeat, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (processor_id) DO UPDATE SET
	capabilities = EXCLUDED.capabilities,
	capacity = EXCLUDED.capacity,
	state = EXCLUDED.state,
	last_heartbeat = EXCLUDED.last_heartbeat,
	updated_at = now()
`, d.ProcessorID, d.Capabilities, d.Capacity, string(d.State), d.LastHeartbeat.UTC())
	}
	if batch.Len() == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("regpersist: snapshot row %d: %w", i, err)
		}
	}
	return nil
}

// Load returns every descriptor last persisted, used once at startup to
// seed the Registry before the first heartbeat from each processor arrives.
// Seeded descriptors stay Registering, and are not routed to, until their
// processor heartbeats; the Registry's sweep does not age out a
// Registering descriptor.
func (s *Store) Load(ctx context.Context) ([]registry.Descriptor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT processor_id, capabilities, capacity, state, last_heartbeat
FROM processor_descriptors
`)
	if err != nil {
		return nil, fmt.Errorf("regpersist: load: %w", err)
	}
	defer rows.Close()

	var out []registry.Descriptor
	for rows.Next() {
		var d registry.Descriptor
		var state string
		if err := rows.Scan(&d.ProcessorID, &d.Capabilities, &d.Capacity, &state, &d.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("regpersist: scan row: %w", err)
		}
		d.State = registry.State(state)
		d.QueueName = "frames:ready:" + d.ProcessorID
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}
