// Package registry is the authoritative in-memory catalog of processors:
// their capabilities, queue name, load, and health lifecycle. All mutation
// and lookup happens under a single lock so a match never observes a
// descriptor mid-eviction.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"frameorchestrator/internal/orcerr"
)

// State is a Processor Descriptor's position in its lifecycle.
type State string

const (
	StateRegistering State = "Registering"
	StateActive       State = "Active"
	StateDraining     State = "Draining"
	StateUnhealthy    State = "Unhealthy"
	StateDeregistered State = "Deregistered"
)

const (
	// DefaultHardOverflowFactor bounds inflight against capacity.
	DefaultHardOverflowFactor = 2.0
	// DefaultMaxProcessors bounds how many descriptors the catalog holds.
	DefaultMaxProcessors = 1024
	// DefaultUnhealthyAfter is how long without a heartbeat before a
	// descriptor moves to Unhealthy.
	DefaultUnhealthyAfter = 30 * time.Second
	// DefaultEvictAfter is how long after its last heartbeat an Unhealthy
	// or Draining descriptor becomes eligible for eviction. It is measured
	// from the last heartbeat, not from when the descriptor entered that
	// state.
	DefaultEvictAfter = 5 * time.Minute
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Second
)

// Descriptor is one processor's registration record.
type Descriptor struct {
	ProcessorID         string
	Capabilities        []string
	QueueName           string
	Capacity            int
	State               State
	LastHeartbeat       time.Time
	Inflight            int
	ConsecutiveFailures int
}

// Stats carries the mutable fields a heartbeat reports.
type Stats struct {
	Inflight            int
	ConsecutiveFailures int
}

// Config tunes the registry's health-lifecycle timings and size bound.
type Config struct {
	HardOverflowFactor float64
	UnhealthyAfter     time.Duration
	EvictAfter         time.Duration
	SweepInterval      time.Duration
	MaxProcessors      int
}

func (c Config) withDefaults() Config {
	if c.HardOverflowFactor <= 0 {
		c.HardOverflowFactor = DefaultHardOverflowFactor
	}
	if c.MaxProcessors <= 0 {
		c.MaxProcessors = DefaultMaxProcessors
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = DefaultUnhealthyAfter
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = DefaultEvictAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// PELOwnerChecker reports whether a processor_id is still held in a work
// queue's PEL. The registry consults it before final eviction so a
// descriptor with undelivered work outlives its heartbeat silence.
type PELOwnerChecker interface {
	HasPendingEntries(ctx context.Context, processorID string) (bool, error)
}

// MetricsSink receives processor lifecycle metric updates: a counter per
// state transition and the current Active-descriptor gauge. Both are cheap
// in-memory writes, safe to call under the registry lock.
type MetricsSink interface {
	SetProcessorState(state string)
	SetActiveProcessors(count int64)
}

// Registry is the single-lock processor catalog.
type Registry struct {
	cfg  Config
	now  func() time.Time
	pel  PELOwnerChecker
	mu   sync.Mutex
	data map[string]*Descriptor
	sink MetricsSink
}

// New constructs a Registry. now defaults to time.Now; pel may be nil, in
// which case eviction never consults a PEL owner check.
func New(cfg Config, now func() time.Time, pel PELOwnerChecker) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:  cfg.withDefaults(),
		now:  now,
		pel:  pel,
		data: make(map[string]*Descriptor),
	}
}

// SetMetrics wires a sink for state-transition counters and the
// active-processor gauge. Call before Run; nil leaves reporting disabled.
func (r *Registry) SetMetrics(sink MetricsSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// noteTransitionLocked records a state transition and refreshes the Active
// gauge. Callers must hold r.mu.
func (r *Registry) noteTransitionLocked(state State) {
	if r.sink == nil {
		return
	}
	r.sink.SetProcessorState(string(state))
	var active int64
	for _, d := range r.data {
		if d.State == StateActive {
			active++
		}
	}
	r.sink.SetActiveProcessors(active)
}

// Register inserts a new descriptor, or replaces an existing one (an
// Active one only when its capabilities are unchanged), transitioning to
// Registering. Rejects with orcerr.KindConflict
// if an Active descriptor already holds processor_id with different
// capabilities, and with orcerr.KindSaturation once the catalog is full.
func (r *Registry) Register(descriptor Descriptor) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[descriptor.ProcessorID]
	if ok && existing.State == StateActive && !sameCapabilities(existing.Capabilities, descriptor.Capabilities) {
		return Descriptor{}, orcerr.New(orcerr.KindConflict, "registry.Register",
			errConflict(descriptor.ProcessorID))
	}
	if !ok && len(r.data) >= r.cfg.MaxProcessors {
		return Descriptor{}, orcerr.Newf(orcerr.KindSaturation, "registry.Register",
			"processor catalog full (%d)", r.cfg.MaxProcessors)
	}

	descriptor.State = StateRegistering
	descriptor.QueueName = "frames:ready:" + descriptor.ProcessorID
	descriptor.LastHeartbeat = r.now()
	if descriptor.Capacity <= 0 {
		descriptor.Capacity = 1
	}
	r.data[descriptor.ProcessorID] = &descriptor
	r.noteTransitionLocked(StateRegistering)
	return descriptor, nil
}

// Heartbeat updates last_heartbeat, inflight, and consecutive_failures for
// processorID, transitioning Registering or Unhealthy to Active. Unknown
// ids are auto-registered from fallback so a restarting processor heals
// itself without a separate registration call.
func (r *Registry) Heartbeat(processorID string, stats Stats, fallback Descriptor) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.data[processorID]
	if !ok {
		fallback.ProcessorID = processorID
		fallback.State = StateRegistering
		fallback.QueueName = "frames:ready:" + processorID
		if fallback.Capacity <= 0 {
			fallback.Capacity = 1
		}
		d = &fallback
		r.data[processorID] = d
	}

	d.LastHeartbeat = r.now()
	d.Inflight = stats.Inflight
	d.ConsecutiveFailures = stats.ConsecutiveFailures
	if d.State == StateRegistering || d.State == StateUnhealthy {
		d.State = StateActive
		r.noteTransitionLocked(StateActive)
	}
	return *d
}

// Match returns all Active descriptors whose capabilities satisfy
// predicate, ordered inflight/capacity ascending, then last_heartbeat
// descending, then by a stable hash of processor_id.
func (r *Registry) Match(predicate []string) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Descriptor
	for _, d := range r.data {
		if d.State != StateActive {
			continue
		}
		if !satisfies(d.Capabilities, predicate) {
			continue
		}
		out = append(out, *d)
	}

	sort.Slice(out, func(i, j int) bool {
		li := loadRatio(out[i])
		lj := loadRatio(out[j])
		if li != lj {
			return li < lj
		}
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return stableHash(out[i].ProcessorID) < stableHash(out[j].ProcessorID)
	})
	return out
}

// RecordDispatch bumps processorID's inflight count after a successful
// queue write. The next heartbeat overwrites the count with the value the
// processor itself reports; this keeps saturation checks honest in the
// window between dispatch and that heartbeat.
func (r *Registry) RecordDispatch(processorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.data[processorID]; ok && d.State != StateDeregistered {
		d.Inflight++
	}
}

// Get returns the current descriptor for processorID.
func (r *Registry) Get(processorID string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[processorID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Snapshot returns every known descriptor, for the GET /processors endpoint
// and the optional persistence component.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.data))
	for _, d := range r.data {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessorID < out[j].ProcessorID })
	return out
}

// MarkUnhealthy transitions processorID to Unhealthy, used by the control
// plane's heartbeat handler when consecutive_failures crosses
// failure_threshold and by the Router after a persistent queue write
// failure.
func (r *Registry) MarkUnhealthy(processorID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[processorID]
	if !ok || d.State == StateDeregistered {
		return
	}
	d.State = StateUnhealthy
	r.noteTransitionLocked(StateUnhealthy)
}

// Drain transitions processorID to Draining; a later sweep (once inflight
// reaches zero, or after evict_after) moves it to Deregistered.
func (r *Registry) Drain(processorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[processorID]
	if !ok || d.State == StateDeregistered {
		return
	}
	d.State = StateDraining
	r.noteTransitionLocked(StateDraining)
}

// Deregister transitions processorID straight to the terminal Deregistered
// state, from any prior state.
func (r *Registry) Deregister(processorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[processorID]
	if !ok {
		return
	}
	d.State = StateDeregistered
	r.noteTransitionLocked(StateDeregistered)
}

// evictionCandidate is one Draining/Unhealthy descriptor's eviction inputs,
// snapshotted under the lock so the PEL consult can happen outside it.
type evictionCandidate struct {
	processorID string
	idleDrain   bool
	lastBeat    time.Time
}

// Sweep runs one pass of the health lifecycle: Active descriptors that have
// missed unhealthy_after become Unhealthy; Draining descriptors with
// inflight==0 and Unhealthy/Draining descriptors whose last heartbeat is
// older than evict_after are evicted. Registering descriptors are left
// as they are. Every final eviction defers to the PELOwnerChecker when one is
// configured, including the idle-drain case: a drained processor may still
// own undelivered entries in its queue's PEL.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var candidates []evictionCandidate
	for _, d := range r.data {
		switch d.State {
		case StateActive:
			if now.Sub(d.LastHeartbeat) > r.cfg.UnhealthyAfter {
				d.State = StateUnhealthy
				r.noteTransitionLocked(StateUnhealthy)
			}
		case StateDraining:
			candidates = append(candidates, evictionCandidate{
				processorID: d.ProcessorID,
				idleDrain:   d.Inflight == 0,
				lastBeat:    d.LastHeartbeat,
			})
		case StateUnhealthy:
			candidates = append(candidates, evictionCandidate{
				processorID: d.ProcessorID,
				lastBeat:    d.LastHeartbeat,
			})
		}
	}
	r.mu.Unlock()

	for _, c := range candidates {
		if !c.idleDrain && now.Sub(c.lastBeat) <= r.cfg.EvictAfter {
			continue
		}
		if r.pel != nil {
			held, err := r.pel.HasPendingEntries(ctx, c.processorID)
			if err == nil && held {
				continue
			}
		}
		r.mu.Lock()
		if current, ok := r.data[c.processorID]; ok && (current.State == StateUnhealthy || current.State == StateDraining) {
			current.State = StateDeregistered
			r.noteTransitionLocked(StateDeregistered)
		}
		r.mu.Unlock()
	}
}

// Run drives the periodic sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func loadRatio(d Descriptor) float64 {
	if d.Capacity <= 0 {
		return float64(d.Inflight)
	}
	return float64(d.Inflight) / float64(d.Capacity)
}

func satisfies(capabilities, predicate []string) bool {
	if len(predicate) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[strings.ToLower(c)] = struct{}{}
	}
	for _, p := range predicate {
		if _, ok := set[strings.ToLower(p)]; !ok {
			return false
		}
	}
	return true
}

func sameCapabilities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aSorted := append([]string(nil), a...)
	bSorted := append([]string(nil), b...)
	sort.Strings(aSorted)
	sort.Strings(bSorted)
	for i := range aSorted {
		if !strings.EqualFold(aSorted[i], bSorted[i]) {
			return false
		}
	}
	return true
}

// stableHash gives a deterministic ordering key for processor_id, so the
// final tie-break doesn't inherit Go's randomized map iteration order.
func stableHash(processorID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(processorID); i++ {
		h ^= uint32(processorID[i])
		h *= 16777619
	}
	return h
}

type conflictError struct{ processorID string }

func (e conflictError) Error() string {
	return "processor_id already active with different capabilities: " + e.processorID
}

func errConflict(processorID string) error {
	return conflictError{processorID: processorID}
}
