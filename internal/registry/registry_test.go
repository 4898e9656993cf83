package registry

import (
	"context"
	"testing"
	"time"

	"frameorchestrator/internal/orcerr"
)

func newClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestRegisterThenHeartbeatGoesActive(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)

	d, err := r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 4})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d.State != StateRegistering {
		t.Fatalf("expected Registering, got %s", d.State)
	}

	got := r.Heartbeat("p1", Stats{Inflight: 1}, Descriptor{})
	if got.State != StateActive {
		t.Fatalf("expected Active after first heartbeat, got %s", got.State)
	}
}

func TestRegisterConflictWhenCapabilitiesDiffer(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)

	if _, err := r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 4}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Heartbeat("p1", Stats{}, Descriptor{})

	_, err := r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"ocr"}, Capacity: 4})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if !orcerr.IsConflict(err) {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestHeartbeatAutoRegistersUnknownID(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)

	got := r.Heartbeat("p-unknown", Stats{Inflight: 2}, Descriptor{Capabilities: []string{"ocr"}, Capacity: 3})
	if got.State != StateActive {
		t.Fatalf("expected auto-registered descriptor to go Active, got %s", got.State)
	}
	if got.QueueName != "frames:ready:p-unknown" {
		t.Fatalf("unexpected queue name: %s", got.QueueName)
	}
}

func TestMatchFiltersByCapabilityAndOrdersByLoad(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)

	r.Register(Descriptor{ProcessorID: "busy", Capabilities: []string{"face"}, Capacity: 10})
	r.Heartbeat("busy", Stats{Inflight: 8}, Descriptor{})
	r.Register(Descriptor{ProcessorID: "idle", Capabilities: []string{"face"}, Capacity: 10})
	r.Heartbeat("idle", Stats{Inflight: 1}, Descriptor{})
	r.Register(Descriptor{ProcessorID: "other", Capabilities: []string{"ocr"}, Capacity: 10})
	r.Heartbeat("other", Stats{Inflight: 0}, Descriptor{})

	matches := r.Match([]string{"face"})
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ProcessorID != "idle" {
		t.Fatalf("expected least-loaded processor first, got %s", matches[0].ProcessorID)
	}
}

func TestMatchEmptyPredicateBroadcastsToAllActive(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "a", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("a", Stats{}, Descriptor{})
	r.Register(Descriptor{ProcessorID: "b", Capabilities: []string{"ocr"}, Capacity: 1})
	r.Heartbeat("b", Stats{}, Descriptor{})

	if got := r.Match(nil); len(got) != 2 {
		t.Fatalf("expected broadcast to all active descriptors, got %d", len(got))
	}
}

func TestSweepMarksUnhealthyAfterMissedHeartbeats(t *testing.T) {
	now, advance := newClock(time.Unix(0, 0))
	r := New(Config{UnhealthyAfter: time.Minute}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{}, Descriptor{})

	advance(2 * time.Minute)
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateUnhealthy {
		t.Fatalf("expected Unhealthy after missed heartbeats, got %s", got.State)
	}
}

func TestSweepEvictsUnhealthyAfterEvictAfter(t *testing.T) {
	now, advance := newClock(time.Unix(0, 0))
	r := New(Config{UnhealthyAfter: time.Minute, EvictAfter: 2 * time.Minute}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{}, Descriptor{})

	advance(2 * time.Minute)
	r.Sweep(context.Background())
	advance(3 * time.Minute)
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected eviction to Deregistered, got %s", got.State)
	}
}

type fakePELChecker struct{ held map[string]bool }

func (f fakePELChecker) HasPendingEntries(ctx context.Context, processorID string) (bool, error) {
	return f.held[processorID], nil
}

func TestSweepDefersEvictionWhilePELHeld(t *testing.T) {
	now, advance := newClock(time.Unix(0, 0))
	checker := fakePELChecker{held: map[string]bool{"p1": true}}
	r := New(Config{UnhealthyAfter: time.Minute, EvictAfter: time.Minute}, now, checker)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{}, Descriptor{})

	advance(3 * time.Minute)
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateUnhealthy {
		t.Fatalf("expected eviction deferred while PEL held, got %s", got.State)
	}

	checker.held["p1"] = false
	r.Sweep(context.Background())
	got, _ = r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected eviction once PEL cleared, got %s", got.State)
	}
}

func TestSweepDefersIdleDrainEvictionWhilePELHeld(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	checker := fakePELChecker{held: map[string]bool{"p1": true}}
	r := New(Config{}, now, checker)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{Inflight: 0}, Descriptor{})

	r.Drain("p1")
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateDraining {
		t.Fatalf("expected idle-drain eviction deferred while PEL held, got %s", got.State)
	}

	checker.held["p1"] = false
	r.Sweep(context.Background())
	got, _ = r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected eviction once PEL cleared, got %s", got.State)
	}
}

type fakeRegSink struct {
	states []string
	active int64
}

func (f *fakeRegSink) SetProcessorState(state string)  { f.states = append(f.states, state) }
func (f *fakeRegSink) SetActiveProcessors(count int64) { f.active = count }

func TestMetricsSinkSeesLifecycleTransitions(t *testing.T) {
	now, advance := newClock(time.Unix(0, 0))
	sink := &fakeRegSink{}
	r := New(Config{UnhealthyAfter: time.Minute}, now, nil)
	r.SetMetrics(sink)

	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{}, Descriptor{})
	if sink.active != 1 {
		t.Fatalf("expected active gauge 1 after first heartbeat, got %d", sink.active)
	}

	advance(2 * time.Minute)
	r.Sweep(context.Background())
	if sink.active != 0 {
		t.Fatalf("expected active gauge 0 after unhealthy sweep, got %d", sink.active)
	}

	want := []string{"Registering", "Active", "Unhealthy"}
	if len(sink.states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, sink.states)
	}
	for i := range want {
		if sink.states[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, sink.states)
		}
	}
}

func TestDrainTransitionsToDeregisteredWhenInflightZero(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{Inflight: 0}, Descriptor{})

	r.Drain("p1")
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected Drain with zero inflight to deregister, got %s", got.State)
	}
}

func TestDrainWaitsForInflightToDrain(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Heartbeat("p1", Stats{Inflight: 2}, Descriptor{})

	r.Drain("p1")
	r.Sweep(context.Background())

	got, _ := r.Get("p1")
	if got.State != StateDraining {
		t.Fatalf("expected still Draining with inflight > 0, got %s", got.State)
	}
}

func TestDeregisterIsTerminalFromAnyState(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})

	r.Deregister("p1")
	got, _ := r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected Deregistered, got %s", got.State)
	}
}

func TestMarkUnhealthyIgnoresDeregistered(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 1})
	r.Deregister("p1")

	r.MarkUnhealthy("p1", "too many failures")
	got, _ := r.Get("p1")
	if got.State != StateDeregistered {
		t.Fatalf("expected Deregistered to stay terminal, got %s", got.State)
	}
}

func TestRegisterRejectsWhenCatalogFull(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{MaxProcessors: 1}, now, nil)

	if _, err := r.Register(Descriptor{ProcessorID: "p1", Capacity: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Register(Descriptor{ProcessorID: "p2", Capacity: 1})
	if err == nil {
		t.Fatalf("expected registration rejected once catalog is full")
	}
	if kind, ok := orcerr.KindOf(err); !ok || kind != orcerr.KindSaturation {
		t.Fatalf("expected KindSaturation, got %v", err)
	}

	// Re-registering an existing id must still work at the bound.
	if _, err := r.Register(Descriptor{ProcessorID: "p1", Capacity: 2}); err != nil {
		t.Fatalf("re-register at bound: %v", err)
	}
}

func TestRecordDispatchBumpsInflightUntilNextHeartbeat(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "p1", Capacity: 4})
	r.Heartbeat("p1", Stats{Inflight: 1}, Descriptor{})

	r.RecordDispatch("p1")
	r.RecordDispatch("p1")
	if got, _ := r.Get("p1"); got.Inflight != 3 {
		t.Fatalf("expected inflight 3 after two dispatches, got %d", got.Inflight)
	}

	r.Heartbeat("p1", Stats{Inflight: 0}, Descriptor{})
	if got, _ := r.Get("p1"); got.Inflight != 0 {
		t.Fatalf("expected heartbeat to overwrite inflight, got %d", got.Inflight)
	}
}

func TestSnapshotIsSortedByProcessorID(t *testing.T) {
	now, _ := newClock(time.Unix(0, 0))
	r := New(Config{}, now, nil)
	r.Register(Descriptor{ProcessorID: "zeta", Capabilities: []string{"face"}, Capacity: 1})
	r.Register(Descriptor{ProcessorID: "alpha", Capabilities: []string{"face"}, Capacity: 1})

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ProcessorID != "alpha" || snap[1].ProcessorID != "zeta" {
		t.Fatalf("expected sorted snapshot, got %+v", snap)
	}
}
