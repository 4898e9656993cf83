package backpressure

import (
	"testing"

	"frameorchestrator/internal/registry"
)

func TestDecideAdmitsWhenAnyCandidateUnsaturated(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{
		Candidates: []registry.Descriptor{
			{ProcessorID: "p1", Inflight: 5, Capacity: 10},
		},
	}
	decision := Decide(cfg, snap)
	if decision.Action != ActionAdmit {
		t.Fatalf("expected admit, got %s", decision.Action)
	}
}

func TestDecideDropsNoMatchWhenNoCandidates(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{PredicateNonEmpty: true}
	decision := Decide(cfg, snap)
	if decision.Action != ActionDrop || decision.DropReason != DropReasonNoMatch {
		t.Fatalf("expected drop/no_match, got %s/%s", decision.Action, decision.DropReason)
	}
}

func TestDecideDelaysBroadcastWhenNoCandidates(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{PredicateNonEmpty: false}
	decision := Decide(cfg, snap)
	if decision.Action != ActionDelay {
		t.Fatalf("expected a broadcast frame to wait for a processor, got %s", decision.Action)
	}
}

func TestDecideSpillsHighPriorityWhenAllSaturated(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{
		Priority: 8,
		Candidates: []registry.Descriptor{
			{ProcessorID: "busy", Inflight: 15, Capacity: 10},
			{ProcessorID: "less-busy", Inflight: 10, Capacity: 10},
		},
	}
	decision := Decide(cfg, snap)
	if decision.Action != ActionSpill {
		t.Fatalf("expected spill, got %s", decision.Action)
	}
	if decision.SpillTarget == nil || decision.SpillTarget.ProcessorID != "less-busy" {
		t.Fatalf("expected least-loaded spill target, got %+v", decision.SpillTarget)
	}
}

func TestDecideSpillNeverExceedsHardOverflow(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{
		Priority: 9,
		Candidates: []registry.Descriptor{
			{ProcessorID: "maxed", Inflight: 20, Capacity: 10},
		},
	}
	decision := Decide(cfg, snap)
	if decision.Action != ActionDelay {
		t.Fatalf("expected delay once every candidate hits the hard overflow cap, got %s", decision.Action)
	}
}

func TestDecideDelaysLowPriorityWhenAllSaturated(t *testing.T) {
	cfg := DefaultConfig()
	snap := Snapshot{
		Priority: 3,
		Candidates: []registry.Descriptor{
			{ProcessorID: "busy", Inflight: 10, Capacity: 10},
		},
	}
	decision := Decide(cfg, snap)
	if decision.Action != ActionDelay {
		t.Fatalf("expected delay, got %s", decision.Action)
	}
}

func TestDecideSetsPauseIngestAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PELMax = 100
	cfg.PELPausePct = 0.8
	snap := Snapshot{
		IngestPELDepth: 81,
		Candidates: []registry.Descriptor{
			{ProcessorID: "p1", Inflight: 1, Capacity: 10},
		},
	}
	decision := Decide(cfg, snap)
	if !decision.PauseIngest {
		t.Fatalf("expected pause ingest once PEL depth crosses pause threshold")
	}
	if decision.Action != ActionAdmit {
		t.Fatalf("expected pause ingest to be orthogonal to admission, got %s", decision.Action)
	}
}

func TestDecideDoesNotPauseBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PELMax = 100
	cfg.PELPausePct = 0.8
	snap := Snapshot{IngestPELDepth: 10, Candidates: []registry.Descriptor{{ProcessorID: "p1", Capacity: 1}}}
	decision := Decide(cfg, snap)
	if decision.PauseIngest {
		t.Fatalf("expected no pause below threshold")
	}
}

func TestShouldMarkUnhealthyAtFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	d := registry.Descriptor{ConsecutiveFailures: 5}
	if !ShouldMarkUnhealthy(cfg, d) {
		t.Fatalf("expected unhealthy at threshold")
	}
	d.ConsecutiveFailures = 4
	if ShouldMarkUnhealthy(cfg, d) {
		t.Fatalf("expected healthy below threshold")
	}
}
