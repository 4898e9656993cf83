// Package backpressure centralizes admission policy decisions so the
// Router stays a thin selection-and-write loop. The policy itself is a
// pure function over a sampled Snapshot; sourcing the inputs (queue
// depths, PEL depth, processor saturation) is the caller's problem, which
// keeps every policy row unit-testable without a live Redis or Registry.
package backpressure

import "frameorchestrator/internal/registry"

// Action is the decision the controller returns for one admission attempt.
type Action string

const (
	// ActionAdmit means proceed with normal routing.
	ActionAdmit Action = "admit"
	// ActionSpill means route to the least-loaded saturated processor
	// anyway, accepting overflow beyond soft_overflow_factor.
	ActionSpill Action = "spill"
	// ActionDelay means return a transient not-admitted signal; the ingest
	// entry is left unacked in the PEL and is read again only when the
	// Stream Consumer's periodic PEL reclaim claims it.
	ActionDelay Action = "delay"
	// ActionDrop means discard the frame, incrementing a drop counter.
	ActionDrop Action = "drop"
	// ActionPauseIngest means the Stream Consumer should stop reading new
	// entries until backpressure relieves.
	ActionPauseIngest Action = "pause_ingest"
)

// DropReason explains an ActionDrop decision for metrics/logging.
type DropReason string

const (
	DropReasonNoMatch DropReason = "no_match"
)

// Config tunes the admission policy thresholds.
type Config struct {
	SoftOverflowFactor float64
	HardOverflowFactor float64
	PELPausePct        float64 // fraction of PELMax at which ingest pauses
	PELMax             int64
	SpillPriorityFloor int // priority >= this triggers spill over delay
	FailureThreshold   int
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		SoftOverflowFactor: 1.0,
		HardOverflowFactor: 2.0,
		PELPausePct:        0.8,
		PELMax:             100000,
		SpillPriorityFloor: 7,
		FailureThreshold:   5,
	}
}

// Snapshot is the sampled state one admission decision is made against.
type Snapshot struct {
	IngestPELDepth    int64
	PredicateNonEmpty bool
	Candidates        []registry.Descriptor
	Priority          int
}

// Decision is the controller's verdict plus enough context to act on it.
type Decision struct {
	Action      Action
	DropReason  DropReason
	SpillTarget *registry.Descriptor
	PauseIngest bool
}

// Decide applies the admission policy table for one frame. Ingest pause is
// evaluated independently of admission, since it is a consumer-wide signal
// rather than a per-frame one.
func Decide(cfg Config, snap Snapshot) Decision {
	decision := Decision{}

	if cfg.PELMax > 0 && float64(snap.IngestPELDepth) >= float64(cfg.PELMax)*cfg.PELPausePct {
		decision.PauseIngest = true
	}

	admissible := FilterUnsaturated(snap.Candidates, cfg.SoftOverflowFactor)
	if len(admissible) > 0 {
		decision.Action = ActionAdmit
		return decision
	}

	if len(snap.Candidates) == 0 {
		// A non-empty predicate that matched nothing is a final drop; a
		// broadcast frame with no live processors waits for one to appear.
		if snap.PredicateNonEmpty {
			decision.Action = ActionDrop
			decision.DropReason = DropReasonNoMatch
			return decision
		}
		decision.Action = ActionDelay
		return decision
	}

	// All candidates are saturated. High-priority frames spill to the
	// least-loaded candidate that still has headroom under the hard
	// overflow cap; everything else waits.
	if snap.Priority >= cfg.SpillPriorityFloor {
		spillable := filterUnderHardOverflow(snap.Candidates, cfg.HardOverflowFactor)
		if len(spillable) > 0 {
			target := leastLoaded(spillable)
			decision.Action = ActionSpill
			decision.SpillTarget = &target
			return decision
		}
	}
	decision.Action = ActionDelay
	return decision
}

// ShouldMarkUnhealthy reports whether a descriptor's consecutive failure
// count has crossed the failure threshold.
func ShouldMarkUnhealthy(cfg Config, d registry.Descriptor) bool {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().FailureThreshold
	}
	return d.ConsecutiveFailures >= threshold
}

// FilterUnsaturated returns the subset of candidates whose inflight has not
// reached capacity*softOverflowFactor. The Router's saturation filter and
// Decide's own admissibility check share it so both layers agree on what
// "saturated" means.
func FilterUnsaturated(candidates []registry.Descriptor, softOverflowFactor float64) []registry.Descriptor {
	if softOverflowFactor <= 0 {
		softOverflowFactor = 1.0
	}
	var out []registry.Descriptor
	for _, d := range candidates {
		if float64(d.Inflight) < float64(d.Capacity)*softOverflowFactor {
			out = append(out, d)
		}
	}
	return out
}

// filterUnderHardOverflow drops candidates whose inflight has reached the
// absolute cap capacity*hardOverflowFactor; a spill never pushes a
// descriptor past it.
func filterUnderHardOverflow(candidates []registry.Descriptor, hardOverflowFactor float64) []registry.Descriptor {
	if hardOverflowFactor <= 0 {
		hardOverflowFactor = DefaultConfig().HardOverflowFactor
	}
	var out []registry.Descriptor
	for _, d := range candidates {
		if float64(d.Inflight) < float64(d.Capacity)*hardOverflowFactor {
			out = append(out, d)
		}
	}
	return out
}

func leastLoaded(candidates []registry.Descriptor) registry.Descriptor {
	best := candidates[0]
	bestRatio := loadRatio(best)
	for _, d := range candidates[1:] {
		ratio := loadRatio(d)
		if ratio < bestRatio {
			best = d
			bestRatio = ratio
		}
	}
	return best
}

func loadRatio(d registry.Descriptor) float64 {
	if d.Capacity <= 0 {
		return float64(d.Inflight)
	}
	return float64(d.Inflight) / float64(d.Capacity)
}
