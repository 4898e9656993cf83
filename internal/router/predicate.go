package router

import (
	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// normalizePredicate case-folds each capability literal in a Frame Event's
// detection_hint predicate before it reaches the Registry, so a processor
// that advertised "GPU" matches a predicate written "gpu" regardless of
// which side a future non-ASCII capability name originates from.
func normalizePredicate(predicate []string) []string {
	if len(predicate) == 0 {
		return predicate
	}
	out := make([]string, len(predicate))
	for i, p := range predicate {
		out[i] = foldCaser.String(p)
	}
	return out
}
