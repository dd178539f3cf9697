// Package stats provides the small statistical primitives shared by the
// runtime sensors and the admission engine: exact percentiles over finite
// windows, the population stability index over signal-class distributions,
// and rolling-window event counting.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// psiSmoothing keeps ln defined when a class is absent from one window.
const psiSmoothing = 1e-6

// Percentile returns the exact p-th percentile of samples using the
// nearest-rank method. samples is not modified. p must be in (0, 100].
func Percentile(samples []float64, p float64) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("percentile of empty sample set")
	}
	if p <= 0 || p > 100 {
		return 0, fmt.Errorf("percentile %v out of range (0, 100]", p)
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1], nil
}

// PSI computes the population stability index between an observed class
// distribution and a reference class distribution. Both slices must have the
// same length; entries are raw counts. A small additive smoothing keeps the
// logarithm defined for empty classes.
func PSI(observed, reference []int) (float64, error) {
	if len(observed) == 0 || len(observed) != len(reference) {
		return 0, fmt.Errorf("psi requires equal-length non-empty distributions, got %d and %d",
			len(observed), len(reference))
	}

	obsTotal, refTotal := 0, 0
	for i := range observed {
		if observed[i] < 0 || reference[i] < 0 {
			return 0, fmt.Errorf("psi counts must be non-negative")
		}
		obsTotal += observed[i]
		refTotal += reference[i]
	}
	if obsTotal == 0 || refTotal == 0 {
		return 0, fmt.Errorf("psi requires at least one observation per window")
	}

	psi := 0.0
	for i := range observed {
		p := float64(observed[i])/float64(obsTotal) + psiSmoothing
		q := float64(reference[i])/float64(refTotal) + psiSmoothing
		psi += (p - q) * math.Log(p/q)
	}
	return psi, nil
}

// MaxEventsInWindow returns the maximum number of events that fall inside any
// rolling window of the given width. events need not be sorted.
func MaxEventsInWindow(events []time.Time, window time.Duration) int {
	if len(events) == 0 {
		return 0
	}

	sorted := make([]time.Time, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	best := 0
	lo := 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) > window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

// CountSince returns how many events are at or after cutoff.
func CountSince(events []time.Time, cutoff time.Time) int {
	n := 0
	for _, e := range events {
		if !e.Before(cutoff) {
			n++
		}
	}
	return n
}

// IsFinite reports whether v is a usable number (not NaN, not infinite).
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
