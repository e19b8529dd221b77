// Package rebin remaps count histograms from their published bucket edges
// onto caller-chosen edges while preserving total mass exactly.
package rebin

import (
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Histogram is a sequence of buckets over [Lower, Upper]. Bucket i covers
// (Edges[i-1], Edges[i]] with Edges[-1] = Lower; the last edge is Upper.
type Histogram struct {
	Lower  float64
	Upper  float64
	Edges  []float64
	Counts []float64
}

// InvariantError reports a rebinning result whose mass does not match the
// input. It indicates a bug or malformed data, never a retryable condition.
type InvariantError struct {
	Want float64
	Got  float64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rebin: mass not preserved: want %g, got %g", e.Want, e.Got)
}

// New builds a histogram from bucket upper edges and counts in any order.
// Buckets ending at or below lower are folded into the first bucket above it,
// buckets beyond upper into the last bucket, and the last bucket always ends
// at upper so an open-ended top bucket is closed at the domain bound.
func New(lower, upper float64, edges, counts []float64) (Histogram, error) {
	if len(edges) != len(counts) {
		return Histogram{}, eris.Errorf("rebin: %d edges but %d counts", len(edges), len(counts))
	}
	if len(edges) == 0 {
		return Histogram{}, eris.New("rebin: histogram has no buckets")
	}
	if !(lower < upper) || isBad(lower) || isBad(upper) {
		return Histogram{}, eris.Errorf("rebin: invalid bounds [%g, %g]", lower, upper)
	}

	idx := make([]int, len(edges))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return edges[idx[a]] < edges[idx[b]] })

	h := Histogram{Lower: lower, Upper: upper}
	var below float64
	for n, i := range idx {
		e, c := edges[i], counts[i]
		if math.IsNaN(e) || isBad(c) {
			return Histogram{}, eris.Errorf("rebin: bucket %d has a non-finite edge or count", i)
		}
		if c < 0 {
			return Histogram{}, eris.Errorf("rebin: bucket ending at %g has negative count %g", e, c)
		}
		if n > 0 && e == edges[idx[n-1]] {
			return Histogram{}, eris.Errorf("rebin: duplicate edge %g", e)
		}
		switch {
		case e <= lower:
			below += c
		case len(h.Edges) > 0 && h.Edges[len(h.Edges)-1] >= upper:
			h.Counts[len(h.Counts)-1] += c
		default:
			h.Edges = append(h.Edges, math.Min(e, upper))
			h.Counts = append(h.Counts, c+below)
			below = 0
		}
	}
	if len(h.Edges) == 0 {
		return Histogram{}, eris.Errorf("rebin: no bucket ends above lower bound %g", lower)
	}
	h.Counts[0] += below
	h.Edges[len(h.Edges)-1] = upper
	return h, nil
}

// Total is the sum of the counts.
func (h Histogram) Total() float64 {
	var t float64
	for _, c := range h.Counts {
		t += c
	}
	return t
}

// Len is the number of buckets.
func (h Histogram) Len() int { return len(h.Edges) }

// Clone returns a deep copy.
func (h Histogram) Clone() Histogram {
	return Histogram{
		Lower:  h.Lower,
		Upper:  h.Upper,
		Edges:  append([]float64(nil), h.Edges...),
		Counts: append([]float64(nil), h.Counts...),
	}
}

// Cumulative returns the share of mass at or below each edge. The last value
// is 1, or 0 for an empty histogram.
func (h Histogram) Cumulative() []float64 {
	total := h.Total()
	out := make([]float64, len(h.Counts))
	if total == 0 {
		return out
	}
	var run float64
	for i, c := range h.Counts {
		run += c
		out[i] = run / total
	}
	out[len(out)-1] = 1
	return out
}

func isBad(f float64) bool { return math.IsNaN(f) || math.IsInf(f, 0) }
