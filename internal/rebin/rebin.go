package rebin

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Sampling chooses where the cumulative distribution is read for each new
// edge.
type Sampling int

const (
	// Edge reads the cumulative distribution exactly at each new edge.
	Edge Sampling = iota
	// Proxy reads it half the smallest edge gap below each new edge, keeping
	// samples off the published edges where the step function jumps. A
	// single-bucket input has no published inner edge and is read at the
	// new edges, so it still splits by overlap.
	Proxy
)

func (s Sampling) String() string {
	if s == Proxy {
		return "proxy"
	}
	return "edge"
}

// ParseSampling reads "edge" or "proxy"; empty means Edge.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "", "edge":
		return Edge, nil
	case "proxy":
		return Proxy, nil
	default:
		return Edge, eris.Errorf("rebin: unknown sampling %q", s)
	}
}

// Options tunes Rebin.
type Options struct {
	Sampling Sampling
	// Tolerance is the relative mass error accepted. Zero means 1e-9.
	Tolerance float64
}

// TargetEdges sorts and validates new edges for the domain [lower, upper].
// Every edge must lie in (lower, upper]; upper is appended when missing so
// the result always covers the whole domain.
func TargetEdges(lower, upper float64, edges []float64) ([]float64, error) {
	out := append([]float64(nil), edges...)
	sort.Float64s(out)
	for i, e := range out {
		if isBad(e) {
			return nil, eris.Errorf("rebin: non-finite edge %g", e)
		}
		if e <= lower || e > upper {
			return nil, eris.Errorf("rebin: edge %g outside (%g, %g]", e, lower, upper)
		}
		if i > 0 && e == out[i-1] {
			return nil, eris.Errorf("rebin: duplicate edge %g", e)
		}
	}
	if len(out) == 0 || out[len(out)-1] != upper {
		out = append(out, upper)
	}
	return out, nil
}

// Rebin redistributes h over new edges. The cumulative distribution of h is
// interpolated linearly between its edges, read at each new edge (or the
// proxy position), and differenced back into counts. The result has the same
// bounds and total as h. Edges identical to h's return h unchanged.
func Rebin(h Histogram, edges []float64, opts Options) (Histogram, error) {
	if h.Len() == 0 {
		return Histogram{}, eris.New("rebin: empty histogram")
	}
	target, err := TargetEdges(h.Lower, h.Upper, edges)
	if err != nil {
		return Histogram{}, err
	}
	if equalEdges(target, h.Edges) {
		return h.Clone(), nil
	}

	out := Histogram{Lower: h.Lower, Upper: h.Upper, Edges: target, Counts: make([]float64, len(target))}
	total := h.Total()
	if total == 0 {
		return out, nil
	}

	xs := append([]float64{h.Lower}, h.Edges...)
	ys := append([]float64{0}, h.Cumulative()...)
	at := samplePositions(h, target, opts.Sampling)

	prev := 0.0
	for i := range target {
		c := 1.0
		if i < len(target)-1 {
			// The cumulative share can never fall, so clip into [prev, 1].
			c = math.Min(math.Max(interpolate(xs, ys, at[i]), prev), 1)
		}
		out.Counts[i] = (c - prev) * total
		prev = c
	}

	tol := opts.Tolerance
	if tol == 0 {
		tol = 1e-9
	}
	// Written negated so NaN from overflowing counts also fails.
	if got := out.Total(); !(math.Abs(got-total) <= tol*math.Max(1, math.Abs(total))) {
		return Histogram{}, &InvariantError{Want: total, Got: got}
	}
	return out, nil
}

// samplePositions returns where the cumulative share of h is read for each
// internal target edge.
func samplePositions(h Histogram, target []float64, s Sampling) []float64 {
	at := append([]float64(nil), target...)
	if s != Proxy || h.Len() == 1 {
		return at
	}
	gap := target[0] - h.Lower
	for i := 1; i < len(target); i++ {
		gap = math.Min(gap, target[i]-target[i-1])
	}
	for i := range at {
		at[i] -= gap / 2
	}
	return at
}

// interpolate evaluates the piecewise linear function through (xs, ys) at x,
// extending the first or last segment's slope outside [xs[0], xs[n-1]].
func interpolate(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 1 {
		return ys[0]
	}
	i := sort.SearchFloat64s(xs, x)
	switch {
	case i == 0:
		i = 1
	case i >= n:
		i = n - 1
	}
	x0, x1 := xs[i-1], xs[i]
	y0, y1 := ys[i-1], ys[i]
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

func equalEdges(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
