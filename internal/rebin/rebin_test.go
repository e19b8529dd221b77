package rebin

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, lower, upper float64, edges, counts []float64) Histogram {
	t.Helper()
	h, err := New(lower, upper, edges, counts)
	require.NoError(t, err)
	return h
}

func TestRebin_TwoBucketExample(t *testing.T) {
	h := mustNew(t, 0, 200, []float64{100, 200}, []float64{60, 40})

	for _, s := range []Sampling{Edge, Proxy} {
		t.Run(s.String(), func(t *testing.T) {
			out, err := Rebin(h, []float64{50, 150, 200}, Options{Sampling: s})
			require.NoError(t, err)
			require.Len(t, out.Counts, 3)
			for _, c := range out.Counts {
				assert.GreaterOrEqual(t, c, 0.0)
			}
			assert.InDelta(t, 100, out.Total(), 1e-9)
			assert.LessOrEqual(t, out.Counts[0], 60.0)
		})
	}

	out, err := Rebin(h, []float64{50, 150, 200}, Options{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{30, 50, 20}, out.Counts, 1e-9)

	out, err = Rebin(h, []float64{50, 150, 200}, Options{Sampling: Proxy})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{15, 55, 30}, out.Counts, 1e-9)
}

func TestRebin_IdenticalEdgesReturnInput(t *testing.T) {
	h := mustNew(t, 0, 200000, []float64{10000, 25000, 50000, 200000}, []float64{5, 17, 31, 12})
	for _, s := range []Sampling{Edge, Proxy} {
		out, err := Rebin(h, []float64{50000, 10000, 25000}, Options{Sampling: s})
		require.NoError(t, err)
		assert.Equal(t, h, out)
	}
}

func TestRebin_SingleBucketSplitsByOverlap(t *testing.T) {
	h := mustNew(t, 0, 100, []float64{100}, []float64{80})
	for _, s := range []Sampling{Edge, Proxy} {
		t.Run(s.String(), func(t *testing.T) {
			out, err := Rebin(h, []float64{25, 50, 100}, Options{Sampling: s})
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float64{20, 20, 40}, out.Counts, 1e-9)
		})
	}

	// Bounds away from zero split the same way.
	h = mustNew(t, 10, 30, []float64{30}, []float64{10})
	out, err := Rebin(h, []float64{15, 30}, Options{Sampling: Proxy})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2.5, 7.5}, out.Counts, 1e-9)
}

func TestRebin_ZeroTotal(t *testing.T) {
	h := mustNew(t, 0, 10, []float64{5, 10}, []float64{0, 0})
	out, err := Rebin(h, []float64{2, 4, 8}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 8, 10}, out.Edges)
	assert.Equal(t, []float64{0, 0, 0, 0}, out.Counts)
}

func TestRebin_AppendsUpperBound(t *testing.T) {
	h := mustNew(t, 15, 95, []float64{25, 45, 65, 95}, []float64{10, 20, 20, 10})
	out, err := Rebin(h, []float64{35, 55}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{35, 55, 95}, out.Edges)
	assert.InDeltaSlice(t, []float64{20, 20, 20}, out.Counts, 1e-9)
}

func TestRebin_InvalidEdges(t *testing.T) {
	h := mustNew(t, 0, 100, []float64{50, 100}, []float64{1, 1})
	for _, edges := range [][]float64{{0}, {-5, 50}, {150}, {40, 40}, {math.NaN()}} {
		_, err := Rebin(h, edges, Options{})
		assert.Error(t, err, "%v", edges)
	}
	_, err := Rebin(Histogram{}, []float64{1}, Options{})
	assert.Error(t, err)
}

func TestRebin_InvariantError(t *testing.T) {
	h := Histogram{Lower: 0, Upper: 10, Edges: []float64{5, 10}, Counts: []float64{math.MaxFloat64, math.MaxFloat64}}
	_, err := Rebin(h, []float64{3}, Options{})
	var ie *InvariantError
	require.True(t, errors.As(err, &ie))
	assert.Contains(t, ie.Error(), "mass not preserved")
}

func TestRebin_PreservesMassProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	for trial := 0; trial < 500; trial++ {
		lower := float64(rng.IntN(100))
		upper := lower + 1 + rng.Float64()*1e6

		edges := randomEdges(rng, lower, upper, 1+rng.IntN(16))
		counts := make([]float64, len(edges))
		for i := range counts {
			counts[i] = float64(rng.IntN(10000))
		}
		counts[0]++
		h := mustNew(t, lower, upper, edges, counts)

		target := randomEdges(rng, lower, upper, rng.IntN(20))
		for _, s := range []Sampling{Edge, Proxy} {
			out, err := Rebin(h, target, Options{Sampling: s})
			require.NoError(t, err)
			assert.InEpsilon(t, h.Total(), out.Total(), 1e-6)
			for _, c := range out.Counts {
				assert.GreaterOrEqual(t, c, 0.0)
			}
		}
	}
}

// randomEdges draws n distinct edges inside (lower, upper) and appends upper.
func randomEdges(rng *rand.Rand, lower, upper float64, n int) []float64 {
	seen := make(map[float64]bool)
	var edges []float64
	for len(edges) < n {
		e := lower + (upper-lower)*rng.Float64()
		if e <= lower || e >= upper || seen[e] {
			continue
		}
		seen[e] = true
		edges = append(edges, e)
	}
	return append(edges, upper)
}
