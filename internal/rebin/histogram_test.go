package rebin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SortsAndClosesTopBucket(t *testing.T) {
	h, err := New(0, 200000, []float64{50000, 10000, math.Inf(1), 25000}, []float64{3, 1, 4, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{10000, 25000, 50000, 200000}, h.Edges)
	assert.Equal(t, []float64{1, 2, 3, 4}, h.Counts)
	assert.Equal(t, 10.0, h.Total())
	assert.Equal(t, 4, h.Len())
}

func TestNew_FoldsOutOfDomainBuckets(t *testing.T) {
	h, err := New(15, 95, []float64{10, 15, 25, 95, 120}, []float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 95}, h.Edges)
	assert.Equal(t, []float64{6, 9}, h.Counts)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		lower  float64
		upper  float64
		edges  []float64
		counts []float64
	}{
		{"length mismatch", 0, 10, []float64{5}, []float64{1, 2}},
		{"no buckets", 0, 10, nil, nil},
		{"inverted bounds", 10, 0, []float64{5}, []float64{1}},
		{"negative count", 0, 10, []float64{5, 10}, []float64{1, -1}},
		{"duplicate edge", 0, 10, []float64{5, 5}, []float64{1, 1}},
		{"nan count", 0, 10, []float64{5}, []float64{math.NaN()}},
		{"nothing above lower", 10, 20, []float64{5}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.lower, tt.upper, tt.edges, tt.counts)
			assert.Error(t, err)
		})
	}
}

func TestHistogram_Cumulative(t *testing.T) {
	h, err := New(0, 4, []float64{1, 2, 4}, []float64{1, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5, 1}, h.Cumulative())

	empty, err := New(0, 4, []float64{4}, []float64{0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, empty.Cumulative())
}

func TestHistogram_CloneIsDeep(t *testing.T) {
	h, err := New(0, 4, []float64{2, 4}, []float64{1, 1})
	require.NoError(t, err)
	c := h.Clone()
	c.Counts[0] = 99
	assert.Equal(t, 1.0, h.Counts[0])
}

func TestParseSampling(t *testing.T) {
	s, err := ParseSampling("")
	require.NoError(t, err)
	assert.Equal(t, Edge, s)
	s, err = ParseSampling("proxy")
	require.NoError(t, err)
	assert.Equal(t, Proxy, s)
	_, err = ParseSampling("midpoint")
	assert.Error(t, err)
}
