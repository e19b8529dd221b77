package download

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/geo"
)

func testSelection() Selection {
	return Selection{
		Tables:      []string{"B25003", "B19001"},
		Geographies: []geo.Address{reg.MustParse("state=48|county=*"), reg.MustParse("state=06")},
		Years:       []int{2020, 2018},
		Scope:       []cache.ScopeValue{{Name: "tenure", Value: "owner"}},
	}
}

func TestExpand_Order(t *testing.T) {
	keys := Expand(testSelection())
	require.Len(t, keys, 8)

	var ids []string
	for _, k := range keys {
		ids = append(ids, k.ID())
	}
	assert.Equal(t, []string{
		"B19001|2018|acs5|state=06|tenure=owner",
		"B19001|2018|acs5|state=48|county=*|tenure=owner",
		"B19001|2020|acs5|state=06|tenure=owner",
		"B19001|2020|acs5|state=48|county=*|tenure=owner",
		"B25003|2018|acs5|state=06|tenure=owner",
		"B25003|2018|acs5|state=48|county=*|tenure=owner",
		"B25003|2020|acs5|state=06|tenure=owner",
		"B25003|2020|acs5|state=48|county=*|tenure=owner",
	}, ids)
}

func TestExpand_DeterministicAndIdempotent(t *testing.T) {
	sel := testSelection()
	first := Expand(sel)
	second := Expand(sel)
	assert.Equal(t, first, second)

	// Input order does not matter.
	sel.Tables = []string{"B19001", "B25003"}
	sel.Years = []int{2018, 2020}
	sel.Geographies = []geo.Address{sel.Geographies[1], sel.Geographies[0]}
	assert.Equal(t, first, Expand(sel))
}

func TestExpand_Dedupes(t *testing.T) {
	keys := Expand(Selection{
		Tables:      []string{"B19001", "B19001", " B19001"},
		Geographies: []geo.Address{reg.MustParse("state=48"), reg.MustParse("state=48")},
		Years:       []int{2019, 2019},
		Estimate:    1,
	})
	require.Len(t, keys, 1)
	assert.Equal(t, 1, keys[0].Estimate)
}

func TestSelection_Validate(t *testing.T) {
	require.NoError(t, testSelection().Validate())

	tests := []struct {
		name   string
		mutate func(*Selection)
	}{
		{"no tables", func(s *Selection) { s.Tables = nil }},
		{"blank table", func(s *Selection) { s.Tables = []string{" "} }},
		{"no geographies", func(s *Selection) { s.Geographies = nil }},
		{"empty geography", func(s *Selection) { s.Geographies = []geo.Address{{}} }},
		{"no years", func(s *Selection) { s.Years = nil }},
		{"bad year", func(s *Selection) { s.Years = []int{-1} }},
		{"bad estimate", func(s *Selection) { s.Estimate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSelection()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

type fakeResolver struct {
	years []int
	fail  bool
}

func (f *fakeResolver) Resolve(_ context.Context, p geo.Path, year, _ int) (geo.Address, error) {
	f.years = append(f.years, year)
	if f.fail {
		return geo.Address{}, errors.New("lookup failed")
	}
	if p.String() == "state=Texas" {
		return reg.MustParse("state=48"), nil
	}
	return reg.MustParse("state=06"), nil
}

func TestResolvePaths(t *testing.T) {
	tx, err := reg.ParsePath("state=Texas")
	require.NoError(t, err)
	ca, err := reg.ParsePath("state=California")
	require.NoError(t, err)

	r := &fakeResolver{}
	addrs, err := ResolvePaths(context.Background(), r, []geo.Path{tx, ca}, []int{2018, 2021, 2019}, 0)
	require.NoError(t, err)
	assert.Equal(t, "state=48", addrs[0].String())
	assert.Equal(t, "state=06", addrs[1].String())
	assert.Equal(t, []int{2021, 2021}, r.years)

	_, err = ResolvePaths(context.Background(), &fakeResolver{fail: true}, []geo.Path{tx}, []int{2019}, 5)
	assert.Error(t, err)

	_, err = ResolvePaths(context.Background(), r, []geo.Path{tx}, nil, 5)
	assert.Error(t, err)
}
