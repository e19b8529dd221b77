package census

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/model"
)

func rawCounties() *model.Table {
	raw := model.NewTable("NAME", "B19001_002E", "B19001_003E", "state", "county")
	raw.Append("Travis County, Texas", "21034", "11003.0", "48", "453")
	raw.Append("Harris County, Texas", "99871", "", "48", "201")
	return raw
}

func incomeSpec() TableSpec {
	return TableSpec{ID: "B19001", Universe: "households", Header: "income", Scope: map[string]string{"tenure": "all"}}
}

func TestCompile_MeltsMultipleVariables(t *testing.T) {
	key := cache.NewKey("B19001", reg.MustParse("state=48|county=*"), 2019, 5)
	columns := []Column{
		{Variable: "B19001_002E", Concept: "Less than $10,000"},
		{Variable: "B19001_003E", Concept: "$10,000 to $14,999"},
	}

	out, err := Compile(rawCounties(), key, incomeSpec(), columns, reg)
	require.NoError(t, err)

	assert.Equal(t, []string{"geography", "geoname", "income", "households", "tenure", "date"}, out.Columns)
	assert.Equal(t, [][]string{
		{"state=48|county=453", "Travis County|Texas", "Less than $10,000", "21034", "all", "2019"},
		{"state=48|county=453", "Travis County|Texas", "$10,000 to $14,999", "11003", "all", "2019"},
		{"state=48|county=201", "Harris County|Texas", "Less than $10,000", "99871", "all", "2019"},
		{"state=48|county=201", "Harris County|Texas", "$10,000 to $14,999", "", "all", "2019"},
	}, out.Rows)
}

func TestCompile_SingleVariableKeepsUniverseColumn(t *testing.T) {
	key := cache.NewKey("B19001", reg.MustParse("state=48|county=453"), 2020, 5)
	raw := model.NewTable("NAME", "B19001_002E", "state", "county")
	raw.Append("Travis County, Texas", "21034", "48", "453")

	out, err := Compile(raw, key, TableSpec{Universe: "value", Header: "header"}, []Column{{Variable: "B19001_002E", Concept: "x"}}, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"geography", "geoname", "value", "date"}, out.Columns)
	assert.Equal(t, [][]string{{"state=48|county=453", "Travis County|Texas", "21034", "2020"}}, out.Rows)
}

func TestCompile_RequestScopeOverridesFixedScope(t *testing.T) {
	key := cache.NewKey("B19001", reg.MustParse("state=48|county=*"), 2019, 5,
		cache.ScopeValue{Name: "tenure", Value: "owner"},
		cache.ScopeValue{Name: "age", Value: "65+"},
	)
	out, err := Compile(rawCounties(), key, incomeSpec(), []Column{{Variable: "B19001_002E", Concept: "lt10k"}}, reg)
	require.NoError(t, err)

	assert.Equal(t, []string{"geography", "geoname", "households", "age", "tenure", "date"}, out.Columns)
	v, ok := out.Get(0, "tenure")
	require.True(t, ok)
	assert.Equal(t, "owner", v)
	v, _ = out.Get(1, "age")
	assert.Equal(t, "65+", v)
}

func TestCompile_GroupResponseUsesEstimates(t *testing.T) {
	raw := model.NewTable("NAME", "GEO_ID", "B01003_001E", "B01003_001M", "B01003_001EA", "state")
	raw.Append("Texas", "0400000US48", "28635442", "-555555555", "", "48")
	key := cache.NewKey("B01003", reg.MustParse("state=*"), 2021, 1)

	out, err := Compile(raw, key, TableSpec{Universe: "population", Header: "header"}, nil, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"geography", "geoname", "population", "date"}, out.Columns)
	assert.Equal(t, [][]string{{"state=48", "Texas", "28635442", "2021"}}, out.Rows)
}

func TestCompile_Errors(t *testing.T) {
	spec := incomeSpec()
	cols := []Column{{Variable: "B19001_002E", Concept: "x"}}

	t.Run("missing geography column", func(t *testing.T) {
		key := cache.NewKey("B19001", reg.MustParse("state=48|tract=*"), 2019, 5)
		_, err := Compile(rawCounties(), key, spec, cols, reg)
		assert.Error(t, err)
	})
	t.Run("missing variable", func(t *testing.T) {
		key := cache.NewKey("B19001", reg.MustParse("state=48|county=*"), 2019, 5)
		_, err := Compile(rawCounties(), key, spec, []Column{{Variable: "B19001_017E"}}, reg)
		assert.Error(t, err)
	})
	t.Run("row outside requested geography", func(t *testing.T) {
		key := cache.NewKey("B19001", reg.MustParse("state=48|county=453"), 2019, 5)
		_, err := Compile(rawCounties(), key, spec, cols, reg)
		assert.Error(t, err)
	})
	t.Run("no data columns", func(t *testing.T) {
		raw := model.NewTable("NAME", "state")
		raw.Append("Texas", "48")
		key := cache.NewKey("B01003", reg.MustParse("state=48"), 2019, 5)
		_, err := Compile(raw, key, spec, nil, reg)
		assert.Error(t, err)
	})
	t.Run("non numeric geography code", func(t *testing.T) {
		raw := model.NewTable("NAME", "B19001_002E", "state")
		raw.Append("Texas", "1", "TX")
		key := cache.NewKey("B19001", reg.MustParse("state=*"), 2019, 5)
		_, err := Compile(raw, key, spec, cols, reg)
		assert.Error(t, err)
	})
}
