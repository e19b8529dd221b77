package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AppendPadsRows(t *testing.T) {
	tbl := NewTable("a", "b", "c")
	tbl.Append("1")
	tbl.Append("1", "2", "3", "4")

	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"1", "", ""}, tbl.Rows[0])
	assert.Equal(t, []string{"1", "2", "3"}, tbl.Rows[1])
}

func TestTable_ColumnAndGet(t *testing.T) {
	tbl := NewTable("geography", "value")
	tbl.Append("state=48", "10")
	tbl.Append("state=06", "20")

	assert.Equal(t, []string{"10", "20"}, tbl.Column("value"))
	assert.Nil(t, tbl.Column("missing"))

	v, ok := tbl.Get(1, "geography")
	assert.True(t, ok)
	assert.Equal(t, "state=06", v)
	_, ok = tbl.Get(5, "geography")
	assert.False(t, ok)
}

func TestTable_SetAddsColumn(t *testing.T) {
	tbl := NewTable("value")
	tbl.Append("1")
	tbl.Append("2")

	tbl.Set(ColumnDate, "2019")
	assert.Equal(t, []string{"value", "date"}, tbl.Columns)
	assert.Equal(t, []string{"2019", "2019"}, tbl.Column(ColumnDate))

	tbl.Set(ColumnDate, "2020")
	assert.Equal(t, []string{"2020", "2020"}, tbl.Column(ColumnDate))
}

func TestTable_CloneIsDeep(t *testing.T) {
	tbl := NewTable("a")
	tbl.Append("1")
	c := tbl.Clone()
	c.Rows[0][0] = "changed"
	c.Columns[0] = "z"

	assert.Equal(t, "1", tbl.Rows[0][0])
	assert.Equal(t, "a", tbl.Columns[0])
}

func TestConcat_UnionsColumns(t *testing.T) {
	a := NewTable("geography", "value")
	a.Append("state=48", "1")
	b := NewTable("value", "date")
	b.Append("2", "2019")

	out := Concat(a, nil, b)
	assert.Equal(t, []string{"geography", "value", "date"}, out.Columns)
	assert.Equal(t, [][]string{
		{"state=48", "1", ""},
		{"", "2", "2019"},
	}, out.Rows)
}

func TestConcat_Empty(t *testing.T) {
	out := Concat()
	assert.Equal(t, 0, out.Len())
	assert.Empty(t, out.Columns)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"42", "42"},
		{"042", "42"},
		{"42.0", "42"},
		{"-3", "-3"},
		{"3.25", "3.25"},
		{"1e3", "1000"},
		{"Travis County", "Travis County"},
		{"", ""},
		{"NaN", "NaN"},
		{" 7 ", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.in))
		})
	}
}

func TestFloat(t *testing.T) {
	f, ok := Float("2.5")
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)

	_, ok = Float("")
	assert.False(t, ok)
	_, ok = Float("n/a")
	assert.False(t, ok)

	assert.Equal(t, "3", FormatFloat(3.0))
	assert.Equal(t, "0.5", FormatFloat(0.5))
}
