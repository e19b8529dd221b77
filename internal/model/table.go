package model

import (
	"math"
	"strconv"
	"strings"
)

// Well-known columns produced by response compilation.
const (
	ColumnGeography = "geography"
	ColumnGeoname   = "geoname"
	ColumnDate      = "date"
	ColumnHeader    = "header"
	ColumnUniverse  = "universe"
)

// Table is a rectangular set of string cells with a header row. Every row has
// exactly len(Columns) cells.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// NewTable returns an empty table with the given columns.
func NewTable(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of col, or -1.
func (t *Table) Index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether the table carries col.
func (t *Table) Has(col string) bool { return t.Index(col) >= 0 }

// Append adds a row. Short rows are padded with empty cells; long rows are truncated.
func (t *Table) Append(row ...string) {
	out := make([]string, len(t.Columns))
	copy(out, row)
	t.Rows = append(t.Rows, out)
}

// Column returns a copy of every value in col, or nil if the column is absent.
func (t *Table) Column(col string) []string {
	idx := t.Index(col)
	if idx < 0 {
		return nil
	}
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out
}

// Get returns the cell at (row, col) and whether the column exists.
func (t *Table) Get(row int, col string) (string, bool) {
	idx := t.Index(col)
	if idx < 0 || row < 0 || row >= len(t.Rows) {
		return "", false
	}
	return t.Rows[row][idx], true
}

// Set writes a constant value into col for every row, adding the column if needed.
func (t *Table) Set(col, value string) {
	idx := t.Index(col)
	if idx < 0 {
		t.Columns = append(t.Columns, col)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], value)
		}
		return
	}
	for i := range t.Rows {
		t.Rows[i][idx] = value
	}
}

// Rename changes a column name in place. It is a no-op if from is absent.
func (t *Table) Rename(from, to string) {
	if idx := t.Index(from); idx >= 0 {
		t.Columns[idx] = to
	}
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := NewTable(t.Columns...)
	out.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		row := make([]string, len(r))
		copy(row, r)
		out.Rows[i] = row
	}
	return out
}

// Concat stacks tables vertically. The result's columns are the union of the
// inputs' columns in first-seen order; cells missing from an input are empty.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	seen := make(map[string]int)
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, c := range t.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = len(out.Columns)
				out.Columns = append(out.Columns, c)
			}
		}
	}
	for _, t := range tables {
		if t == nil {
			continue
		}
		pos := make([]int, len(t.Columns))
		for i, c := range t.Columns {
			pos[i] = seen[c]
		}
		for _, r := range t.Rows {
			row := make([]string, len(out.Columns))
			for i, v := range r {
				row[pos[i]] = v
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// ParseValue normalises a raw cell: integral numbers become integer text,
// other numbers become shortest float text, anything else is returned as-is.
func ParseValue(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return raw
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Float parses a cell as a number. Empty or non-numeric cells report ok=false.
func Float(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// FormatFloat renders a computed number the way ParseValue would normalise it.
func FormatFloat(f float64) string {
	return ParseValue(strconv.FormatFloat(f, 'f', -1, 64))
}
