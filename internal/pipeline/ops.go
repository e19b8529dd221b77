package pipeline

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/model"
)

const keySep = "\x1f"

// Merge concatenates tables. When axis is set, each table's rows are tagged
// with the matching entry of tags in that column.
func Merge(tables []*model.Table, axis string, tags []string) *model.Table {
	if axis == "" {
		return model.Concat(tables...)
	}
	tagged := make([]*model.Table, len(tables))
	for i, t := range tables {
		c := t.Clone()
		c.Set(axis, tags[i])
		tagged[i] = c
	}
	return model.Concat(tagged...)
}

// Sum adds data over axis: rows equal in every other column collapse into
// one row without the axis column. Non-numeric cells are skipped; a group
// with no numeric cell sums to an empty cell.
func Sum(t *model.Table, data, axis string) (*model.Table, error) {
	dataIdx, axisIdx := t.Index(data), t.Index(axis)
	if dataIdx < 0 || axisIdx < 0 {
		return nil, eris.Errorf("pipeline: sum needs columns %q and %q", data, axis)
	}
	var cols []string
	var keep []int
	for i, c := range t.Columns {
		if i != axisIdx {
			cols = append(cols, c)
			keep = append(keep, i)
		}
	}
	out := model.NewTable(cols...)
	outData := out.Index(data)

	type acc struct {
		row []string
		sum float64
		any bool
	}
	var order []string
	groups := make(map[string]*acc)
	for _, row := range t.Rows {
		cells := make([]string, len(keep))
		for j, i := range keep {
			cells[j] = row[i]
		}
		cells[outData] = ""
		id := strings.Join(cells, keySep)
		g, ok := groups[id]
		if !ok {
			g = &acc{row: cells}
			groups[id] = g
			order = append(order, id)
		}
		if v, ok := model.Float(row[dataIdx]); ok {
			g.sum += v
			g.any = true
		}
	}
	for _, id := range order {
		g := groups[id]
		if g.any {
			g.row[outData] = model.FormatFloat(g.sum)
		}
		out.Rows = append(out.Rows, g.row)
	}
	return out, nil
}

// Format rounds v to precision digits and scales it to percent when asked.
type Format struct {
	Precision *int
	Percent   bool
}

func (f Format) render(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	if f.Percent {
		v *= 100
	}
	if f.Precision != nil {
		p := math.Pow(10, float64(*f.Precision))
		v = math.Round(v*p) / p
	}
	return model.FormatFloat(v)
}

// Ratio divides top's topCol by bottom's bottomCol on rows that agree in every
// column the two tables share. The result keeps top's rows with topCol
// renamed to output. Missing, non-numeric or zero denominators yield an
// empty cell.
func Ratio(top, bottom *model.Table, topCol, bottomCol, output string, f Format) (*model.Table, error) {
	ti, bi := top.Index(topCol), bottom.Index(bottomCol)
	if ti < 0 || bi < 0 {
		return nil, eris.Errorf("pipeline: ratio needs columns %q and %q", topCol, bottomCol)
	}
	var shared []string
	for _, c := range top.Columns {
		if c != topCol && c != bottomCol && bottom.Has(c) {
			shared = append(shared, c)
		}
	}
	keyOf := func(t *model.Table, row int) string {
		parts := make([]string, len(shared))
		for i, c := range shared {
			parts[i], _ = t.Get(row, c)
		}
		return strings.Join(parts, keySep)
	}
	denominators := make(map[string]string, bottom.Len())
	for r := range bottom.Rows {
		k := keyOf(bottom, r)
		if _, dup := denominators[k]; dup {
			return nil, eris.Errorf("pipeline: ratio denominator has duplicate rows for %s", strings.ReplaceAll(k, keySep, ","))
		}
		denominators[k] = bottom.Rows[r][bi]
	}

	if output == "" {
		output = topCol + "/" + bottomCol
	}
	out := top.Clone()
	out.Rename(topCol, output)
	for r, row := range out.Rows {
		num, okNum := model.Float(row[ti])
		den, okDen := model.Float(denominators[keyOf(top, r)])
		if !okNum || !okDen || den == 0 {
			row[ti] = ""
			continue
		}
		row[ti] = f.render(num / den)
	}
	return out, nil
}

// Rate is the relative change of data between consecutive axis values
// within each group of rows equal in every other column. The earliest axis
// value of a group has no predecessor and is dropped.
func Rate(t *model.Table, data, axis, output string, f Format) (*model.Table, error) {
	dataIdx, axisIdx := t.Index(data), t.Index(axis)
	if dataIdx < 0 || axisIdx < 0 {
		return nil, eris.Errorf("pipeline: rate needs columns %q and %q", data, axis)
	}
	type point struct {
		at  float64
		row []string
	}
	var order []string
	groups := make(map[string][]point)
	for r, row := range t.Rows {
		at, ok := model.Float(row[axisIdx])
		if !ok {
			return nil, eris.Errorf("pipeline: row %d axis value %q is not numeric", r+1, row[axisIdx])
		}
		parts := make([]string, 0, len(row))
		for i, v := range row {
			if i != dataIdx && i != axisIdx {
				parts = append(parts, v)
			}
		}
		id := strings.Join(parts, keySep)
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], point{at: at, row: row})
	}

	if output == "" {
		output = data + "rate"
	}
	out := model.NewTable(t.Columns...)
	out.Rename(data, output)
	for _, id := range order {
		pts := groups[id]
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].at < pts[j].at })
		for i := 1; i < len(pts); i++ {
			row := append([]string(nil), pts[i].row...)
			prev, okPrev := model.Float(pts[i-1].row[dataIdx])
			cur, okCur := model.Float(pts[i].row[dataIdx])
			if okPrev && okCur && prev != 0 {
				row[dataIdx] = f.render((cur - prev) / prev)
			} else {
				row[dataIdx] = ""
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
