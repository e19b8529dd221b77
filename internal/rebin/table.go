package rebin

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/model"
)

// TableSpec names the columns of a long-form table to rebin.
type TableSpec struct {
	// Axis holds each bucket's upper edge.
	Axis string
	// Data holds each bucket's count.
	Data   string
	Lower  float64
	Upper  float64
	Edges  []float64
	Option Options
}

// Table rebins every group of t. Rows sharing all columns other than Axis
// and Data form one histogram. Empty and negative counts, which the survey
// API uses for suppressed cells, count as zero. Groups keep their first-seen
// order and each produces one row per target edge.
func Table(t *model.Table, spec TableSpec) (*model.Table, error) {
	axisIdx, dataIdx := t.Index(spec.Axis), t.Index(spec.Data)
	if axisIdx < 0 {
		return nil, eris.Errorf("rebin: table has no axis column %q", spec.Axis)
	}
	if dataIdx < 0 {
		return nil, eris.Errorf("rebin: table has no data column %q", spec.Data)
	}

	type group struct {
		first  []string
		edges  []float64
		counts []float64
	}
	var order []string
	groups := make(map[string]*group)
	for r, row := range t.Rows {
		parts := make([]string, 0, len(row))
		for i, v := range row {
			if i != axisIdx && i != dataIdx {
				parts = append(parts, v)
			}
		}
		id := strings.Join(parts, "\x1f")
		g, ok := groups[id]
		if !ok {
			g = &group{first: row}
			groups[id] = g
			order = append(order, id)
		}

		edge, ok := model.Float(row[axisIdx])
		if !ok {
			return nil, eris.Errorf("rebin: row %d axis value %q is not numeric", r+1, row[axisIdx])
		}
		count, ok := model.Float(row[dataIdx])
		if !ok || count < 0 {
			count = 0
		}
		g.edges = append(g.edges, edge)
		g.counts = append(g.counts, count)
	}

	out := model.NewTable(t.Columns...)
	for _, id := range order {
		g := groups[id]
		h, err := New(spec.Lower, spec.Upper, g.edges, g.counts)
		if err != nil {
			return nil, eris.Wrapf(err, "rebin: group %s", strings.ReplaceAll(id, "\x1f", ","))
		}
		res, err := Rebin(h, spec.Edges, spec.Option)
		if err != nil {
			return nil, eris.Wrapf(err, "rebin: group %s", strings.ReplaceAll(id, "\x1f", ","))
		}
		for i, e := range res.Edges {
			row := append([]string(nil), g.first...)
			row[axisIdx] = model.FormatFloat(e)
			row[dataIdx] = model.FormatFloat(res.Counts[i])
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
