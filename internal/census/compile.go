package census

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/model"
)

// Raw response columns with fixed meaning.
const (
	ColumnName  = "NAME"
	ColumnGeoID = "GEO_ID"
)

// Column is one data variable of a raw response and the concept it is
// published under after compilation.
type Column struct {
	Variable string
	Concept  string
}

// Compile turns a raw API table into the tagged long form:
//
//	geography | geoname | <header> | <universe> | <scope...> | date
//
// The geography columns named by key's levels are folded into one canonical
// address string, NAME becomes a "|" separated geoname, and when more than
// one variable is requested they are melted into (header, universe) pairs.
// With columns nil every estimate column of the response is used.
func Compile(raw *model.Table, key cache.Key, spec TableSpec, columns []Column, reg *geo.Registry) (*model.Table, error) {
	levels := key.Geography.Components()
	geoIdx := make([]int, len(levels))
	isGeo := make(map[int]bool, len(levels))
	for i, c := range levels {
		lvl, ok := reg.Level(c.Level)
		if !ok {
			return nil, eris.Errorf("census: unknown level %q", c.Level)
		}
		idx := raw.Index(lvl.APIName)
		if idx < 0 {
			return nil, eris.Errorf("census: response for %s has no %q column", key, lvl.APIName)
		}
		geoIdx[i] = idx
		isGeo[idx] = true
	}
	nameIdx := raw.Index(ColumnName)

	if columns == nil {
		columns = estimateColumns(raw, isGeo)
	}
	if len(columns) == 0 {
		return nil, eris.Errorf("census: response for %s has no data columns", key)
	}
	varIdx := make([]int, len(columns))
	for i, c := range columns {
		idx := raw.Index(c.Variable)
		if idx < 0 {
			return nil, eris.Errorf("census: response for %s is missing variable %s", key, c.Variable)
		}
		varIdx[i] = idx
	}

	melt := len(columns) > 1
	cols := []string{model.ColumnGeography, model.ColumnGeoname}
	if melt {
		cols = append(cols, spec.Header)
	}
	cols = append(cols, spec.Universe)
	tags := mergeScope(key.Scope, spec.Scope)
	for _, s := range tags {
		cols = append(cols, s.Name)
	}
	cols = append(cols, model.ColumnDate)
	out := model.NewTable(cols...)

	date := strconv.Itoa(key.Year)
	comps := make([]geo.Component, len(levels))
	for r, row := range raw.Rows {
		for i, c := range levels {
			comps[i] = geo.Component{Level: c.Level, Value: row[geoIdx[i]]}
		}
		addr, err := reg.NewResolved(comps...)
		if err != nil {
			return nil, eris.Wrapf(err, "census: row %d of %s", r+1, key)
		}
		if !key.Geography.Contains(addr) {
			return nil, eris.Errorf("census: row %d geography %s is outside %s", r+1, addr, key.Geography)
		}
		geoname := ""
		if nameIdx >= 0 {
			geoname = strings.ReplaceAll(row[nameIdx], ", ", "|")
		}

		for i, c := range columns {
			cells := []string{addr.String(), geoname}
			if melt {
				cells = append(cells, c.Concept)
			}
			cells = append(cells, model.ParseValue(row[varIdx[i]]))
			for _, s := range tags {
				cells = append(cells, s.Value)
			}
			cells = append(cells, date)
			out.Rows = append(out.Rows, cells)
		}
	}
	return out, nil
}

// mergeScope adds the table's fixed scope tags to the request's, the request
// winning on conflicts, sorted by name.
func mergeScope(req []cache.ScopeValue, fixed map[string]string) []cache.ScopeValue {
	out := append([]cache.ScopeValue(nil), req...)
	have := make(map[string]bool, len(req))
	for _, s := range req {
		have[s.Name] = true
	}
	for name, value := range fixed {
		if !have[name] {
			out = append(out, cache.ScopeValue{Name: name, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// estimateColumns picks the estimate variables of a group() response.
func estimateColumns(raw *model.Table, isGeo map[int]bool) []Column {
	var out []Column
	for i, c := range raw.Columns {
		if isGeo[i] || c == ColumnName || c == ColumnGeoID {
			continue
		}
		v := Variable{Name: c}
		if strings.Contains(c, "_") && v.IsEstimate() {
			out = append(out, Column{Variable: c, Concept: c})
		}
	}
	return out
}
