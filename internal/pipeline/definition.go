// Package pipeline derives tables from downloaded ones. Each derived table
// is described as data, a kind plus its inputs and parameters, and a small
// executor evaluates definitions on demand with memoisation.
package pipeline

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Kind is the transform a definition applies.
type Kind string

// Supported kinds.
const (
	// KindFeed downloads a catalog table for the current selection.
	KindFeed Kind = "feed"
	// KindMerge concatenates its inputs, optionally tagging each along Axis.
	KindMerge Kind = "merge"
	// KindSum sums Data over Axis.
	KindSum Kind = "sum"
	// KindRebin remaps the Axis buckets of Data onto Values within Bounds.
	KindRebin Kind = "rebin"
	// KindRatio divides Top of the first input by Bottom of the second.
	KindRatio Kind = "ratio"
	// KindRate is the relative change of Data between consecutive Axis values.
	KindRate Kind = "rate"
)

// Definition describes one derived table.
type Definition struct {
	ID     string   `yaml:"-"`
	Kind   Kind     `yaml:"kind"`
	Inputs []string `yaml:"inputs"`

	// feed
	Table string            `yaml:"table"`
	Scope map[string]string `yaml:"scope"`

	Data string `yaml:"data"`
	Axis string `yaml:"axis"`

	// merge
	Tags []string `yaml:"tags"`

	// rebin
	Bounds   []float64 `yaml:"bounds"`
	Values   []float64 `yaml:"values"`
	Sampling string    `yaml:"sampling"`

	// ratio
	Top    string `yaml:"top"`
	Bottom string `yaml:"bottom"`

	// ratio, rate
	Output    string `yaml:"output"`
	Precision *int   `yaml:"precision"`
	Percent   bool   `yaml:"percent"`
}

// Definitions are keyed by output table id.
type Definitions map[string]Definition

// ParseDefinitions reads a YAML document with a top-level "pipelines" key.
func ParseDefinitions(data []byte) (Definitions, error) {
	var wrapper struct {
		Pipelines map[string]Definition `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse definitions")
	}
	defs := make(Definitions, len(wrapper.Pipelines))
	for id, d := range wrapper.Pipelines {
		d.ID = id
		defs[id] = d
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadDefinitions reads definitions from a YAML file.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read definitions %s", path)
	}
	return ParseDefinitions(data)
}

// IDs returns the defined ids in sorted order.
func (defs Definitions) IDs() []string {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks every definition's parameters, that inputs exist and that
// no definition depends on itself.
func (defs Definitions) Validate() error {
	for _, id := range defs.IDs() {
		if err := defs[id].validate(); err != nil {
			return err
		}
		for _, in := range defs[id].Inputs {
			if _, ok := defs[in]; !ok {
				return eris.Errorf("pipeline: %s depends on undefined %s", id, in)
			}
		}
	}
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(defs))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return eris.Errorf("pipeline: cycle %v", append(path, id))
		case visited:
			return nil
		}
		state[id] = visiting
		for _, in := range defs[id].Inputs {
			if err := visit(in, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for _, id := range defs.IDs() {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) validate() error {
	need := func(ok bool, what string) error {
		if !ok {
			return eris.Errorf("pipeline: %s (%s) %s", d.ID, d.Kind, what)
		}
		return nil
	}
	var errs []error
	switch d.Kind {
	case KindFeed:
		errs = append(errs, need(len(d.Inputs) == 0, "takes no inputs"))
	case KindMerge:
		errs = append(errs,
			need(len(d.Inputs) >= 1, "needs at least one input"),
			need(len(d.Tags) == 0 || (d.Axis != "" && len(d.Tags) == len(d.Inputs)), "needs an axis and one tag per input"),
		)
	case KindSum:
		errs = append(errs,
			need(len(d.Inputs) == 1, "needs exactly one input"),
			need(d.Data != "" && d.Axis != "", "needs data and axis"),
		)
	case KindRebin:
		errs = append(errs,
			need(len(d.Inputs) == 1, "needs exactly one input"),
			need(d.Data != "" && d.Axis != "", "needs data and axis"),
			need(len(d.Bounds) == 2 && d.Bounds[0] < d.Bounds[1], "needs bounds [lower, upper]"),
			need(len(d.Values) > 0, "needs values"),
		)
	case KindRatio:
		errs = append(errs,
			need(len(d.Inputs) == 2, "needs exactly two inputs"),
			need(d.Top != "" && d.Bottom != "", "needs top and bottom"),
		)
	case KindRate:
		errs = append(errs,
			need(len(d.Inputs) == 1, "needs exactly one input"),
			need(d.Data != "", "needs data"),
		)
	default:
		return eris.Errorf("pipeline: %s has unknown kind %q", d.ID, d.Kind)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
