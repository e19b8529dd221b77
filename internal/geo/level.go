// Package geo models hierarchical geographic addresses (state → county → tract ...)
// as ordered, immutable composite keys with containment semantics and a
// concatenated numeric identifier (geoid).
package geo

import (
	"github.com/rotisserie/eris"
)

// Level describes one administrative level of the geographic hierarchy.
type Level struct {
	// Name is the short level name used in canonical address strings (e.g. "subdivision").
	Name string `yaml:"name"`

	// APIName is the geography name the survey API expects in for/in clauses
	// and returns as a column header (e.g. "county subdivision").
	APIName string `yaml:"api_name"`

	// Width is the number of digits in the level's zero-padded numeric code.
	Width int `yaml:"width"`
}

// Registry is the immutable set of known geography levels. It is built once
// and passed into every component that parses or resolves addresses.
type Registry struct {
	byName map[string]Level
	byAPI  map[string]Level
	order  []string
}

// NewRegistry validates the given levels and returns a registry over them.
func NewRegistry(levels ...Level) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Level, len(levels)),
		byAPI:  make(map[string]Level, len(levels)),
	}
	for _, l := range levels {
		if l.Name == "" {
			return nil, eris.New("geo: level name is empty")
		}
		if l.Width <= 0 {
			return nil, eris.Errorf("geo: level %q has non-positive width %d", l.Name, l.Width)
		}
		if _, dup := r.byName[l.Name]; dup {
			return nil, eris.Errorf("geo: duplicate level %q", l.Name)
		}
		if l.APIName == "" {
			l.APIName = l.Name
		}
		r.byName[l.Name] = l
		r.byAPI[l.APIName] = l
		r.order = append(r.order, l.Name)
	}
	return r, nil
}

// DefaultLevels are the ACS summary levels used by the survey API.
var DefaultLevels = []Level{
	{Name: "us", APIName: "us", Width: 1},
	{Name: "region", APIName: "region", Width: 1},
	{Name: "division", APIName: "division", Width: 1},
	{Name: "state", APIName: "state", Width: 2},
	{Name: "county", APIName: "county", Width: 3},
	{Name: "subdivision", APIName: "county subdivision", Width: 5},
	{Name: "place", APIName: "place", Width: 5},
	{Name: "tract", APIName: "tract", Width: 6},
	{Name: "blockgroup", APIName: "block group", Width: 1},
	{Name: "block", APIName: "block", Width: 4},
	{Name: "zipcode", APIName: "zip code tabulation area", Width: 5},
	{Name: "msa", APIName: "metropolitan statistical area/micropolitan statistical area", Width: 5},
}

// DefaultRegistry returns a registry over DefaultLevels.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultLevels...)
	if err != nil {
		panic(err) // static table
	}
	return r
}

// Level returns the level with the given short name.
func (r *Registry) Level(name string) (Level, bool) {
	l, ok := r.byName[name]
	return l, ok
}

// LevelByAPIName returns the level whose API geography name matches.
func (r *Registry) LevelByAPIName(apiName string) (Level, bool) {
	l, ok := r.byAPI[apiName]
	return l, ok
}

// Names returns the level names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
