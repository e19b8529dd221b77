package geo

import (
	"fmt"
	"strings"
)

// MalformedAddressError reports a geography string or component list that
// cannot form a valid Address. It is never retried.
type MalformedAddressError struct {
	Input  string
	Reason string
}

func (e *MalformedAddressError) Error() string {
	return fmt.Sprintf("geo: malformed address %q: %s", e.Input, e.Reason)
}

func malformed(input, format string, args ...any) error {
	return &MalformedAddressError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// Parse reads the canonical form level=value|level=value. Values must be
// numeric codes no wider than the level's width; the final component may be
// a wildcard ("*", "all" or "any").
func (r *Registry) Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, malformed(s, "empty")
	}

	parts := strings.Split(s, componentSep)
	comps := make([]Component, 0, len(parts))
	for _, part := range parts {
		kv := strings.Split(part, keyValueSep)
		if len(kv) != 2 {
			return Address{}, malformed(s, "component %q is not level%svalue", part, keyValueSep)
		}
		level, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if level == "" || value == "" {
			return Address{}, malformed(s, "component %q has an empty level or value", part)
		}
		comps = append(comps, Component{Level: level, Value: value})
	}
	return r.build(s, comps, true)
}

// MustParse is Parse for static addresses in tests and tables.
func (r *Registry) MustParse(s string) Address {
	a, err := r.Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAddress validates components and returns a query address. The final
// component may be a wildcard.
func (r *Registry) NewAddress(comps ...Component) (Address, error) {
	return r.build(joinComponents(comps), comps, true)
}

// NewResolved validates components and returns a stored address: wildcards
// are rejected at every level.
func (r *Registry) NewResolved(comps ...Component) (Address, error) {
	return r.build(joinComponents(comps), comps, false)
}

// Append returns a copy of a with one more component.
func (r *Registry) Append(a Address, level, value string) (Address, error) {
	comps := append(a.Components(), Component{Level: level, Value: value})
	return r.build(joinComponents(comps), comps, true)
}

// Replace returns a copy of a with level's value swapped for value.
func (r *Registry) Replace(a Address, level, value string) (Address, error) {
	comps := a.Components()
	found := false
	for i := range comps {
		if comps[i].Level == level {
			comps[i].Value = value
			found = true
		}
	}
	if !found {
		return Address{}, malformed(a.String(), "no level %q to replace", level)
	}
	return r.build(joinComponents(comps), comps, true)
}

func (r *Registry) build(input string, comps []Component, allowWildcard bool) (Address, error) {
	seen := make(map[string]bool, len(comps))
	out := make([]Component, 0, len(comps))
	for i, c := range comps {
		lvl, ok := r.byName[c.Level]
		if !ok {
			return Address{}, malformed(input, "unknown level %q", c.Level)
		}
		if seen[c.Level] {
			return Address{}, malformed(input, "duplicate level %q", c.Level)
		}
		seen[c.Level] = true

		value := strings.TrimSpace(c.Value)
		if wildcardAliases[strings.ToLower(value)] {
			if !allowWildcard {
				return Address{}, malformed(input, "wildcard not allowed in a resolved address")
			}
			if i != len(comps)-1 {
				return Address{}, malformed(input, "wildcard only allowed in the final component, found at %q", c.Level)
			}
			out = append(out, Component{Level: lvl.Name, Value: Wildcard, width: lvl.Width})
			continue
		}
		if !isDigits(value) {
			return Address{}, malformed(input, "value %q for level %q is not a numeric code", value, c.Level)
		}
		if len(value) > lvl.Width {
			return Address{}, malformed(input, "value %q for level %q exceeds width %d", value, c.Level, lvl.Width)
		}
		out = append(out, Component{Level: lvl.Name, Value: padCode(value, lvl.Width), width: lvl.Width})
	}
	return Address{comps: out}, nil
}

func joinComponents(comps []Component) string {
	parts := make([]string, len(comps))
	for i, c := range comps {
		parts[i] = c.String()
	}
	return strings.Join(parts, componentSep)
}
