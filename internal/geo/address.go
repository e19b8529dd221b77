package geo

import (
	"strings"
)

const (
	// Wildcard matches every value at its level. Only the final component of a
	// query pattern may carry it.
	Wildcard = "*"

	componentSep = "|"
	keyValueSep  = "="
)

// wildcardAliases are accepted by Parse and normalised to Wildcard.
var wildcardAliases = map[string]bool{
	Wildcard: true,
	"all":    true,
	"any":    true,
}

// Component is one (level, value) pair of an Address.
type Component struct {
	Level string
	Value string

	width int
}

// IsWildcard reports whether the component matches any value.
func (c Component) IsWildcard() bool { return c.Value == Wildcard }

// Code returns the zero-padded numeric code, or Wildcard.
func (c Component) Code() string {
	if c.IsWildcard() {
		return Wildcard
	}
	return padCode(c.Value, c.width)
}

func (c Component) String() string { return c.Level + keyValueSep + c.Value }

// Address is an ordered sequence of components, coarsest first. The zero
// value is the empty address, which contains every other address.
// Addresses are immutable; use String as a map key.
type Address struct {
	comps []Component
}

// Len returns the number of components.
func (a Address) Len() int { return len(a.comps) }

// IsZero reports whether the address has no components.
func (a Address) IsZero() bool { return len(a.comps) == 0 }

// Components returns a copy of the components.
func (a Address) Components() []Component {
	out := make([]Component, len(a.comps))
	copy(out, a.comps)
	return out
}

// Last returns the most specific component. ok is false for the empty address.
func (a Address) Last() (c Component, ok bool) {
	if len(a.comps) == 0 {
		return Component{}, false
	}
	return a.comps[len(a.comps)-1], true
}

// Value returns the value stored for level, if present.
func (a Address) Value(level string) (string, bool) {
	for _, c := range a.comps {
		if c.Level == level {
			return c.Value, true
		}
	}
	return "", false
}

// Ancestor returns the first n components. n is clamped to [0, Len()].
func (a Address) Ancestor(n int) Address {
	if n <= 0 {
		return Address{}
	}
	if n >= len(a.comps) {
		return a
	}
	return Address{comps: a.comps[:n:n]}
}

// Parent returns the address without its final component.
func (a Address) Parent() Address { return a.Ancestor(len(a.comps) - 1) }

// Contains reports whether a's components are a prefix of other's and every
// corresponding value matches. A wildcard in a matches any value; a wildcard
// in other is only matched by a wildcard in a.
func (a Address) Contains(other Address) bool {
	if len(a.comps) > len(other.comps) {
		return false
	}
	for i, c := range a.comps {
		o := other.comps[i]
		if c.Level != o.Level {
			return false
		}
		if c.IsWildcard() {
			continue
		}
		if c.Value != o.Value {
			return false
		}
	}
	return true
}

// IsPattern reports whether any component is a wildcard.
func (a Address) IsPattern() bool {
	for _, c := range a.comps {
		if c.IsWildcard() {
			return true
		}
	}
	return false
}

// Equal reports component-wise equality.
func (a Address) Equal(other Address) bool {
	if len(a.comps) != len(other.comps) {
		return false
	}
	for i := range a.comps {
		if a.comps[i].Level != other.comps[i].Level || a.comps[i].Value != other.comps[i].Value {
			return false
		}
	}
	return true
}

// Geoid concatenates each component's zero-padded code in order.
func (a Address) Geoid() string {
	var b strings.Builder
	for _, c := range a.comps {
		b.WriteString(c.Code())
	}
	return b.String()
}

// String returns the canonical form level=value|level=value.
func (a Address) String() string {
	parts := make([]string, len(a.comps))
	for i, c := range a.comps {
		parts[i] = c.String()
	}
	return strings.Join(parts, componentSep)
}

// Compare orders addresses by canonical string, for deterministic sorting.
func Compare(a, b Address) int {
	return strings.Compare(a.String(), b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func padCode(v string, width int) string {
	if len(v) >= width {
		return v
	}
	return strings.Repeat("0", width-len(v)) + v
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
