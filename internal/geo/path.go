package geo

import (
	"strings"
)

// PathStep names one level by its human-readable name ("Travis County").
type PathStep struct {
	Level string
	Name  string
}

// Path is a geography given by names instead of numeric codes. It is resolved
// into an Address by looking each name up against the survey API.
type Path struct {
	steps []PathStep
}

// ParsePath reads level=Name|level=Name. The final step may be a wildcard,
// which the resolver keeps as a wildcard component.
func (r *Registry) ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, malformed(s, "empty path")
	}
	parts := strings.Split(s, componentSep)
	steps := make([]PathStep, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for i, part := range parts {
		kv := strings.SplitN(part, keyValueSep, 2)
		if len(kv) != 2 {
			return Path{}, malformed(s, "step %q is not level%sname", part, keyValueSep)
		}
		level, name := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if level == "" || name == "" {
			return Path{}, malformed(s, "step %q has an empty level or name", part)
		}
		if _, ok := r.byName[level]; !ok {
			return Path{}, malformed(s, "unknown level %q", level)
		}
		if seen[level] {
			return Path{}, malformed(s, "duplicate level %q", level)
		}
		seen[level] = true
		if wildcardAliases[strings.ToLower(name)] {
			if i != len(parts)-1 {
				return Path{}, malformed(s, "wildcard only allowed in the final step")
			}
			name = Wildcard
		}
		steps = append(steps, PathStep{Level: level, Name: name})
	}
	return Path{steps: steps}, nil
}

// Steps returns a copy of the path's steps.
func (p Path) Steps() []PathStep {
	out := make([]PathStep, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of steps.
func (p Path) Len() int { return len(p.steps) }

func (p Path) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = s.Level + keyValueSep + s.Name
	}
	return strings.Join(parts, componentSep)
}
