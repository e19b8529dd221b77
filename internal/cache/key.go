// Package cache stores one compiled table per request key on local disk.
// Entries are written atomically and carry a checksum footer so truncated or
// corrupted files are detected on load.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/geo"
)

// ScopeValue is an extra filter that narrows a request (e.g. sex=female).
type ScopeValue struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Key identifies one fetchable, cacheable unit of work.
type Key struct {
	Table     string       `json:"table"`
	Geography geo.Address  `json:"geography"`
	Year      int          `json:"year"`
	Estimate  int          `json:"estimate"`
	Scope     []ScopeValue `json:"scope,omitempty"`
}

// NewKey normalises scope order so equal tuples produce equal keys.
func NewKey(table string, geography geo.Address, year, estimate int, scope ...ScopeValue) Key {
	s := make([]ScopeValue, len(scope))
	copy(s, scope)
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].Value < s[j].Value
	})
	return Key{Table: table, Geography: geography, Year: year, Estimate: estimate, Scope: s}
}

// ScopeString renders the scope as name=value pairs joined by commas.
func (k Key) ScopeString() string {
	parts := make([]string, len(k.Scope))
	for i, s := range k.Scope {
		parts[i] = s.Name + "=" + s.Value
	}
	return strings.Join(parts, ",")
}

// ParseScope parses comma separated name=value pairs, the form ScopeString
// renders. Blank input yields no scope.
func ParseScope(s string) ([]ScopeValue, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []ScopeValue
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(part, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return nil, eris.Errorf("cache: malformed scope %q", part)
		}
		out = append(out, ScopeValue{Name: name, Value: value})
	}
	return out, nil
}

// ID is the canonical identity of the key. Equal field tuples give equal IDs.
func (k Key) ID() string {
	return fmt.Sprintf("%s|%d|acs%d|%s|%s", k.Table, k.Year, k.Estimate, k.Geography.String(), k.ScopeString())
}

func (k Key) String() string {
	s := fmt.Sprintf("%s %d %s", k.Table, k.Year, k.Geography.String())
	if len(k.Scope) > 0 {
		s += " [" + k.ScopeString() + "]"
	}
	return s
}

// Filename returns the entry's path relative to the cache root:
// acs{estimate}/{table}/{table}_{year}_{geoid}.{ext}. The geoid segment
// renders a trailing wildcard as "x" followed by the wildcard's level, so
// state=48|county=* and state=48|place=* do not collide. Scoped keys get a
// short digest of the scope appended.
func (k Key) Filename(ext string) string {
	seg := k.geoidSegment()
	name := k.Table + "_" + strconv.Itoa(k.Year) + "_" + seg
	if len(k.Scope) > 0 {
		sum := sha256.Sum256([]byte(k.ScopeString()))
		name += "_" + hex.EncodeToString(sum[:4])
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "csv"
	}
	return filepath.Join("acs"+strconv.Itoa(k.Estimate), k.Table, name+"."+ext)
}

func (k Key) geoidSegment() string {
	last, ok := k.Geography.Last()
	if !ok {
		return "us"
	}
	g := k.Geography.Geoid()
	if last.IsWildcard() {
		g = strings.TrimSuffix(g, geo.Wildcard) + "x" + last.Level
	}
	return g
}
