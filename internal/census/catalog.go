package census

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Field selects one API variable and names the concept it measures.
type Field struct {
	Variable string `yaml:"variable"`
	Concept  string `yaml:"concept"`
}

// LabelField selects a variable by its label path ("Estimate!!Total:!!Less
// than $10,000") instead of its code. The code is found per vintage with the
// variable matcher.
type LabelField struct {
	Label   string `yaml:"label"`
	Concept string `yaml:"concept"`
}

// TableSpec describes how one subject table is requested and compiled.
type TableSpec struct {
	ID          string            `yaml:"-"`
	Description string            `yaml:"description"`
	Survey      string            `yaml:"survey"`   // "" (detailed), "subject", "profile"
	Universe    string            `yaml:"universe"` // name of the value column
	Header      string            `yaml:"header"`   // name of the melted variable axis
	Group       string            `yaml:"group"`    // get=group(X) when no fields or labels
	Fields      []Field           `yaml:"fields"`
	Labels      []LabelField      `yaml:"labels"`
	Scope       map[string]string `yaml:"scope"`
}

func (s *TableSpec) applyDefaults() {
	if s.Universe == "" {
		s.Universe = "value"
	}
	if s.Header == "" {
		s.Header = "header"
	}
	if s.Group == "" && len(s.Fields) == 0 && len(s.Labels) == 0 {
		s.Group = s.ID
	}
}

// Catalog is the set of configured tables. Tables missing from the catalog
// are requested as whole groups.
type Catalog struct {
	tables map[string]TableSpec

	// DefaultSurvey is the survey of tables missing from the catalog.
	DefaultSurvey string
}

// NewCatalog builds a catalog from specs keyed by table id.
func NewCatalog(specs map[string]TableSpec) (*Catalog, error) {
	c := &Catalog{tables: make(map[string]TableSpec, len(specs))}
	for id, s := range specs {
		if id == "" {
			return nil, eris.New("census: catalog entry with empty table id")
		}
		s.ID = id
		seen := make(map[string]bool)
		for _, f := range s.Fields {
			if f.Variable == "" {
				return nil, eris.Errorf("census: table %s has a field without a variable", id)
			}
			if seen[f.Variable] {
				return nil, eris.Errorf("census: table %s lists variable %s twice", id, f.Variable)
			}
			seen[f.Variable] = true
		}
		for _, l := range s.Labels {
			if l.Label == "" {
				return nil, eris.Errorf("census: table %s has a label field without a label", id)
			}
		}
		s.applyDefaults()
		c.tables[id] = s
	}
	return c, nil
}

// ParseCatalog reads a YAML document with a top-level "tables" mapping.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Tables map[string]TableSpec `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "census: parse catalog")
	}
	return NewCatalog(doc.Tables)
}

// LoadCatalog reads a catalog file. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "census: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// Lookup returns the spec for id, or a whole-group spec when id is not configured.
func (c *Catalog) Lookup(id string) TableSpec {
	if s, ok := c.tables[id]; ok {
		return s
	}
	s := TableSpec{ID: id, Survey: c.DefaultSurvey}
	s.applyDefaults()
	return s
}

// Has reports whether id is configured.
func (c *Catalog) Has(id string) bool {
	_, ok := c.tables[id]
	return ok
}

// IDs returns the configured table ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.tables))
	for id := range c.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
