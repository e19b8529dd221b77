// Package census talks to the survey API: it builds query URLs, compiles raw
// array-of-arrays responses into tagged tables, resolves geography names to
// codes and matches variable labels against a vintage's variable catalog.
package census

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/geo"
)

// DefaultBaseURL is the public survey API endpoint.
const DefaultBaseURL = "https://api.census.gov"

var queryEscaper = strings.NewReplacer("+", "%20", "%3A", ":", "%2C", ",", "%28", "(", "%29", ")", "%21", "!", "%2A", "*")

// URLBuilder renders survey API URLs of the form
// {base}/data/{year}/acs/acs{estimate}[/{survey}]?get=...&for=...&in=...&key=...
type URLBuilder struct {
	BaseURL  string
	APIKey   string
	Registry *geo.Registry
}

// NewURLBuilder returns a builder with the default base URL when base is empty.
func NewURLBuilder(base, apiKey string, reg *geo.Registry) *URLBuilder {
	if base == "" {
		base = DefaultBaseURL
	}
	return &URLBuilder{BaseURL: strings.TrimRight(base, "/"), APIKey: apiKey, Registry: reg}
}

// Dataset returns the dataset path for a vintage.
func (b *URLBuilder) Dataset(year, estimate int, survey string) string {
	p := b.BaseURL + "/data/" + strconv.Itoa(year) + "/acs/acs" + strconv.Itoa(estimate)
	if survey != "" {
		p += "/" + strings.Trim(survey, "/")
	}
	return p
}

// Variables returns the URL of a vintage's variables.json.
func (b *URLBuilder) Variables(year, estimate int, survey string) string {
	return b.Dataset(year, estimate, survey) + "/variables.json"
}

// Query renders a data query. The address's last component becomes the for
// clause and every ancestor an in clause, using the levels' API names.
func (b *URLBuilder) Query(year, estimate int, survey string, fields []string, g geo.Address) (string, error) {
	if len(fields) == 0 {
		return "", eris.New("census: query without fields")
	}
	comps := g.Components()
	if len(comps) == 0 {
		return "", eris.New("census: query without geography")
	}

	params := make([]string, 0, len(comps)+2)
	params = append(params, "get="+escape(strings.Join(fields, ",")))

	last := comps[len(comps)-1]
	lvl, ok := b.Registry.Level(last.Level)
	if !ok {
		return "", eris.Errorf("census: unknown level %q", last.Level)
	}
	params = append(params, "for="+escape(lvl.APIName+":"+last.Code()))

	for _, c := range comps[:len(comps)-1] {
		anc, ok := b.Registry.Level(c.Level)
		if !ok {
			return "", eris.Errorf("census: unknown level %q", c.Level)
		}
		params = append(params, "in="+escape(anc.APIName+":"+c.Code()))
	}
	if b.APIKey != "" {
		params = append(params, "key="+escape(b.APIKey))
	}
	return b.Dataset(year, estimate, survey) + "?" + strings.Join(params, "&"), nil
}

func escape(s string) string {
	return queryEscaper.Replace(url.QueryEscape(s))
}
