package main

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/fetcher"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/model"
)

// selectionFlags are the flags that describe a download selection.
type selectionFlags struct {
	tables      []string
	geographies []string
	geopaths    []string
	years       []int
	estimate    int
	scope       []string
}

// register adds the flags to cmd. Tables are omitted for commands that take
// the table from elsewhere.
func (f *selectionFlags) register(cmd *cobra.Command, withTables bool) {
	if withTables {
		cmd.Flags().StringSliceVar(&f.tables, "table", nil, "table id (repeatable)")
	}
	cmd.Flags().StringArrayVar(&f.geographies, "geography", nil, `geography address, e.g. "state=48|county=*" (repeatable)`)
	cmd.Flags().StringArrayVar(&f.geopaths, "geopath", nil, `geography name path, e.g. "state=Texas|county=Travis County" (repeatable)`)
	cmd.Flags().IntSliceVar(&f.years, "years", nil, "survey years, e.g. 2018,2019")
	cmd.Flags().IntVar(&f.estimate, "estimate", 0, "estimate period: 1, 3 or 5 (default from config)")
	cmd.Flags().StringArrayVar(&f.scope, "scope", nil, "scope tag name=value (repeatable)")
}

// selection builds the selection without validating it. Geopaths are
// resolved with r against the latest requested year.
func (f *selectionFlags) selection(ctx context.Context, reg *geo.Registry, r download.Resolver, defaultEstimate int) (download.Selection, error) {
	sel := download.Selection{
		Tables:   f.tables,
		Years:    f.years,
		Estimate: f.estimate,
	}
	if sel.Estimate == 0 {
		sel.Estimate = defaultEstimate
	}
	for _, g := range f.geographies {
		addr, err := reg.Parse(g)
		if err != nil {
			return sel, err
		}
		sel.Geographies = append(sel.Geographies, addr)
	}
	if len(f.geopaths) > 0 {
		paths := make([]geo.Path, len(f.geopaths))
		for i, s := range f.geopaths {
			p, err := reg.ParsePath(s)
			if err != nil {
				return sel, err
			}
			paths[i] = p
		}
		addrs, err := download.ResolvePaths(ctx, r, paths, sel.Years, sel.Estimate)
		if err != nil {
			return sel, err
		}
		sel.Geographies = append(sel.Geographies, addrs...)
	}
	scope, err := cache.ParseScope(strings.Join(f.scope, ","))
	if err != nil {
		return sel, err
	}
	sel.Scope = scope
	return sel, nil
}

// writeOutput writes t as CSV to path, or to stdout when path is empty or "-".
func writeOutput(path string, t *model.Table) error {
	if t == nil {
		return nil
	}
	if path == "" || path == "-" {
		return fetcher.WriteTable(os.Stdout, t)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := fetcher.WriteTable(f, t); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}
