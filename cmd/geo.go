package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/census-cli/internal/geo"
)

var geoResolveFlags struct {
	year     int
	estimate int
}

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Parse and resolve geography addresses",
}

var geoParseCmd = &cobra.Command{
	Use:   "parse <address>",
	Short: "Print the canonical form, geoid and ancestors of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		addr, err := geo.DefaultRegistry().Parse(args[0])
		if err != nil {
			return err
		}
		formatAddress(os.Stdout, addr)
		return nil
	},
}

var geoLevelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "List the known geography levels",
	RunE: func(_ *cobra.Command, _ []string) error {
		formatLevels(os.Stdout, geo.DefaultRegistry())
		return nil
	},
}

var geoResolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: `Resolve a name path such as "state=Texas|county=Travis County" to an address`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "download", envOptions{SkipLedger: true})
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Registry.ParsePath(args[0])
		if err != nil {
			return err
		}
		est := geoResolveFlags.estimate
		if est == 0 {
			est = cfg.API.Estimate
		}
		addr, err := env.Resolver.Resolve(ctx, p, geoResolveFlags.year, est)
		if err != nil {
			return err
		}
		formatAddress(os.Stdout, addr)
		return nil
	},
}

func init() {
	geoResolveCmd.Flags().IntVar(&geoResolveFlags.year, "year", 0, "vintage to resolve names against")
	geoResolveCmd.Flags().IntVar(&geoResolveFlags.estimate, "estimate", 0, "estimate period (default from config)")
	_ = geoResolveCmd.MarkFlagRequired("year")

	geoCmd.AddCommand(geoParseCmd)
	geoCmd.AddCommand(geoLevelsCmd)
	geoCmd.AddCommand(geoResolveCmd)
	rootCmd.AddCommand(geoCmd)
}

// formatAddress writes the canonical form, geoid and every proper ancestor,
// outermost first.
func formatAddress(out io.Writer, a geo.Address) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Address:\t%s\n", a)
	_, _ = fmt.Fprintf(w, "Geoid:\t%s\n", a.Geoid())
	_, _ = fmt.Fprintf(w, "Pattern:\t%t\n", a.IsPattern())
	for n := 1; n < a.Len(); n++ {
		anc := a.Ancestor(n)
		_, _ = fmt.Fprintf(w, "Ancestor:\t%s\t%s\n", anc, anc.Geoid())
	}
	_ = w.Flush()
}

// formatLevels writes the registry's levels in order.
func formatLevels(out io.Writer, reg *geo.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEVEL\tAPI NAME\tWIDTH")
	_, _ = fmt.Fprintln(w, "-----\t--------\t-----")
	for _, name := range reg.Names() {
		lvl, _ := reg.Level(name)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", lvl.Name, lvl.APIName, lvl.Width)
	}
	_ = w.Flush()
}
