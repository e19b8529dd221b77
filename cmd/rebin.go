package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/fetcher"
	"github.com/sells-group/census-cli/internal/rebin"
)

var rebinFlags struct {
	in        string
	out       string
	axis      string
	data      string
	lower     float64
	upper     float64
	edges     []float64
	sampling  string
	tolerance float64
}

var rebinCmd = &cobra.Command{
	Use:   "rebin",
	Short: "Redistribute histogram counts of a CSV table onto new bucket edges",
	Long: `Reads a long-form CSV table where --axis holds each bucket's upper edge and
--data its count. Rows sharing every other column form one histogram, which is
rebinned onto --edges over the domain [--lower, --upper] preserving total mass.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sampling, err := rebin.ParseSampling(rebinFlags.sampling)
		if err != nil {
			return err
		}
		spec := rebin.TableSpec{
			Axis:   rebinFlags.axis,
			Data:   rebinFlags.data,
			Lower:  rebinFlags.lower,
			Upper:  rebinFlags.upper,
			Edges:  rebinFlags.edges,
			Option: rebin.Options{Sampling: sampling, Tolerance: rebinFlags.tolerance},
		}

		f, err := os.Open(rebinFlags.in)
		if err != nil {
			return eris.Wrapf(err, "open %s", rebinFlags.in)
		}
		defer f.Close() //nolint:errcheck

		t, err := fetcher.ReadTable(cmd.Context(), f, fetcher.CSVOptions{TrimSpace: true})
		if err != nil {
			return eris.Wrapf(err, "read %s", rebinFlags.in)
		}
		out, err := rebin.Table(t, spec)
		if err != nil {
			return err
		}
		zap.L().Info("rebinned table",
			zap.String("in", rebinFlags.in),
			zap.Int("rows_in", t.Len()),
			zap.Int("rows_out", out.Len()),
			zap.Stringer("sampling", sampling),
		)
		return writeOutput(rebinFlags.out, out)
	},
}

func init() {
	rebinCmd.Flags().StringVar(&rebinFlags.in, "in", "", "input CSV path")
	rebinCmd.Flags().StringVar(&rebinFlags.out, "out", "", "output CSV path (default stdout)")
	rebinCmd.Flags().StringVar(&rebinFlags.axis, "axis", "", "column holding bucket upper edges")
	rebinCmd.Flags().StringVar(&rebinFlags.data, "data", "", "column holding bucket counts")
	rebinCmd.Flags().Float64Var(&rebinFlags.lower, "lower", 0, "lower bound of the domain")
	rebinCmd.Flags().Float64Var(&rebinFlags.upper, "upper", 0, "upper bound of the domain")
	rebinCmd.Flags().Float64SliceVar(&rebinFlags.edges, "edges", nil, "new bucket upper edges, e.g. 10000,25000,50000")
	rebinCmd.Flags().StringVar(&rebinFlags.sampling, "sampling", "edge", "where to read the cumulative distribution: edge or proxy")
	rebinCmd.Flags().Float64Var(&rebinFlags.tolerance, "tolerance", 0, "relative mass error accepted (default 1e-9)")
	for _, name := range []string{"in", "axis", "data", "upper", "edges"} {
		_ = rebinCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(rebinCmd)
}
