package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/pipeline"
)

var pipelineFlags struct {
	definitions string
	sel         selectionFlags
	out         string
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Derive tables from downloaded ones using pipeline definitions",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the defined pipeline tables",
	RunE: func(_ *cobra.Command, _ []string) error {
		defs, err := loadDefinitions()
		if err != nil {
			return err
		}
		formatDefinitions(os.Stdout, defs)
		return nil
	},
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run <table-id>",
	Short: "Evaluate one derived table for a selection of geographies and years",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		defs, err := loadDefinitions()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, "pipeline", envOptions{SkipLedger: true})
		if err != nil {
			return err
		}
		defer env.Close()

		sel, err := pipelineFlags.sel.selection(ctx, env.Registry, env.Resolver, cfg.API.Estimate)
		if err != nil {
			return err
		}

		exec, err := pipeline.NewExecutor(defs, &pipeline.DownloadFeeder{
			Downloader: env.Downloader,
			Selection:  sel,
		})
		if err != nil {
			return err
		}
		t, err := exec.Run(ctx, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("pipeline complete", zap.String("table", args[0]), zap.Int("rows", t.Len()))
		return writeOutput(pipelineFlags.out, t)
	},
}

func init() {
	pipelineCmd.PersistentFlags().StringVar(&pipelineFlags.definitions, "definitions", "", "pipeline definitions YAML (default from config pipeline.path)")
	pipelineFlags.sel.register(pipelineRunCmd, false)
	pipelineRunCmd.Flags().StringVar(&pipelineFlags.out, "out", "", "output CSV path (default stdout)")

	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func loadDefinitions() (pipeline.Definitions, error) {
	path := pipelineFlags.definitions
	if path == "" {
		path = cfg.Pipeline.Path
	}
	if path == "" {
		return nil, eris.New("no pipeline definitions: set --definitions or pipeline.path")
	}
	return pipeline.LoadDefinitions(path)
}

// formatDefinitions writes one line per definition: id, kind and inputs or
// source table.
func formatDefinitions(out io.Writer, defs pipeline.Definitions) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tFROM")
	_, _ = fmt.Fprintln(w, "--\t----\t----")
	for _, id := range defs.IDs() {
		d := defs[id]
		from := strings.Join(d.Inputs, ",")
		if d.Kind == pipeline.KindFeed {
			from = d.Table
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", id, d.Kind, from)
	}
	_ = w.Flush()
}
