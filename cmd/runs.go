package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/store"
)

var runsFlags struct {
	failed string
	status string
	limit  int
	since  time.Duration
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded download runs",
	Long: `Lists recorded download runs. With --failed RUN_ID prints the keys that
failed in that run instead; retry them with download --retry-run RUN_ID.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		if runsFlags.failed != "" {
			keys, err := l.ListKeys(ctx, runsFlags.failed, download.Failed.String())
			if err != nil {
				return eris.Wrap(err, "runs failed")
			}
			if len(keys) == 0 {
				fmt.Fprintln(os.Stderr, "No failed keys.")
				return nil
			}
			formatKeysList(os.Stdout, keys)
			return nil
		}

		runs, err := l.ListRuns(ctx, store.RunFilter{
			Status: store.RunStatus(runsFlags.status),
			Limit:  runsFlags.limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with every key outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		run, err := l.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		keys, err := l.ListKeys(ctx, args[0], "")
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*store.Run
			Keys []store.KeyRecord `json:"keys"`
		}{run, keys})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		runs, err := l.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if runsFlags.since > 0 {
			runs = runsSince(runs, time.Now().Add(-runsFlags.since))
		}
		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsFlags.failed, "failed", "", "print the failed keys of RUN_ID")
	runsCmd.Flags().StringVar(&runsFlags.status, "status", "", "filter by run status (running, complete, partial, failed)")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().DurationVar(&runsFlags.since, "since", 24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Partial    int
	Failed     int
	Running    int
	Keys       int
	Cached     int
	Fetched    int
	FailedKeys int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs. Only
// finished runs count towards the average duration.
func computeRunStats(runs []store.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case store.RunStatusComplete:
			s.Complete++
		case store.RunStatusPartial:
			s.Partial++
		case store.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
			continue
		}
		s.Keys += r.Total
		s.Cached += r.Cached
		s.Fetched += r.Fetched
		s.FailedKeys += r.Failed
		totalDur += r.UpdatedAt.Sub(r.CreatedAt)
		durCount++
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

func runsSince(runs []store.Run, after time.Time) []store.Run {
	out := runs[:0:0]
	for _, r := range runs {
		if !r.CreatedAt.Before(after) {
			out = append(out, r)
		}
	}
	return out
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTABLES\tSTATUS\tKEYS\tCACHED\tFETCHED\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t------\t-------\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		if r.Status == store.RunStatusRunning {
			dur = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			truncate(strings.Join(r.Selection.Tables, ","), 30),
			r.Status,
			r.Total,
			r.Cached,
			r.Fetched,
			r.Failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatKeysList writes one line per recorded key outcome to w.
func formatKeysList(out io.Writer, keys []store.KeyRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tYEAR\tGEOGRAPHY\tSCOPE\tSTATE\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t----\t---------\t-----\t-----\t-----")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			k.Table,
			k.Year,
			k.Geography,
			k.Scope,
			k.State,
			truncate(k.Error, 80),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Keys:\t%d\n", s.Keys)
	_, _ = fmt.Fprintf(w, "  Cached:\t%d\n", s.Cached)
	_, _ = fmt.Fprintf(w, "  Fetched:\t%d\n", s.Fetched)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", s.FailedKeys)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
