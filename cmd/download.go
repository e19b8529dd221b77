package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/store"
)

var downloadFlags struct {
	sel        selectionFlags
	redownload bool
	workers    int
	out        string
	retryRun   string
	progress   time.Duration
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download survey tables for a selection",
	Long: `Expands tables x geographies x years into cache keys, serves each key from
the local cache or fetches it from the survey API, and writes the combined
long-form table as CSV. With --retry-run only the failed keys of an earlier
run are fetched again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "download", envOptions{
			Workers:    downloadFlags.workers,
			Redownload: downloadFlags.redownload,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			sel  download.Selection
			keys []cache.Key
		)
		if downloadFlags.retryRun != "" {
			sel, keys, err = failedKeys(ctx, env, downloadFlags.retryRun)
		} else {
			sel, err = downloadFlags.sel.selection(ctx, env.Registry, env.Resolver, cfg.API.Estimate)
			if err == nil {
				err = sel.Validate()
			}
			keys = download.Expand(sel)
		}
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to download.")
			return nil
		}

		res, runID, err := executeDownload(ctx, env, sel, keys, downloadFlags.progress)
		if res != nil {
			formatDownloadSummary(os.Stderr, runID, res)
		}
		if err != nil {
			return err
		}
		return writeOutput(downloadFlags.out, res.Table)
	},
}

func init() {
	downloadFlags.sel.register(downloadCmd, true)
	downloadCmd.Flags().BoolVar(&downloadFlags.redownload, "redownload", false, "ignore cached entries and fetch every key")
	downloadCmd.Flags().IntVar(&downloadFlags.workers, "workers", 0, "concurrent keys (default from config)")
	downloadCmd.Flags().StringVar(&downloadFlags.out, "out", "", "output CSV path (default stdout)")
	downloadCmd.Flags().StringVar(&downloadFlags.retryRun, "retry-run", "", "retry the failed keys of a recorded run")
	downloadCmd.Flags().DurationVar(&downloadFlags.progress, "progress", 5*time.Second, "progress log interval (0 disables)")
	rootCmd.AddCommand(downloadCmd)
}

// failedKeys rebuilds the selection of a recorded run and returns the keys
// that failed in it.
func failedKeys(ctx context.Context, env *censusEnv, runID string) (download.Selection, []cache.Key, error) {
	if env.Ledger == nil {
		return download.Selection{}, nil, eris.New("--retry-run needs a run ledger (store.driver is none)")
	}
	run, err := env.Ledger.GetRun(ctx, runID)
	if err != nil {
		return download.Selection{}, nil, err
	}
	sel, err := run.Selection.Selection(env.Registry)
	if err != nil {
		return download.Selection{}, nil, eris.Wrapf(err, "selection of run %s", runID)
	}
	recs, err := env.Ledger.ListKeys(ctx, runID, download.Failed.String())
	if err != nil {
		return download.Selection{}, nil, err
	}
	keys := make([]cache.Key, 0, len(recs))
	for _, rec := range recs {
		k, err := rec.Key(env.Registry)
		if err != nil {
			return download.Selection{}, nil, eris.Wrapf(err, "key %s of run %s", rec.KeyID, runID)
		}
		keys = append(keys, k)
	}
	return sel, keys, nil
}

// executeDownload runs keys, logging progress every interval, and records
// the run when a ledger is configured. The ledger write is not cancelled
// with ctx so an interrupted run is still reported.
func executeDownload(ctx context.Context, env *censusEnv, sel download.Selection, keys []cache.Key, every time.Duration) (*download.Result, string, error) {
	log := zap.L().With(zap.String("component", "download"))

	var runID string
	if env.Ledger != nil {
		rec, err := env.Ledger.CreateRun(ctx, sel)
		if err != nil {
			return nil, "", err
		}
		runID = rec.ID
		log = log.With(zap.String("run_id", runID))
	}

	log.Info("download started", zap.Int("keys", len(keys)))
	run := env.Downloader.Start(ctx, keys)
	watchProgress(run, every, log)
	res, err := run.Wait()

	if env.Ledger != nil && res != nil {
		if rerr := store.RecordResult(context.WithoutCancel(ctx), env.Ledger, runID, res.Outcomes); rerr != nil {
			log.Error("record run", zap.Error(rerr))
		}
	}
	return res, runID, err
}

// watchProgress logs a progress snapshot every interval until run is done.
func watchProgress(run *download.Run, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		<-run.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-run.Done():
			return
		case <-ticker.C:
			p := run.Progress()
			log.Info("download progress",
				zap.Int("total", p.Total),
				zap.Int("finished", p.Finished()),
				zap.Int("in_flight", p.InFlight),
				zap.Int("cached", p.Cached),
				zap.Int("fetched", p.Fetched),
				zap.Int("failed", p.Failed),
			)
		}
	}
}

// formatDownloadSummary writes per-state counts and the failed keys to w.
func formatDownloadSummary(out io.Writer, runID string, res *download.Result) {
	p := download.Tally(res.Outcomes)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if runID != "" {
		_, _ = fmt.Fprintf(w, "Run:\t%s\n", runID)
	}
	_, _ = fmt.Fprintf(w, "Keys:\t%d\n", p.Total)
	_, _ = fmt.Fprintf(w, "Cached:\t%d\n", p.Cached)
	_, _ = fmt.Fprintf(w, "Fetched:\t%d\n", p.Fetched)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", p.Failed)
	_ = w.Flush()

	if len(res.Failed) == 0 {
		return
	}
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\nTABLE\tYEAR\tGEOGRAPHY\tERROR")
	for _, o := range res.Failed {
		msg := ""
		if o.Err != nil {
			msg = truncate(o.Err.Error(), 80)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", o.Key.Table, o.Key.Year, o.Key.Geography, msg)
	}
	_ = w.Flush()
	if runID != "" {
		_, _ = fmt.Fprintf(out, "Retry with: census-cli download --retry-run %s\n", runID)
	}
}
