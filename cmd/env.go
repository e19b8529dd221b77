package main

import (
	"context"
	"math"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/census"
	"github.com/sells-group/census-cli/internal/config"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/fetcher"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/resilience"
	"github.com/sells-group/census-cli/internal/store"
)

// censusEnv holds the wired fetch stack shared by the download, pipeline and
// serve commands.
type censusEnv struct {
	Registry   *geo.Registry
	URLs       *census.URLBuilder
	Source     *census.Source
	Resolver   *census.NameResolver
	Cache      *cache.Cache
	Metrics    *download.Metrics
	Downloader *download.Downloader
	Ledger     store.Ledger // nil when store.driver is none
}

// envOptions overrides config values from command flags.
type envOptions struct {
	Workers    int
	Redownload bool
	// Registerer receives the downloader metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	// SkipLedger leaves Ledger nil whatever the store driver.
	SkipLedger bool
}

// Close releases resources held by the environment.
func (e *censusEnv) Close() {
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
}

// initEnv validates c for mode and builds the fetch stack:
// HTTP fetcher, retrying fetcher with pacing and the API breaker, source,
// then the downloader over the cache.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string, opts envOptions) (*censusEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	reg := geo.DefaultRegistry()
	metrics := download.NewMetrics(opts.Registerer)

	base, err := newHTTPFetcher(c.API)
	if err != nil {
		return nil, err
	}
	policy := c.Retry.Policy()
	policy.AttemptTimeout = time.Duration(c.API.TimeoutSecs) * time.Second
	logRetry := resilience.RetryLogger("census", "get")
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logRetry(attempt, delay, err)
		metrics.ObserveRetry(attempt, delay, err)
	}
	f := fetcher.NewRetryingFetcher(base, fetcher.RetryingOptions{
		Delayer:   fetcher.NewDelayer(c.Download.Delay()),
		Retry:     policy,
		Breaker:   c.Retry.Breaker(),
		OnAttempt: metrics.ObserveAttempt,
	})

	urls := census.NewURLBuilder(c.API.BaseURL, c.API.Key, reg)
	catalog, err := census.LoadCatalog(c.Catalog.Path)
	if err != nil {
		return nil, err
	}
	catalog.DefaultSurvey = c.API.Survey
	source := census.NewSource(f, urls, catalog, census.NewMatcher(c.Catalog.LabelTolerance))

	cancelPolicy, err := download.ParseCancelPolicy(c.Download.CancelPolicy)
	if err != nil {
		return nil, err
	}
	workers := c.Download.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	tables := cache.New(c.Cache.Root, c.Cache.Extension)

	env := &censusEnv{
		Registry: reg,
		URLs:     urls,
		Source:   source,
		Resolver: census.NewNameResolver(f, urls, reg),
		Cache:    tables,
		Metrics:  metrics,
		Downloader: download.New(source, tables, download.Options{
			Workers:    workers,
			Redownload: opts.Redownload,
			Cancel:     cancelPolicy,
			Metrics:    metrics,
		}),
	}

	if !opts.SkipLedger && c.Store.Enabled() {
		l, err := store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		env.Ledger = l
	}
	return env, nil
}

// newHTTPFetcher caps requests to the API host at api.requests_per_second.
func newHTTPFetcher(api config.APIConfig) (*fetcher.HTTPFetcher, error) {
	u, err := url.Parse(api.BaseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "parse api base url %q", api.BaseURL)
	}
	limiters := make(map[string]*rate.Limiter)
	if rps := api.RequestsPerSecond; rps > 0 {
		limiters[u.Host] = rate.NewLimiter(rate.Limit(rps), int(math.Ceil(rps)))
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      time.Duration(api.TimeoutSecs) * time.Second,
		RateLimiters: limiters,
	}), nil
}

// openLedger opens the configured ledger for the runs command.
func openLedger(ctx context.Context, c *config.Config) (store.Ledger, error) {
	if err := c.Validate("runs"); err != nil {
		return nil, err
	}
	return store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL)
}
