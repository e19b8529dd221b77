package download

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/model"
)

// Source produces the compiled table for one key.
type Source interface {
	Fetch(ctx context.Context, key cache.Key) (*model.Table, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key cache.Key) (*model.Table, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, key cache.Key) (*model.Table, error) {
	return f(ctx, key)
}

// Store is the subset of the cache the downloader needs.
type Store interface {
	Load(key cache.Key) (*model.Table, error)
	Save(key cache.Key, t *model.Table) error
}

// CancelPolicy decides what happens to in-flight fetches when the caller
// cancels a run. Keys not yet started are always failed with the
// cancellation error.
type CancelPolicy int

const (
	// Abandon cancels in-flight fetches.
	Abandon CancelPolicy = iota
	// Drain lets in-flight fetches finish and reach the cache.
	Drain
)

func (p CancelPolicy) String() string {
	if p == Drain {
		return "drain"
	}
	return "abandon"
}

// ParseCancelPolicy reads "abandon" or "drain"; empty means Abandon.
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abandon":
		return Abandon, nil
	case "drain":
		return Drain, nil
	default:
		return Abandon, eris.Errorf("download: unknown cancel policy %q", s)
	}
}

// Options configures a Downloader.
type Options struct {
	// Workers bounds concurrent keys. Zero means 4.
	Workers int
	// Redownload skips the cache lookup. Results are still saved.
	Redownload bool
	Cancel     CancelPolicy
	Metrics    *Metrics
}

// Downloader resolves keys from the cache or the source. Concurrent requests
// for the same key, within one run or across runs sharing the downloader,
// share a single fetch.
type Downloader struct {
	source Source
	store  Store
	opts   Options
	log    *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared fetch runs under. It is cancelled once
// every caller waiting on the key has gone, never by one of them alone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New returns a downloader over source and store.
func New(source Source, store Store, opts Options) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Downloader{
		source: source,
		store:  store,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "downloader")),
		flights: make(map[string]*flight),
	}
}

// Download runs keys to completion. See Run.Wait for the result contract.
func (d *Downloader) Download(ctx context.Context, keys []cache.Key) (*Result, error) {
	return d.Start(ctx, keys).Wait()
}

type resolved struct {
	table *model.Table
	state State
}

// Get resolves one key. On a cache hit the state is Cached and no fetch is
// made; otherwise the key is fetched once no matter how many callers ask
// for it concurrently, and every caller receives the same table.
func (d *Downloader) Get(ctx context.Context, key cache.Key) (*model.Table, State, error) {
	return d.get(ctx, key, nil)
}

func (d *Downloader) get(ctx context.Context, key cache.Key, onInFlight func()) (*model.Table, State, error) {
	if !d.opts.Redownload {
		if t, ok := d.lookup(key); ok {
			return t, Cached, nil
		}
	}
	if onInFlight != nil {
		onInFlight()
	}

	// Under Abandon a caller stops waiting when its own context ends; the
	// fetch carries on for the callers still waiting. Under Drain every
	// caller waits for the fetch to finish.
	var done <-chan struct{}
	if d.opts.Cancel == Abandon {
		done = ctx.Done()
	}
	id := key.ID()
	for {
		f := d.join(ctx, id)
		ch := d.group.DoChan(id, func() (any, error) {
			r, err := d.fetch(f.ctx, key)
			return flown{flight: f, resolved: r}, err
		})
		select {
		case res := <-ch:
			d.leave(id, f)
			out := res.Val.(flown)
			if res.Err != nil {
				// Joined a fetch whose own callers had all given up before
				// it returned. Start over under our flight.
				if out.flight != f && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return nil, Failed, res.Err
			}
			return out.table, out.state, nil
		case <-done:
			d.leave(id, f)
			return nil, Failed, ctx.Err()
		}
	}
}

// flown is a fetch result tagged with the flight it ran under.
type flown struct {
	flight *flight
	resolved
}

func (d *Downloader) fetch(ctx context.Context, key cache.Key) (resolved, error) {
	if !d.opts.Redownload {
		if t, ok := d.lookup(key); ok {
			return resolved{table: t, state: Cached}, nil
		}
	}
	start := time.Now()
	t, err := d.source.Fetch(ctx, key)
	d.opts.Metrics.observeFetch(time.Since(start))
	if err != nil {
		return resolved{}, err
	}
	if err := d.store.Save(key, t); err != nil {
		d.log.Warn("cache save failed", zap.String("key", key.ID()), zap.Error(err))
	}
	return resolved{table: t, state: Fetched}, nil
}

// join registers ctx's caller as a waiter on id. The first waiter creates
// the flight; its values carry over but its cancellation does not.
func (d *Downloader) join(ctx context.Context, id string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flights[id]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		d.flights[id] = f
	}
	f.waiters++
	return f
}

func (d *Downloader) leave(id string, f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if d.flights[id] == f {
		delete(d.flights, id)
	}
	f.cancel()
}

// lookup treats missing and corrupt entries alike as a miss.
func (d *Downloader) lookup(key cache.Key) (*model.Table, bool) {
	t, err := d.store.Load(key)
	if err == nil {
		d.log.Debug("cache hit", zap.String("key", key.ID()))
		return t, true
	}
	var corrupt *cache.CorruptCacheError
	var missing *cache.NotFoundError
	switch {
	case errors.As(err, &corrupt):
		d.opts.Metrics.observeCorrupt()
		d.log.Warn("corrupt cache entry, re-fetching", zap.String("key", key.ID()), zap.Error(err))
	case errors.As(err, &missing):
	default:
		d.log.Warn("cache read failed, re-fetching", zap.String("key", key.ID()), zap.Error(err))
	}
	return nil, false
}

// AggregateError is returned when every key of a run failed.
type AggregateError struct {
	Failures []Outcome
}

func (e *AggregateError) Error() string {
	if len(e.Failures) == 0 {
		return "download: all keys failed"
	}
	return fmt.Sprintf("download: all %d keys failed; first %s: %v", len(e.Failures), e.Failures[0].Key, e.Failures[0].Err)
}

// Unwrap exposes every per-key error to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
