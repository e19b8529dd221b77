package download

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/model"
)

// Result is what a finished run produced. Table holds the rows of every
// Cached or Fetched key in key order; Failed lists the keys that did not
// resolve so a caller can retry just those.
type Result struct {
	Table    *model.Table
	Outcomes []Outcome
	Failed   []Outcome
}

// Partial reports whether some, but not all, keys failed.
func (r *Result) Partial() bool {
	return len(r.Failed) > 0 && len(r.Failed) < len(r.Outcomes)
}

// FailedKeys returns the keys of the failed outcomes.
func (r *Result) FailedKeys() []cache.Key {
	keys := make([]cache.Key, len(r.Failed))
	for i, f := range r.Failed {
		keys[i] = f.Key
	}
	return keys
}

// Run is the handle of an asynchronous download. Progress may be polled
// while it runs; Wait blocks for the result.
type Run struct {
	d    *Downloader
	keys []cache.Key
	log  *zap.Logger

	mu       sync.Mutex
	outcomes []Outcome
	tables   []*model.Table

	done   chan struct{}
	result *Result
	err    error
}

// Start schedules keys and returns immediately. Keys should come from
// Expand; duplicates still share one fetch.
func (d *Downloader) Start(ctx context.Context, keys []cache.Key) *Run {
	r := &Run{
		d:        d,
		keys:     append([]cache.Key(nil), keys...),
		log:      d.log,
		outcomes: make([]Outcome, len(keys)),
		tables:   make([]*model.Table, len(keys)),
		done:     make(chan struct{}),
	}
	for i, k := range r.keys {
		r.outcomes[i] = Outcome{Key: k, State: Pending}
	}
	go r.run(ctx)
	return r
}

func (r *Run) run(ctx context.Context) {
	defer close(r.done)
	start := time.Now()
	r.log.Info("download started", zap.Int("keys", len(r.keys)), zap.Int("workers", r.d.opts.Workers))

	g := new(errgroup.Group)
	g.SetLimit(r.d.opts.Workers)
	for i := range r.keys {
		if err := ctx.Err(); err != nil {
			r.finish(i, nil, Failed, eris.Wrap(err, "download: cancelled before start"), 0)
			continue
		}
		g.Go(func() error {
			r.process(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	r.result, r.err = r.collect()
	p := r.Progress()
	r.log.Info("download finished",
		zap.Int("cached", p.Cached),
		zap.Int("fetched", p.Fetched),
		zap.Int("failed", p.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (r *Run) process(ctx context.Context, i int) {
	if err := ctx.Err(); err != nil {
		r.finish(i, nil, Failed, eris.Wrap(err, "download: cancelled before start"), 0)
		return
	}
	start := time.Now()
	t, state, err := r.d.get(ctx, r.keys[i], func() { r.setState(i, InFlight) })
	r.finish(i, t, state, err, time.Since(start))
}

func (r *Run) setState(i int, s State) {
	r.mu.Lock()
	r.outcomes[i].State = s
	r.mu.Unlock()
}

func (r *Run) finish(i int, t *model.Table, s State, err error, elapsed time.Duration) {
	r.mu.Lock()
	o := &r.outcomes[i]
	rows := t.Len()
	o.State, o.Err, o.Duration, o.Rows = s, err, elapsed, rows
	r.tables[i] = t
	r.mu.Unlock()

	r.d.opts.Metrics.observeKey(s)
	if s == Failed {
		r.log.Error("key failed", zap.String("key", r.keys[i].ID()), zap.Error(err))
		return
	}
	r.log.Debug("key done", zap.String("key", r.keys[i].ID()), zap.Stringer("state", s), zap.Int("rows", rows))
}

func (r *Run) collect() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{Outcomes: append([]Outcome(nil), r.outcomes...)}
	var ok []*model.Table
	for i, o := range r.outcomes {
		if o.State == Failed {
			res.Failed = append(res.Failed, o)
			continue
		}
		ok = append(ok, r.tables[i])
	}
	res.Table = model.Concat(ok...)

	if len(r.outcomes) > 0 && len(res.Failed) == len(r.outcomes) {
		return res, &AggregateError{Failures: res.Failed}
	}
	if len(res.Failed) > 0 {
		r.log.Warn("download partially failed", zap.Int("failed", len(res.Failed)), zap.Int("keys", len(r.outcomes)))
	}
	return res, nil
}

// Keys returns the run's keys in schedule order.
func (r *Run) Keys() []cache.Key { return append([]cache.Key(nil), r.keys...) }

// Progress returns the current count of keys per state.
func (r *Run) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Tally(r.outcomes)
}

// Outcomes returns a snapshot of every key's current outcome.
func (r *Run) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Done is closed when every key is terminal.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. The result is always returned, with
// partial rows and the failed keys; the error is an *AggregateError only when
// every key failed.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}
