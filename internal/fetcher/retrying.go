package fetcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/resilience"
)

// RetryingOptions configures a RetryingFetcher.
type RetryingOptions struct {
	// Delayer paces attempts globally. Nil disables pacing.
	Delayer *Delayer

	// Retry is the backoff policy. Its AttemptTimeout is applied after the
	// pacing wait, so time spent queued for a slot never counts against it.
	Retry resilience.RetryConfig

	// Breaker fails attempts fast while the API is down. Nil disables it.
	Breaker *resilience.Breaker

	// OnAttempt observes every completed attempt.
	OnAttempt func(d time.Duration, err error)
}

// RetryingFetcher wraps a Fetcher with global pacing and retry. Every attempt
// waits for its pacing slot, runs under the per-attempt timeout, and then
// marks the delayer regardless of outcome.
type RetryingFetcher struct {
	base      Fetcher
	delayer   *Delayer
	breaker   *resilience.Breaker
	retry     resilience.RetryConfig
	timeout   time.Duration
	onAttempt func(time.Duration, error)
	log       *zap.Logger
}

// NewRetryingFetcher wraps base.
func NewRetryingFetcher(base Fetcher, opts RetryingOptions) *RetryingFetcher {
	retry := opts.Retry
	timeout := retry.AttemptTimeout
	retry.AttemptTimeout = 0
	log := zap.L().With(zap.String("component", "fetcher"))
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("census", "get")
	}
	return &RetryingFetcher{
		base:      base,
		delayer:   opts.Delayer,
		breaker:   opts.Breaker,
		retry:     retry,
		timeout:   timeout,
		onAttempt: opts.OnAttempt,
		log:       log,
	}
}

// Get fetches url, retrying per the configured policy.
func (r *RetryingFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	body, err := resilience.DoVal(ctx, r.retry, r.attempt(url))
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", RedactURL(url))
	}
	return body, nil
}

func (r *RetryingFetcher) attempt(url string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return resilience.Call(ctx, r.breaker, r.paced(url))
	}
}

// paced waits for the attempt's pacing slot and runs it under the attempt
// timeout. A breaker rejection never reaches here, so it takes no slot.
func (r *RetryingFetcher) paced(url string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		if r.delayer != nil {
			if err := r.delayer.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "fetch: pacing wait")
			}
			defer r.delayer.Mark()
		}

		start := time.Now()
		body, err := resilience.WithAttemptTimeout(ctx, r.timeout, func(ctx context.Context) ([]byte, error) {
			return r.base.Get(ctx, url)
		})
		if r.onAttempt != nil {
			r.onAttempt(time.Since(start), err)
		}
		if err != nil {
			r.log.Debug("attempt failed", zap.String("url", RedactURL(url)), zap.Error(err))
		}
		return body, err
	}
}
