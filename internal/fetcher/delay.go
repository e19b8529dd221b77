package fetcher

import (
	"context"
	"sync"
	"time"
)

// Delayer enforces a minimum spacing between requests shared by every
// worker. It holds one token: the earliest time the next request may start.
// Wait reserves the next slot; Mark pushes the token to now+delay after an
// attempt finishes, whatever its outcome, so failures cannot cause bursts.
type Delayer struct {
	delay time.Duration

	mu   sync.Mutex
	next time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDelayer returns a Delayer with the given spacing. A zero delay disables waiting.
func NewDelayer(delay time.Duration) *Delayer {
	return &Delayer{
		delay: delay,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Delay returns the configured spacing.
func (d *Delayer) Delay() time.Duration { return d.delay }

// Wait blocks until this caller's reserved slot. Concurrent callers receive
// consecutive slots delay apart.
func (d *Delayer) Wait(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	d.mu.Lock()
	now := d.now()
	start := d.next
	if start.Before(now) {
		start = now
	}
	d.next = start.Add(d.delay)
	d.mu.Unlock()

	if wait := start.Sub(now); wait > 0 {
		return d.sleep(ctx, wait)
	}
	return ctx.Err()
}

// Mark records the end of an attempt.
func (d *Delayer) Mark() {
	if d.delay <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.now().Add(d.delay); t.After(d.next) {
		d.next = t
	}
}

// Next returns the earliest time the next request may start.
func (d *Delayer) Next() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
