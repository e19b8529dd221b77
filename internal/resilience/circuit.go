package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every attempt through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects attempts until the cool-down has passed.
	BreakerOpen
	// BreakerHalfOpen lets probe attempts through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen rejects an attempt while the API is considered down. It is
// not transient, so a retry loop gives the key up at once.
var ErrBreakerOpen = eris.New("resilience: api breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures, across all
	// callers, that opens the breaker. Zero or less disables the breaker.
	Threshold int

	// CoolDown is how long the breaker stays open before a probe. Default: 60s.
	CoolDown time.Duration

	// Probes is the number of successful probes that close it again. Default: 1.
	Probes int

	// OnStateChange observes transitions.
	OnStateChange func(from, to BreakerState)
}

// Breaker stops every worker from spending its whole retry budget against an
// API that is down. Only transient failures count; a 400 for one bad
// geography says nothing about the API's health. A nil *Breaker lets
// everything through.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probeWins int
	now       func() time.Time
}

// NewBreaker returns a breaker, or nil when cfg.Threshold disables it.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		return nil
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(from, to BreakerState) {
			zap.L().Warn("api breaker state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Call runs fn unless the breaker is open and records its outcome.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.transition(BreakerHalfOpen)
		return nil
	}
	return ErrBreakerOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !isOutage(err) {
		switch b.state {
		case BreakerHalfOpen:
			b.probeWins++
			if b.probeWins >= b.cfg.Probes {
				b.failures, b.probeWins = 0, 0
				b.transition(BreakerClosed)
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.Threshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probeWins = 0
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// isOutage reports whether err suggests the API itself is failing: a
// transient transport error or a transient HTTP status.
func isOutage(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsTransientHTTPStatus(se.Code)
	}
	return IsTransient(err)
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.cfg.OnStateChange(from, to)
}
