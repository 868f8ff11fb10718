// Package probe provides polling primitives for asserting eventually-true and
// continuously-true conditions against asynchronous systems.
//
// [Until] retries a check until it succeeds or a time budget runs out; [During]
// requires a check to stay green for a whole window. Both re-raise the check's
// own error verbatim, so callers match on the original failure rather than on
// a synthetic timeout error.
package probe

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultInterval is the spacing between check attempts.
	DefaultInterval = 500 * time.Millisecond

	// DefaultStopAfter is the time budget (Until) or window (During).
	DefaultStopAfter = 30 * time.Second
)

// Option configures a probe.
type Option func(*config)

type config struct {
	interval  time.Duration
	stopAfter time.Duration
}

// WithInterval sets the spacing between check attempts.
func WithInterval(d time.Duration) Option {
	return func(cfg *config) { cfg.interval = d }
}

// WithStopAfter sets the time budget for Until, or the window During must stay
// green for.
func WithStopAfter(d time.Duration) Option {
	return func(cfg *config) { cfg.stopAfter = d }
}

func newConfig(opts []Option) *config {
	cfg := &config{
		interval:  DefaultInterval,
		stopAfter: DefaultStopAfter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Until re-runs check every interval until it succeeds or the cumulative
// elapsed time exceeds the stop-after budget. The first check runs immediately
// and a success returns immediately, without waiting out the interval. When
// the budget is exhausted the last error returned by check comes back
// verbatim, not wrapped in a timeout error. Cancelling ctx returns ctx.Err().
func Until(ctx context.Context, check func(ctx context.Context) error, opts ...Option) error {
	_, err := UntilValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, check(ctx)
	}, opts...)
	return err
}

// UntilValue is Until for checks that produce a value, such as readiness
// helpers returning an open connection. On success the value of the final
// attempt is returned.
func UntilValue[T any](ctx context.Context, check func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	cfg := newConfig(opts)
	var value T
	backoff := retry.WithMaxDuration(cfg.stopAfter, retry.NewConstant(cfg.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := check(ctx)
		if err != nil {
			// Exhausting the backoff unwraps this back to the original error.
			return retry.RetryableError(err)
		}
		value = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// During re-runs check every interval for the entire stop-after window; every
// single invocation must succeed. The first failure aborts immediately with
// that error verbatim: no retry, and no waiting for the window to finish.
func During(ctx context.Context, check func(ctx context.Context) error, opts ...Option) error {
	_, err := DuringValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, check(ctx)
	}, opts...)
	return err
}

// DuringValue is During for checks that produce a value. A fully green window
// returns the result of the last invocation.
func DuringValue[T any](ctx context.Context, check func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	cfg := newConfig(opts)
	deadline := time.Now().Add(cfg.stopAfter)
	var zero T
	var value T
	for {
		v, err := check(ctx)
		if err != nil {
			return zero, err
		}
		value = v
		if !time.Now().Before(deadline) {
			return value, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.interval):
		}
	}
}
