// Package retry runs a call with exponential backoff for errors a caller
// classifies as transient.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Defaults for the completion endpoint: 8 attempts, backoff 1s, 2s, 4s ... capped at 60s.
const (
	DefaultMaxAttempts  = 8
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Policy describes how a call is retried. Policies hold no state and may be
// shared by concurrent calls.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the wait after the first failed attempt; it doubles each retry.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Retryable reports whether err is transient. Nil means nothing is retried.
	Retryable func(err error) bool
	// Logger receives a warning before each backoff sleep. Nil discards.
	Logger *slog.Logger
	// Sleep waits d or until ctx is done. Nil uses a timer; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the 8-attempt, 1s..60s policy with the given predicate.
func Default(retryable func(error) bool, logger *slog.Logger) Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Retryable:    retryable,
		Logger:       logger,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// InitialDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. After the last attempt the last error is returned
// unwrapped. If ctx is done before an attempt or during a backoff, Do stops
// and returns ctx.Err() joined with the last failure.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, lastErr)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.Retryable == nil || !p.Retryable(err) || attempt == attempts {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), lastErr)
		}
		delay := p.Delay(attempt)
		logger.Warn("retrying call",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
