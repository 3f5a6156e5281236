package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry runs a call up to Attempts times, waiting Step, 2×Step, ... between attempts.
type Retry struct {
	Attempts int
	Step     time.Duration
	Logger   *slog.Logger

	// OnRetry, when set, is called before each wait with the failed attempt number.
	OnRetry func(attempt, attempts int, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// WithSleep replaces the wait between attempts.
func (r Retry) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Retry {
	r.sleep = sleep
	return r
}

// Do calls fn until it succeeds, returns a Permanent error, or the attempts are spent.
func (r Retry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := max(r.Attempts, 1)
	sleep := r.sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}

		wait := time.Duration(attempt) * r.Step
		logger.WarnContext(ctx, "call failed, retrying",
			slog.String("call", name),
			slog.Int("attempt", attempt),
			slog.Int("max", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if r.OnRetry != nil {
			r.OnRetry(attempt, attempts, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s failed after %d attempt(s): %w", name, tried, err)
}
