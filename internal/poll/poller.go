// Package poll waits on long-running remote operations whose status endpoint is
// less reliable than the job behind it.
//
// A Poller tolerates bursts of transient query errors with a linearly growing,
// capped backoff, and bounds the wait twice: by a wall-clock budget and by a
// ceiling on consecutive query errors.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Outcome classifies a status returned by a query.
type Outcome int

const (
	// Running means the remote job has not reached a terminal status.
	Running Outcome = iota
	// Succeeded means the remote job finished and its results can be fetched.
	Succeeded
	// Failed means the remote job ended in error.
	Failed
	// Canceled means the remote job was canceled on the backend.
	Canceled
)

// Status is the result of one successful status query.
type Status struct {
	Label   string
	Outcome Outcome
}

// QueryFunc asks the backend for the current status of the remote job.
// Errors are transient unless wrapped with Permanent.
type QueryFunc func(ctx context.Context) (Status, error)

// LogsFunc returns the error-level log lines of a failed remote job, oldest first.
type LogsFunc func(ctx context.Context) ([]string, error)

// ReportFunc receives coarse progress while waiting.
type ReportFunc func(pct int, message string)

// Operation describes one remote job to wait on.
type Operation struct {
	// Name identifies the job in logs and messages.
	Name   string
	Query  QueryFunc
	Logs   LogsFunc
	Report ReportFunc
}

// Config bounds a wait.
type Config struct {
	Timeout              time.Duration
	Interval             time.Duration
	MaxConsecutiveErrors int
	ErrorBackoffStep     time.Duration
	MaxBackoff           time.Duration

	// Progress maps status labels to a percentage. Labels not present use DefaultProgress.
	Progress         map[string]int
	DefaultProgress  int
	DegradedProgress int
}

// maxFailureLogs is how many trailing error log lines are attached to a failure.
const maxFailureLogs = 3

// Poller runs waits with a fixed Config.
type Poller struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Poller.
func New(cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = 1
	}
	return &Poller{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  Sleep,
	}
}

// WithClock replaces the time source and the sleep function. Tests use it to
// advance a fake clock instead of waiting.
func (p *Poller) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Poller {
	p.now = now
	p.sleep = sleep
	return p
}

// Wait polls op until it succeeds, fails, or one of the bounds is reached.
// It returns the final status on success. Failures wrap ErrRemoteFailed,
// ErrRemoteCanceled, ErrTimedOut or ErrBackendUnstable, or carry the permanent
// query error as is.
func (p *Poller) Wait(ctx context.Context, op Operation) (Status, error) {
	logger := p.logger.With(slog.String("operation", op.Name))
	start := p.now()
	errCount := 0

	for {
		elapsed := p.now().Sub(start)
		if elapsed >= p.cfg.Timeout {
			logger.WarnContext(ctx, "poll budget exhausted", slog.Duration("timeout", p.cfg.Timeout))
			return Status{}, fmt.Errorf("%w: %s did not finish within %s", ErrTimedOut, op.Name, p.cfg.Timeout)
		}

		status, err := op.Query(ctx)
		if err != nil {
			if IsPermanent(err) || ctx.Err() != nil {
				return Status{}, err
			}

			errCount++
			logger.WarnContext(ctx, "status query failed",
				slog.Int("attempt", errCount),
				slog.Int("max", p.cfg.MaxConsecutiveErrors),
				slog.String("error", err.Error()),
			)
			if errCount >= p.cfg.MaxConsecutiveErrors {
				return Status{}, fmt.Errorf("%w: %d consecutive errors querying %s, last error: %w",
					ErrBackendUnstable, errCount, op.Name, err)
			}

			p.report(op, p.cfg.DegradedProgress,
				fmt.Sprintf("backend temporarily unstable, retrying (%d/%d)", errCount, p.cfg.MaxConsecutiveErrors))

			if err := p.sleep(ctx, p.backoff(errCount)); err != nil {
				return Status{}, err
			}
			continue
		}

		errCount = 0
		logger.InfoContext(ctx, "remote job status",
			slog.String("status", status.Label),
			slog.Duration("elapsed", elapsed),
		)
		p.report(op, p.progressFor(status.Label),
			fmt.Sprintf("job status: %s (%.0fs)", status.Label, elapsed.Seconds()))

		switch status.Outcome {
		case Succeeded:
			return status, nil
		case Failed:
			return status, p.failure(ctx, op)
		case Canceled:
			return status, fmt.Errorf("%w: %s", ErrRemoteCanceled, op.Name)
		}

		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return Status{}, err
		}
	}
}

// backoff returns the wait after the n-th consecutive error.
func (p *Poller) backoff(n int) time.Duration {
	return min(p.cfg.Interval+time.Duration(n)*p.cfg.ErrorBackoffStep, p.cfg.MaxBackoff)
}

func (p *Poller) progressFor(label string) int {
	if pct, ok := p.cfg.Progress[label]; ok {
		return pct
	}
	return p.cfg.DefaultProgress
}

func (p *Poller) report(op Operation, pct int, message string) {
	if op.Report != nil {
		op.Report(pct, message)
	}
}

// failure builds the error for a remote job in a failed state. Logs are best effort.
func (p *Poller) failure(ctx context.Context, op Operation) error {
	err := fmt.Errorf("%w: %s status: error", ErrRemoteFailed, op.Name)
	if op.Logs == nil {
		return err
	}

	lines, logErr := op.Logs(ctx)
	if logErr != nil {
		p.logger.DebugContext(ctx, "failed to fetch remote job logs", slog.String("error", logErr.Error()))
		return err
	}
	if len(lines) > maxFailureLogs {
		lines = lines[len(lines)-maxFailureLogs:]
	}
	if len(lines) == 0 {
		return err
	}
	return fmt.Errorf("%w; details: %s", err, strings.Join(lines, " | "))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

