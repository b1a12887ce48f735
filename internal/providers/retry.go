package providers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"papersynth/internal/config"
)

// Backoff is the wait before attempt n+1 (n starting at 1).
func Backoff(p config.RetryPolicy, n int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(coef, float64(n-1)))
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		d = p.MaximumInterval
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the policy's
// attempts run out. Each attempt gets its own deadline when timeout > 0. It returns
// the number of attempts made and the last error.
func Retry(ctx context.Context, p config.RetryPolicy, timeout time.Duration, logger *slog.Logger, op string, fn func(ctx context.Context) error) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limit := p.MaximumAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt - 1, cerr
		}
		err = runAttempt(ctx, timeout, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !Retryable(err) || attempt == limit {
			logger.Warn("provider call failed", "op", op, "attempt", attempt, "error_type", ClassifyError(err), "error", err)
			return attempt, err
		}
		wait := Backoff(p, attempt)
		logger.Info("retrying provider call", "op", op, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return limit, err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, context.DeadlineExceeded)
	}
	return err
}
