package connectivity

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Backoff describes a retry schedule: attempt n (0-based) waits
// Base × 2^n plus a random jitter in [0, Jitter).
type Backoff struct {
	MaxRetries int
	Base       time.Duration
	Jitter     time.Duration
	// Max caps a single wait. Zero means uncapped.
	Max time.Duration
}

// Delay returns the wait before retry number attempt+1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << uint(attempt)
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends, or
// MaxRetries retries have been spent. The last error is returned.
func Do(ctx context.Context, b Backoff, logger *slog.Logger, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || IsPermanent(err) || attempt == b.MaxRetries {
			return lastErr
		}
		wait := b.Delay(attempt)
		if logger != nil {
			logger.DebugContext(ctx, "connectivity: retrying",
				"attempt", attempt+1, "max_retries", b.MaxRetries, "backoff_ms", wait.Milliseconds(), "error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

// WithRetry retries failed calls on the Backoff schedule.
func WithRetry(b Backoff, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var resp []byte
			err := Do(ctx, b, logger, func(ctx context.Context) error {
				var err error
				resp, err = next(ctx, payload)
				return err
			})
			return resp, err
		}
	}
}
