// Package connectivity wraps outbound calls (insight generator, search
// engines) with timeouts, retries with jittered backoff, circuit breaking and
// panic recovery.
//
// A call is a Handler; behaviour is layered with middlewares:
//
//	h := connectivity.Chain(
//	    connectivity.Recovery(logger),
//	    connectivity.WithCircuitBreaker(cb, "insight"),
//	    connectivity.WithRetry(connectivity.Backoff{MaxRetries: 2, Base: time.Second}, logger),
//	    connectivity.Timeout(30*time.Second),
//	)(connectivity.HTTPPost(endpoint, connectivity.HTTPOptions{}))
package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Handler performs one call with an opaque payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first one is the outermost wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration under the given service name.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)
			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service, "duration_ms", dur.Milliseconds(), "error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service, "duration_ms", dur.Milliseconds(), "response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Timeout bounds each call. Zero disables it.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if d <= 0 {
				return next(ctx, payload)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery converts a panic in a downstream handler into *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic recovered",
						"panic", r, "stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}
