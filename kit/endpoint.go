// CLAUDE:SUMMARY Transport-agnostic endpoints and middleware shared by the HTTP and MCP surfaces.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one operation of the control surface, independent of the
// transport that carries it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middleware so the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs each call of the named endpoint with its transport and
// duration. Failures are logged at warn level.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"duration", time.Since(start),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if err != nil {
				logger.Warn("kit: endpoint failed", append(attrs, "error", err)...)
				return nil, err
			}
			logger.Debug("kit: endpoint", attrs...)
			return resp, nil
		}
	}
}
