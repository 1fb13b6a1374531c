package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/harvest/horosafe"
)

// HTTPOptions configures HTTPPost.
type HTTPOptions struct {
	Client      *http.Client
	ContentType string
	Header      http.Header
	// MaxBody caps the response size. Default: 10 MiB.
	MaxBody int64
	// AllowPrivate skips the SSRF check for endpoints on private networks
	// (sidecar insight generators, tests).
	AllowPrivate bool
}

// HTTPPost returns a Handler that POSTs the payload to endpoint and returns
// the response body. Non-2xx responses become *StatusError.
func HTTPPost(endpoint string, opts HTTPOptions) (Handler, error) {
	policy := horosafe.URLPolicy{AllowPrivate: opts.AllowPrivate}
	if err := policy.Check(endpoint); err != nil {
		return nil, fmt.Errorf("connectivity/http: %w", err)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 10 << 20
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, Permanent(fmt.Errorf("connectivity/http: create request: %w", err))
		}
		for k, vs := range opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", opts.ContentType)

		resp, err := opts.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, opts.MaxBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := body
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		}
		return body, nil
	}, nil
}
