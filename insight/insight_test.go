package insight

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/connectivity"
	"github.com/hazyhaar/harvest/content"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestClient_Generate(t *testing.T) {
	// WHAT: The request carries Markdown instead of raw text and the answer
	// is marked available.
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Data{Summary: "strong quarter", KeyPoints: []string{"revenue up"}, Confidence: 0.8})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, APIKey: "k", AllowPrivate: true, MaxDocuments: 1}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	docs := []content.Result{
		{URL: "https://a", ExtractedText: "raw", Markdown: "# md"},
		{URL: "https://b", ExtractedText: "raw"},
	}
	d, err := c.GenerateInsights(context.Background(), Request{Symbol: "AAPL", Documents: docs})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Available || d.Symbol != "AAPL" || d.Summary != "strong quarter" || d.GeneratedAt.IsZero() {
		t.Fatalf("data: %+v", d)
	}
	if len(got.Documents) != 1 || got.Documents[0].ExtractedText != "" || got.Documents[0].Markdown != "# md" {
		t.Fatalf("sent: %+v", got.Documents)
	}
	if docs[0].ExtractedText != "raw" {
		t.Fatal("caller documents modified")
	}
}

func TestClient_BreakerOpensOnFailures(t *testing.T) {
	// WHAT: Repeated 5xx answers are retried, then open the breaker so later
	// calls fail fast without reaching the server.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{
		Endpoint: srv.URL, AllowPrivate: true,
		MaxRetries: 1, RetryBase: time.Millisecond, BreakerThreshold: 2,
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for range 2 {
		if _, err := c.GenerateInsights(ctx, Request{Symbol: "AAPL"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls.Load() != 4 {
		t.Fatalf("server calls = %d, want 4", calls.Load())
	}
	if c.Breaker() != connectivity.BreakerOpen {
		t.Fatalf("breaker = %s", c.Breaker())
	}
	_, err = c.GenerateInsights(ctx, Request{Symbol: "AAPL"})
	var open *connectivity.ErrCircuitOpen
	if !errors.As(err, &open) || calls.Load() != 4 {
		t.Fatalf("open breaker: %v after %d calls", err, calls.Load())
	}
}

func TestClient_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"summary":""}`)
	}))
	defer srv.Close()
	c, _ := NewClient(ClientConfig{Endpoint: srv.URL, AllowPrivate: true}, quiet())
	if _, err := c.GenerateInsights(context.Background(), Request{Symbol: "X"}); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("got %v", err)
	}
}

func TestDisabledAndPlaceholder(t *testing.T) {
	var g Generator = Disabled{}
	if g.Enabled() {
		t.Fatal("disabled generator enabled")
	}
	if _, err := g.GenerateInsights(context.Background(), Request{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v", err)
	}
	p := Placeholder("AAPL", "timeout", time.Unix(0, 0))
	if p.Available || p.Reason != "timeout" {
		t.Fatalf("placeholder: %+v", p)
	}
}

func TestNewClient_RejectsLoopback(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoint: "http://127.0.0.1:9/x"}, quiet()); err == nil {
		t.Fatal("loopback endpoint accepted")
	}
}
