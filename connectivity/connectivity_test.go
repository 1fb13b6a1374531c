package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Jitter: 50 * time.Millisecond}
	for attempt, want := range []time.Duration{100, 200, 400} {
		want *= time.Millisecond
		d := b.Delay(attempt)
		if d < want || d >= want+50*time.Millisecond {
			t.Errorf("attempt %d: delay %s outside [%s, %s)", attempt, d, want, want+50*time.Millisecond)
		}
	}
	capped := Backoff{Base: time.Second, Max: 3 * time.Second}
	if d := capped.Delay(5); d != 3*time.Second {
		t.Errorf("cap: %s", d)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	var calls int
	err := Do(context.Background(), Backoff{MaxRetries: 3, Base: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_SurfacesLastErrorAfterExhaustion(t *testing.T) {
	// WHAT: After MaxRetries the final error is returned, not the first.
	var calls int
	err := Do(context.Background(), Backoff{MaxRetries: 2, Base: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return errors.New("attempt " + string(rune('0'+calls)))
	})
	if calls != 3 || err == nil || err.Error() != "attempt 3" {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	var calls int
	err := Do(context.Background(), Backoff{MaxRetries: 5, Base: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return &StatusError{Code: 404}
	})
	if calls != 1 || err == nil {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(1), WithBreakerClock(func() time.Time { return now }))

	boom := errors.New("boom")
	cb.Record(boom)
	if cb.State() != BreakerClosed {
		t.Fatal("opened too early")
	}
	cb.Record(boom)
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}
	now = now.Add(time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state: %s", cb.State())
	}
	cb.Record(nil)
	if cb.State() != BreakerClosed {
		t.Fatalf("state after probe: %s", cb.State())
	}
}

func TestHTTPPostChain(t *testing.T) {
	// WHAT: A 503 is retried, a 200 body comes back, the breaker stays closed.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	base, err := HTTPPost(srv.URL, HTTPOptions{AllowPrivate: true})
	if err != nil {
		t.Fatal(err)
	}
	cb := NewCircuitBreaker()
	h := Chain(
		WithCircuitBreaker(cb, "insight"),
		WithRetry(Backoff{MaxRetries: 2, Base: time.Millisecond}, nil),
		Timeout(time.Second),
	)(base)

	resp, err := h(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` || hits.Load() != 2 {
		t.Fatalf("resp=%s hits=%d", resp, hits.Load())
	}
	if cb.State() != BreakerClosed {
		t.Fatal("breaker opened")
	}
}

func TestHTTPPostRejectsLoopbackByDefault(t *testing.T) {
	if _, err := HTTPPost("http://127.0.0.1:9/x", HTTPOptions{}); err == nil {
		t.Fatal("expected SSRF rejection")
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(discard())(func(context.Context, []byte) ([]byte, error) { panic("kaboom") })
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("got %v", err)
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
