package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T, w *Watcher, action func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.OnChange(ctx, action) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("OnChange: %v", err)
		}
	})
	// Let the watcher register the directory before writing.
	time.Sleep(50 * time.Millisecond)
}

// WHAT: A burst of writes triggers a single reload after the debounce window.
// WHY: Editors save in several syscalls; each reload re-validates the config.
func TestOnChange_Debounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := New(path, Options{Debounce: 100 * time.Millisecond})
	var calls atomic.Int64
	start(t, w, func() error { calls.Add(1); return nil })

	for i := range 5 {
		if err := os.WriteFile(path, []byte{byte('a' + i), '\n'}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.WaitForVersion(ctx, 1); err != nil {
		t.Fatalf("no reload: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("reloads = %d, want 1", n)
	}
	if s := w.Stats(); s.Events < 1 || s.Reloads != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

// WHAT: Writes to other files in the directory are ignored.
func TestOnChange_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	os.WriteFile(path, []byte("x"), 0o644)
	w := New(path, Options{Debounce: 20 * time.Millisecond})
	var calls atomic.Int64
	start(t, w, func() error { calls.Add(1); return nil })

	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("y"), 0o644)
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("reloads = %d", n)
	}
}

// WHAT: A failed reload is counted and does not advance the version.
func TestOnChange_FailedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	os.WriteFile(path, []byte("x"), 0o644)
	w := New(path, Options{Debounce: 20 * time.Millisecond})
	var calls atomic.Int64
	start(t, w, func() error { calls.Add(1); return errors.New("invalid") })

	os.WriteFile(path, []byte("y"), 0o644)
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("action never ran")
	}
	if w.Version() != 0 || w.Stats().Errors == 0 {
		t.Fatalf("version=%d stats=%+v", w.Version(), w.Stats())
	}
}

// WHAT: WaitForVersion honours context cancellation.
func TestWaitForVersion_Cancelled(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "harvest.yaml"), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.WaitForVersion(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// WHAT: A missing directory is reported by OnChange.
func TestOnChange_MissingDir(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope", "harvest.yaml"), Options{})
	if err := w.OnChange(context.Background(), func() error { return nil }); err == nil {
		t.Fatal("expected error")
	}
}
