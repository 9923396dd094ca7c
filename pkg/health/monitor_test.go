package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWatch_ReportsHealthyThenUnhealthy(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	cfg := Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, Retries: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan Status, 16)
	go Watch(ctx, "test-dep", checker, cfg, func(name string, status Status) {
		if name != "test-dep" {
			t.Errorf("unexpected name: %s", name)
		}
		reports <- status
	})

	select {
	case status := <-reports:
		if !status.Healthy {
			t.Errorf("expected healthy status, got: %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first report")
	}

	healthy = false

	var last Status
	deadline := time.After(time.Second)
	for {
		select {
		case last = <-reports:
			if !last.Healthy {
				return
			}
		case <-deadline:
			t.Fatalf("expected status to flip unhealthy after %d retries, last: %+v", cfg.Retries, last)
		}
	}
}

func TestWatch_StopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	cfg := Config{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond, Retries: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, "test-dep", checker, cfg, func(string, Status) {})
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
