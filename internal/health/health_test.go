package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u := rawURL[len("http://"):]
	if len(rawURL) > 8 && rawURL[:8] == "https://" {
		u = rawURL[len("https://"):]
	}
	host, portStr, err := net.SplitHostPort(u)
	if err != nil {
		t.Fatalf("split %q: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func fastChecker() *Checker {
	return &Checker{Retries: 3, Delay: 10 * time.Millisecond, Timeout: time.Second, Path: "/health"}
}

func TestCheck_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	if !fastChecker().Check(context.Background(), host, port) {
		t.Error("Check() = false for a healthy HTTP server")
	}
}

func TestCheck_HTTPSSelfSigned(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	if !fastChecker().Check(context.Background(), host, port) {
		t.Error("Check() = false for a healthy HTTPS server")
	}
}

func TestCheck_SharedCheckerConcurrentCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	c := fastChecker()
	var (
		wg      sync.WaitGroup
		healthy atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Check(context.Background(), host, port) {
				healthy.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := healthy.Load(); got != 8 {
		t.Errorf("%d of 8 concurrent checks passed", got)
	}
}

func TestCheck_RecoversAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	if !fastChecker().Check(context.Background(), host, port) {
		t.Error("Check() = false although the server became healthy")
	}
}

func TestCheck_Unhealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	c := fastChecker()
	if c.Check(context.Background(), host, port) {
		t.Fatal("Check() = true for a failing server")
	}
	if got := calls.Load(); got != int32(c.Retries) {
		t.Errorf("HTTP probes = %d, want %d", got, c.Retries)
	}
}

func TestCheck_NothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if fastChecker().Check(context.Background(), "127.0.0.1", port) {
		t.Error("Check() = true with nothing listening")
	}
}

func TestCheck_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Checker{Retries: 100, Delay: time.Hour, Timeout: time.Second}
	done := make(chan bool)
	go func() { done <- c.Check(ctx, "127.0.0.1", 1) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Check() = true with cancelled context")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Check() ignored context cancellation")
	}
}
