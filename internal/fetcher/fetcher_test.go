package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	client, err := NewClient(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestFetchJSONRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			_, _ = w.Write([]byte("<html>captcha</html>"))
		case 3:
			// empty body
		default:
			if got := r.Header.Get("X-Test"); got != "yes" {
				t.Errorf("expected per-call header, got %q", got)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Options{MaxAttempts: 5})
	body, err := client.FetchJSON(context.Background(), srv.URL, map[string]string{"X-Test": "yes"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 calls, got %d", calls.Load())
	}
}

func TestFetchJSONGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestClient(t, Options{MaxAttempts: 3})
	_, err := client.FetchJSON(context.Background(), srv.URL, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchJSONDecodesBrotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, _ = bw.Write([]byte(`{"listings":[]}`))
	_ = bw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := newTestClient(t, Options{MaxAttempts: 1})
	body, err := client.FetchJSON(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != `{"listings":[]}` {
		t.Fatalf("unexpected body %s", body)
	}
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, *url.URL) bool { return false }

func TestFetchJSONHonoursGate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := newTestClient(t, Options{Gate: denyAll{}})
	_, err := client.FetchJSON(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrDisallowed) {
		t.Fatalf("expected ErrDisallowed, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("gate should prevent any request, got %d", calls.Load())
	}
}

func TestSessionPoolReplacesBadSessions(t *testing.T) {
	pool, err := NewSessionPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, 0, time.Second)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	first := pool.Acquire()
	second := pool.Acquire()
	if first.Proxy == second.Proxy {
		t.Fatalf("expected sessions on different proxies, both %q", first.Proxy)
	}
	first.MarkBad()
	replacement := pool.Acquire()
	if replacement.ID == first.ID || !replacement.Healthy() {
		t.Fatalf("expected a fresh session to replace %d, got %d", first.ID, replacement.ID)
	}
	if replacement.Proxy != first.Proxy {
		t.Fatalf("replacement should keep the proxy slot %q, got %q", first.Proxy, replacement.Proxy)
	}
	if pool.Size() != 2 {
		t.Fatalf("pool size should stay 2, got %d", pool.Size())
	}
}

func TestHostLimiterSpacesRequests(t *testing.T) {
	limiter := NewHostLimiter(30*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.WaitURL(ctx, "https://nominatim.openstreetmap.org/search"); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected at least 60ms between three calls, got %s", elapsed)
	}
	var nilLimiter *HostLimiter
	if err := nilLimiter.Wait(ctx, "example.com"); err != nil {
		t.Fatalf("nil limiter should be a no-op: %v", err)
	}
}

func TestPauseRespectsBounds(t *testing.T) {
	start := time.Now()
	if err := Pause(context.Background(), 5*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("pause returned too early: %s", elapsed)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Pause(ctx, time.Second, 2*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
