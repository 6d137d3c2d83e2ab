package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"staycrawler/internal/config"
)

func TestAgentAllowed(t *testing.T) {
	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Robots
	cfg.Respect = true
	agent := NewAgent(cfg, srv.Client(), logger)

	ctx := context.Background()
	open, _ := url.Parse(srv.URL + "/search?q=prague")
	private, _ := url.Parse(srv.URL + "/private/data")

	if !agent.Allowed(ctx, open) {
		t.Fatal("expected /search to be allowed")
	}
	if agent.Allowed(ctx, private) {
		t.Fatal("expected /private to be blocked")
	}
	if robotsHits.Load() != 1 {
		t.Fatalf("expected robots.txt to be cached, fetched %d times", robotsHits.Load())
	}

	cfg.Overrides = []string{private.Hostname()}
	overridden := NewAgent(cfg, srv.Client(), logger)
	if !overridden.Allowed(ctx, private) {
		t.Fatal("override should bypass robots rules")
	}

	cfg.Respect = false
	cfg.Overrides = nil
	ignoring := NewAgent(cfg, srv.Client(), logger)
	if !ignoring.Allowed(ctx, private) {
		t.Fatal("respect=false should allow everything")
	}
}
