package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"staycrawler/internal/crawler"
)

type fixedStatus crawler.Status

func (f fixedStatus) Status() crawler.Status { return crawler.Status(f) }

func TestServerHandlers(t *testing.T) {
	server := NewServer(fixedStatus{RunID: "run-1", Records: 12, Queued: 3}, time.Second)

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	rr := assertRoute(t, server, http.MethodGet, "/api/crawl/status", http.StatusOK, "application/json")

	var got crawler.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.RunID != "run-1" || got.Records != 12 || got.Queued != 3 {
		t.Fatalf("unexpected status %+v", got)
	}

	rr = assertRoute(t, server, http.MethodPost, "/api/crawl/status", http.StatusMethodNotAllowed, "")
	if allow := rr.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("expected Allow GET, got %q", allow)
	}
}

func TestStatusEventsStream(t *testing.T) {
	srv := httptest.NewServer(NewServer(fixedStatus{RunID: "run-2"}, 10*time.Millisecond))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/crawl/status/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content-type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	events := 0
	for scanner.Scan() && events < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if !strings.Contains(line, `"runId":"run-2"`) {
			t.Fatalf("unexpected event payload %q", line)
		}
		events++
	}
	if events < 2 {
		t.Fatalf("expected at least two snapshots, got %d", events)
	}
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
	return rr
}
