package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"staycrawler/internal/crawler"
)

// StatusSource reports the progress of a crawl.
type StatusSource interface {
	Status() crawler.Status
}

// Server exposes read-only progress of the running crawl over HTTP.
type Server struct {
	source   StatusSource
	interval time.Duration
	mux      *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. Event streams push a status
// snapshot every interval.
func NewServer(source StatusSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		source:   source,
		interval: interval,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/crawl/status", s.handleStatus)
	s.mux.HandleFunc("/api/crawl/status/events", s.handleStatusEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		payload, err := json.Marshal(s.source.Status())
		if err == nil {
			fmt.Fprint(w, "event: status\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
