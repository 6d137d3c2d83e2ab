package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	// ErrEmptyBody is returned when the upstream answers 200 with no content.
	ErrEmptyBody = errors.New("empty response body")
	// ErrInvalidJSON is returned when the body does not parse as JSON.
	ErrInvalidJSON = errors.New("response body is not valid JSON")
	// ErrDisallowed is returned when robots.txt forbids the target.
	ErrDisallowed = errors.New("blocked by robots.txt")
)

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// JSONFetcher retrieves a JSON document. Implementations apply retries and
// identity rotation; callers only see the final outcome.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error)
}

// Gate decides whether a URL may be fetched at all.
type Gate interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURLs    []string
	Sessions     int
	MaxAttempts  int
	RetryDelay   time.Duration
	Limiter      *HostLimiter
	Gate         Gate
	Logger       *slog.Logger
}

// Client implements JSONFetcher over net/http with a fixed-delay retry loop.
type Client struct {
	sessions     *SessionPool
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	maxAttempts  int
	retryDelay   time.Duration
	limiter      *HostLimiter
	gate         Gate
	logger       *slog.Logger
}

// NewClient constructs a JSON client using the provided options.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 * 1024 * 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sessions, err := NewSessionPool(opts.ProxyURLs, opts.Sessions, opts.Timeout)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Client{
		sessions:     sessions,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		limiter:      opts.Limiter,
		gate:         opts.Gate,
		logger:       opts.Logger,
	}, nil
}

// FetchJSON downloads rawURL and returns the body once it parses as JSON.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if c.gate != nil && !c.gate.Allowed(ctx, target) {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx, target.Hostname()); err != nil {
			return nil, err
		}

		session := c.sessions.Acquire()
		body, err := c.fetchOnce(ctx, session, rawURL, headers)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		session.MarkBad()
		lastErr = err
		c.logger.Debug("fetch attempt failed",
			"url", rawURL,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"session", session.ID,
			"error", err,
		)
	}
	return nil, fmt.Errorf("fetch %s: giving up after %d attempts: %w", rawURL, c.maxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, session *Session, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := session.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	body, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrEmptyBody
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	return body, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, ErrEmptyBody
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
