package fetcher

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one upstream identity: its own connection pool and, when
// configured, its own proxy. A session is used by one in-flight call at a
// time from the caller's point of view, but may be picked again later.
type Session struct {
	ID     int
	Proxy  string
	client *http.Client
	uses   atomic.Int64
	bad    atomic.Bool
}

// MarkBad retires the session so it is not handed out again.
func (s *Session) MarkBad() {
	s.bad.Store(true)
}

// Healthy reports whether the session may still be used.
func (s *Session) Healthy() bool {
	return !s.bad.Load()
}

// SessionPool rotates requests across sessions and replaces retired ones.
type SessionPool struct {
	timeout time.Duration
	proxies []*url.URL

	mu       sync.Mutex
	sessions []*Session
	next     int
	nextID   int
}

// NewSessionPool builds size sessions spread round-robin over the proxies.
// With no proxies every session connects directly.
func NewSessionPool(proxyURLs []string, size int, timeout time.Duration) (*SessionPool, error) {
	proxies := make([]*url.URL, 0, len(proxyURLs))
	for _, raw := range proxyURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxies = append(proxies, u)
	}
	if size <= 0 {
		size = len(proxies)
	}
	if size <= 0 {
		size = 4
	}
	pool := &SessionPool{timeout: timeout, proxies: proxies}
	for i := 0; i < size; i++ {
		pool.sessions = append(pool.sessions, pool.newSessionLocked())
	}
	return pool, nil
}

// Acquire returns the next healthy session, replacing retired ones in place.
func (p *SessionPool) Acquire() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		p.sessions = append(p.sessions, p.newSessionLocked())
	}
	idx := p.next % len(p.sessions)
	p.next++
	s := p.sessions[idx]
	if !s.Healthy() {
		s = p.newSessionLocked()
		p.sessions[idx] = s
	}
	s.uses.Add(1)
	return s
}

// Size returns the number of live sessions.
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *SessionPool) newSessionLocked() *Session {
	id := p.nextID
	p.nextID++

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	var proxy string
	if len(p.proxies) > 0 {
		u := p.proxies[id%len(p.proxies)]
		transport.Proxy = http.ProxyURL(u)
		proxy = u.Redacted()
	}
	return &Session{
		ID:     id,
		Proxy:  proxy,
		client: &http.Client{Timeout: p.timeout, Transport: transport},
	}
}
