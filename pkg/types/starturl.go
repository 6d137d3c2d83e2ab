package types

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var roomsPathPattern = regexp.MustCompile(`/rooms/(?:plus/)?(\d+)`)

// StartURL is a listing page supplied directly as crawl input.
type StartURL struct {
	URL      string
	ID       string
	CheckIn  string
	CheckOut string
}

// ParseStartURL extracts the listing id and the stay dates from a rooms URL
// such as https://www.airbnb.cz/rooms/37288141?check_in=2026-11-01.
func ParseStartURL(raw string) (StartURL, error) {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return StartURL{}, fmt.Errorf("parse start url %q: %w", raw, err)
	}
	if !strings.Contains(strings.ToLower(u.Hostname()), "airbnb.") {
		return StartURL{}, fmt.Errorf("start url %q is not an airbnb url", raw)
	}
	m := roomsPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return StartURL{}, fmt.Errorf("start url %q has no /rooms/<id> path", raw)
	}
	q := u.Query()
	return StartURL{
		URL:      trimmed,
		ID:       m[1],
		CheckIn:  q.Get("check_in"),
		CheckOut: q.Get("check_out"),
	}, nil
}
