package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"staycrawler/internal/fetcher"
)

// ErrAPIKeyNotFound is returned when the rendered homepage carries no key.
var ErrAPIKeyNotFound = errors.New("api key not found in page")

var apiKeyPattern = regexp.MustCompile(`"api_config"\s*:\s*\{[^}]*"key"\s*:\s*"([A-Za-z0-9]+)"`)

// DiscoverAPIKey renders the public homepage and extracts the API key
// embedded in its bootstrap data.
func DiscoverAPIKey(ctx context.Context, renderer fetcher.Renderer, homeURL string) (string, error) {
	page, err := renderer.Render(ctx, homeURL)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", homeURL, err)
	}
	return ExtractAPIKey(page)
}

// ExtractAPIKey searches the bootstrap meta tag and the embedded state
// scripts of an HTML page for the API key.
func ExtractAPIKey(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	var candidates []string
	doc.Find("meta#_bootstrap-layout-init, meta[name='_bootstrap-layout-init']").Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			candidates = append(candidates, html.UnescapeString(content))
		}
	})
	doc.Find("script[data-state], script#data-deferred-state, script#data-state").Each(func(_ int, s *goquery.Selection) {
		candidates = append(candidates, s.Text())
	})

	for _, text := range candidates {
		if m := apiKeyPattern.FindStringSubmatch(text); m != nil {
			return m[1], nil
		}
	}
	// Fall back to the whole document for layouts that inline the config.
	if m := apiKeyPattern.FindStringSubmatch(strings.ReplaceAll(string(page), "&quot;", `"`)); m != nil {
		return m[1], nil
	}
	return "", ErrAPIKeyNotFound
}
