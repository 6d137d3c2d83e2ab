package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"staycrawler/internal/fetcher"
	"staycrawler/pkg/types"
)

// Client issues typed calls against the listing API.
type Client struct {
	fetch     fetcher.JSONFetcher
	endpoints Endpoints
	logger    *slog.Logger
}

// Detail is a decoded listing detail together with its raw payload.
type Detail struct {
	Listing ListingDetail
	Raw     json.RawMessage
}

// ReviewPage is one page of reviews.
type ReviewPage struct {
	Reviews []types.Review
	Total   int
}

func NewClient(fetch fetcher.JSONFetcher, endpoints Endpoints, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{fetch: fetch, endpoints: endpoints, logger: logger}
}

// Endpoints exposes the URL builder.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Search fetches one page of scope.
func (c *Client) Search(ctx context.Context, scope types.SearchScope, limit, offset int) (*ExploreTab, error) {
	var resp SearchResponse
	if err := c.get(ctx, c.endpoints.Search(scope, limit, offset), scope.Locale, &resp); err != nil {
		return nil, err
	}
	return resp.Tab()
}

// Detail fetches a listing. Delisted listings yield ErrNoLongerAvailable;
// any other missing detail yields a *ShapeError holding the raw body.
func (c *Client) Detail(ctx context.Context, id, locale string) (*Detail, error) {
	body, err := c.raw(ctx, c.endpoints.Detail(id), locale)
	if err != nil {
		return nil, err
	}
	var resp DetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ShapeError{What: "detail: " + err.Error(), Body: body}
	}
	if len(resp.Detail) == 0 || bytes.Equal(resp.Detail, []byte("null")) {
		if resp.ErrorMessage == noLongerAvailableMessage {
			return nil, ErrNoLongerAvailable
		}
		return nil, &ShapeError{What: "missing pdp_listing_detail", Body: body}
	}
	detail := &Detail{Raw: resp.Detail}
	if err := json.Unmarshal(resp.Detail, &detail.Listing); err != nil {
		return nil, &ShapeError{What: "decode pdp_listing_detail: " + err.Error(), Body: body}
	}
	return detail, nil
}

// Reviews fetches one page of reviews.
func (c *Client) Reviews(ctx context.Context, id, locale string, limit, offset int) (ReviewPage, error) {
	var resp ReviewsResponse
	if err := c.get(ctx, c.endpoints.Reviews(id, limit, offset), locale, &resp); err != nil {
		return ReviewPage{}, err
	}
	rows, total, err := resp.Page()
	if err != nil {
		return ReviewPage{}, err
	}
	page := ReviewPage{Reviews: make([]types.Review, 0, len(rows)), Total: total}
	for _, row := range rows {
		page.Reviews = append(page.Reviews, row.Review)
	}
	return page, nil
}

// BookingDetails fetches the price quote for a stay.
func (c *Client) BookingDetails(ctx context.Context, id, checkIn, checkOut, currency, locale string) (*BookingDetails, error) {
	var resp BookingResponse
	if err := c.get(ctx, c.endpoints.BookingDetails(id, checkIn, checkOut, currency), locale, &resp); err != nil {
		return nil, err
	}
	if len(resp.Details) == 0 {
		return nil, &ShapeError{What: "empty pdp_listing_booking_details"}
	}
	return &resp.Details[0], nil
}

// Calendar fetches count months starting at month/year.
func (c *Client) Calendar(ctx context.Context, id, locale string, month, year, count int) ([]CalendarMonth, error) {
	var resp CalendarResponse
	if err := c.get(ctx, c.endpoints.Calendar(id, month, year, count), locale, &resp); err != nil {
		return nil, err
	}
	return resp.Months, nil
}

// Host fetches the listing counts of a host.
func (c *Client) Host(ctx context.Context, id, locale string) (*HostCounts, error) {
	var resp HostResponse
	if err := c.get(ctx, c.endpoints.Host(id), locale, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &ShapeError{What: "host response has no user"}
	}
	return resp.User, nil
}

func (c *Client) get(ctx context.Context, rawURL, locale string, out any) error {
	body, err := c.raw(ctx, rawURL, locale)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ShapeError{What: err.Error(), Body: body}
	}
	return nil
}

func (c *Client) raw(ctx context.Context, rawURL, locale string) ([]byte, error) {
	target, err := withLocale(rawURL, locale)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Accept": "application/json"}
	if c.endpoints.Key != "" {
		headers["X-Airbnb-API-Key"] = c.endpoints.Key
	}
	body, err := c.fetch.FetchJSON(ctx, target, headers)
	if err != nil {
		var statusErr *fetcher.StatusError
		if errors.As(err, &statusErr) {
			c.logger.Debug("upstream status", "url", target, "status", statusErr.Code)
		}
		return nil, err
	}
	return body, nil
}

func withLocale(rawURL, locale string) (string, error) {
	if locale == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("locale", locale)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
