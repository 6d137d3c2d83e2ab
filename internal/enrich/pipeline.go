package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"staycrawler/internal/config"
	"staycrawler/internal/fetcher"
	"staycrawler/internal/processor"
	"staycrawler/internal/runstate"
	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

const (
	reviewPageSize = 50
	maxKeyLength   = 256
)

// ErrOutsidePriceRange marks a record whose nightly rate falls outside the
// requested price bounds.
var ErrOutsidePriceRange = errors.New("nightly rate outside requested price range")

// Upstream is the subset of the listing API used for enrichment.
type Upstream interface {
	Detail(ctx context.Context, id, locale string) (*upstream.Detail, error)
	Reviews(ctx context.Context, id, locale string, limit, offset int) (upstream.ReviewPage, error)
	BookingDetails(ctx context.Context, id, checkIn, checkOut, currency, locale string) (*upstream.BookingDetails, error)
	Calendar(ctx context.Context, id, locale string, month, year, count int) ([]upstream.CalendarMonth, error)
	Host(ctx context.Context, id, locale string) (*upstream.HostCounts, error)
}

// Options controls which sub-fetches run and how the record is shaped.
type Options struct {
	IncludeReviews  bool
	MaxReviews      int
	CalendarMonths  int
	AddMoreHostInfo bool
	Simple          bool
	CheckIn         string
	CheckOut        string
	Currency        string
	MinPrice        int
	MaxPrice        int
	ValuePairs      map[string]any
	APIBaseURL      string
	PageDelayMin    time.Duration
	PageDelayMax    time.Duration
	Now             func() time.Time
}

// OptionsFromConfig maps crawl input onto pipeline options.
func OptionsFromConfig(in config.InputConfig, apiBaseURL string) Options {
	return Options{
		IncludeReviews:  in.IncludeReviews,
		MaxReviews:      in.MaxReviews,
		CalendarMonths:  in.CalendarMonths,
		AddMoreHostInfo: in.AddMoreHostInfo,
		Simple:          in.Simple,
		CheckIn:         in.CheckIn,
		CheckOut:        in.CheckOut,
		Currency:        in.Currency,
		MinPrice:        in.MinPrice,
		MaxPrice:        in.MaxPrice,
		ValuePairs:      in.ValuePairs,
		APIBaseURL:      apiBaseURL,
		PageDelayMin:    100 * time.Millisecond,
		PageDelayMax:    200 * time.Millisecond,
	}
}

// Pipeline turns a listing reference into an output record.
type Pipeline struct {
	api     Upstream
	store   runstate.Store
	cleaner *processor.TextCleaner
	opts    Options
	logger  *slog.Logger
}

func NewPipeline(api Upstream, store runstate.Store, opts Options, logger *slog.Logger) *Pipeline {
	if store == nil {
		store = runstate.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Pipeline{
		api:     api,
		store:   store,
		cleaner: processor.NewTextCleaner(),
		opts:    opts,
		logger:  logger,
	}
}

// Enrich fetches the detail of ref and merges the optional sub-fetches into
// one record. The detail is mandatory: upstream.ErrNoLongerAvailable is
// returned for delisted listings, other failures are returned as errors.
// Reviews, pricing, calendar and host failures leave their fields empty.
func (p *Pipeline) Enrich(ctx context.Context, ref types.ListingReference) (*types.EnrichedListing, error) {
	logger := p.logger.With("listing_id", ref.ID)
	detail, err := p.api.Detail(ctx, ref.ID, ref.Locale)
	if err != nil {
		var shapeErr *upstream.ShapeError
		if errors.As(err, &shapeErr) && len(shapeErr.Body) > 0 {
			p.saveFailed(ctx, ref.ID, shapeErr.Body, logger)
		}
		return nil, fmt.Errorf("listing %s detail: %w", ref.ID, err)
	}
	logger.Info("enriching listing", "title", detail.Listing.Title())

	var (
		reviews  []types.Review
		pricing  types.Pricing
		calendar *calendarResult
		host     *types.HostInfo
	)
	var g errgroup.Group
	g.Go(func() error {
		reviews = p.reviews(ctx, ref, logger)
		return nil
	})
	g.Go(func() error {
		pricing = p.pricing(ctx, ref, logger)
		return nil
	})
	if p.opts.CalendarMonths > 0 {
		g.Go(func() error {
			calendar = p.calendar(ctx, ref, logger)
			return nil
		})
	}
	if p.opts.AddMoreHostInfo && detail.Listing.PrimaryHost != nil && detail.Listing.PrimaryHost.ID != "" {
		g.Go(func() error {
			host = p.host(ctx, ref, string(detail.Listing.PrimaryHost.ID), logger)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record := p.merge(ref, detail, reviews, pricing, calendar, host)
	if !p.inPriceRange(record.Pricing) {
		logger.Info("skipping listing outside price range",
			"rate", record.Pricing.Rate.Amount, "min_price", p.opts.MinPrice, "max_price", p.opts.MaxPrice)
		return nil, ErrOutsidePriceRange
	}
	return record, nil
}

func (p *Pipeline) merge(ref types.ListingReference, detail *upstream.Detail, reviews []types.Review, pricing types.Pricing, calendar *calendarResult, host *types.HostInfo) *types.EnrichedListing {
	d := detail.Listing
	id := string(d.ID)
	if id == "" {
		id = ref.ID
	}
	if reviews == nil {
		reviews = []types.Review{}
	}
	record := &types.EnrichedListing{
		ID:             id,
		URL:            upstream.RoomURL(id),
		Name:           d.Title(),
		Stars:          d.StarRating,
		NumberOfGuests: d.Guests(),
		Address:        d.LocationTitle,
		RoomType:       d.RoomAndPropertyType,
		Location:       types.Coordinates{Lat: d.Lat, Lng: d.Lng},
		Reviews:        reviews,
		Pricing:        pricing,
		Host:           host,
		ValuePairs:     p.opts.ValuePairs,
		ScrapedAt:      p.opts.Now().UTC(),
	}
	if calendar != nil {
		record.Calendar = calendar.days
		record.OccupancyPercentage = calendar.occupancy
	}
	if !p.opts.Simple {
		if raw, err := camelizeJSON(detail.Raw); err == nil {
			record.Detail = raw
		} else {
			record.Detail = detail.Raw
		}
	}
	return record
}

func (p *Pipeline) inPriceRange(pricing types.Pricing) bool {
	if pricing.Rate == nil || p.opts.MinPrice > p.opts.MaxPrice {
		return true
	}
	amount := pricing.Rate.Amount
	if p.opts.MinPrice > 0 && amount < float64(p.opts.MinPrice) {
		return false
	}
	if p.opts.MaxPrice > 0 && amount > float64(p.opts.MaxPrice) {
		return false
	}
	return true
}

// reviews pages through the listing reviews until the cap is reached.
func (p *Pipeline) reviews(ctx context.Context, ref types.ListingReference, logger *slog.Logger) []types.Review {
	if !p.opts.IncludeReviews {
		return []types.Review{}
	}
	limit := p.opts.MaxReviews
	out := []types.Review{}
	for offset := 0; ; offset += reviewPageSize {
		if offset > 0 {
			if err := fetcher.Pause(ctx, p.opts.PageDelayMin, p.opts.PageDelayMax); err != nil {
				return []types.Review{}
			}
		}
		page, err := p.api.Reviews(ctx, ref.ID, ref.Locale, reviewPageSize, offset)
		if err != nil {
			logger.Warn("reviews unavailable", "error", err)
			return []types.Review{}
		}
		out = append(out, page.Reviews...)
		want := page.Total
		if limit > 0 && (want == 0 || limit < want) {
			want = limit
		}
		// Without a cap or a reported total, page until an empty page.
		if len(page.Reviews) == 0 || (want > 0 && len(out) >= want) {
			break
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return p.cleaner.CleanReviews(out)
}

func (p *Pipeline) host(ctx context.Context, ref types.ListingReference, hostID string, logger *slog.Logger) *types.HostInfo {
	info := &types.HostInfo{ID: hostID, URL: upstream.HostURL(hostID)}
	counts, err := p.api.Host(ctx, hostID, ref.Locale)
	if err != nil {
		logger.Warn("host info unavailable", "host_id", hostID, "error", err)
		return info
	}
	info.ListingsCount = counts.ListingsCount
	info.TotalListingsCount = counts.TotalListingsCount
	return info
}

// stayDates resolves check-in and check-out from the reference first and
// the crawl input second.
func (p *Pipeline) stayDates(ref types.ListingReference) (string, string) {
	checkIn, checkOut := ref.CheckIn, ref.CheckOut
	if checkIn == "" {
		checkIn = p.opts.CheckIn
	}
	if checkOut == "" {
		checkOut = p.opts.CheckOut
	}
	return checkIn, checkOut
}

func (p *Pipeline) saveFailed(ctx context.Context, id string, body []byte, logger *slog.Logger) {
	key := FailedKey(upstream.NewEndpoints(p.opts.APIBaseURL, "", "").Detail(id))
	if err := p.store.Set(ctx, key, body); err != nil {
		logger.Warn("could not store failed response", "key", key, "error", err)
		return
	}
	logger.Warn("stored unexpected detail response", "key", key)
}

// FailedKey derives the state-store key for a failed response of rawURL.
func FailedKey(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		name = u.Host + u.Path
	}
	if len(name) > maxKeyLength {
		name = name[:maxKeyLength]
	}
	return "failed_" + strings.ReplaceAll(name, "/", "-")
}
