package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"staycrawler/internal/fetcher"
	"staycrawler/internal/frontier"
	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

const collectPageSize = 50

// Collector pages through a leaf scope and queues one enrichment task per
// listing, ahead of pending probes.
type Collector struct {
	api      Searcher
	frontier *frontier.Frontier
	delayMin time.Duration
	delayMax time.Duration
	halt     func() bool
	logger   *slog.Logger
}

func NewCollector(api Searcher, f *frontier.Frontier, halt func() bool, logger *slog.Logger) *Collector {
	if halt == nil {
		halt = func() bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		api:      api,
		frontier: f,
		delayMin: 100 * time.Millisecond,
		delayMax: 200 * time.Millisecond,
		halt:     halt,
		logger:   logger,
	}
}

// Collect walks scope page by page until the upstream reports no next page
// or a page carries no listings. It returns the number of newly queued
// listings, and errCeilingReached when the walk was cut short.
func (c *Collector) Collect(ctx context.Context, scope types.SearchScope) (int, error) {
	logger := c.logger.With("location", scope.Location.String(), "price_min", scope.PriceMin, "price_max", scope.PriceMax)
	queued := 0
	for offset := 0; ; offset += collectPageSize {
		if c.halt() {
			logger.Debug("listing ceiling reached, leaving scope", "offset", offset)
			return queued, errCeilingReached
		}
		tab, err := c.api.Search(ctx, scope, collectPageSize, offset)
		if err != nil {
			return queued, fmt.Errorf("search %s offset %d: %w", scope.DedupKey(), offset, err)
		}
		rows := tab.FindListings()
		if len(rows) == 0 {
			break
		}

		tasks := make([]types.Task, 0, len(rows))
		for _, row := range rows {
			id := string(row.Listing.ID)
			if id == "" {
				continue
			}
			tasks = append(tasks, types.NewDetailTask(types.ListingReference{
				ID:            id,
				OriginURL:     upstream.RoomURL(id),
				Locale:        scope.Locale,
				PriceContext:  types.PriceRange{Min: scope.PriceMin, Max: scope.PriceMax},
				InlinePricing: row.PricingQuote.Quote(),
			}))
		}
		added, err := c.frontier.EnqueueMany(ctx, frontier.Front, tasks...)
		if err != nil {
			return queued, err
		}
		queued += added
		logger.Debug("queued listings", "offset", offset, "rows", len(rows), "new", added)

		if !tab.PaginationMetadata.HasNextPage {
			break
		}
		if err := fetcher.Pause(ctx, c.delayMin, c.delayMax); err != nil {
			return queued, err
		}
	}
	logger.Info("collected scope", "listings", queued)
	return queued, nil
}
