package enrich

import (
	"context"
	"log/slog"
	"time"

	"staycrawler/internal/config"
	"staycrawler/pkg/types"
)

type calendarResult struct {
	days      []types.CalendarDay
	occupancy *float64
}

func (p *Pipeline) calendar(ctx context.Context, ref types.ListingReference, logger *slog.Logger) *calendarResult {
	today := p.opts.Now().UTC().Format(config.DateLayout)
	checkIn, _ := p.stayDates(ref)
	start := today
	if checkIn > start {
		start = checkIn
	}
	anchor, err := time.Parse(config.DateLayout, firstNonEmpty(checkIn, today))
	if err != nil {
		anchor = p.opts.Now().UTC()
	}

	months, err := p.api.Calendar(ctx, ref.ID, ref.Locale, int(anchor.Month()), anchor.Year(), p.opts.CalendarMonths)
	if err != nil {
		logger.Warn("calendar unavailable", "error", err)
		return nil
	}

	seen := make(map[string]struct{})
	days := []types.CalendarDay{}
	for _, month := range months {
		for _, day := range month.Days {
			if day.Date < start {
				continue
			}
			if _, dup := seen[day.Date]; dup {
				continue
			}
			seen[day.Date] = struct{}{}
			days = append(days, types.CalendarDay{
				Date:      day.Date,
				Available: day.Available,
				Price:     day.Price.LocalPriceFormatted,
			})
		}
	}
	occupancy := Occupancy(days)
	return &calendarResult{days: days, occupancy: &occupancy}
}

// Occupancy is the share of unavailable days as a percentage rounded to two
// decimals. An empty calendar counts as fully occupied.
func Occupancy(days []types.CalendarDay) float64 {
	if len(days) == 0 {
		return 100
	}
	unavailable := 0
	for _, d := range days {
		if !d.Available {
			unavailable++
		}
	}
	return round2(float64(unavailable) / float64(len(days)) * 100)
}
