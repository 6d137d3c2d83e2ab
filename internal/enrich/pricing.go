package enrich

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"staycrawler/internal/config"
	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

var amountPattern = regexp.MustCompile(`\d[\d,.]*`)

func (p *Pipeline) pricing(ctx context.Context, ref types.ListingReference, logger *slog.Logger) types.Pricing {
	if ref.InlinePricing.HasRate() {
		q := ref.InlinePricing
		return types.Pricing{Rate: q.Rate, RateType: q.RateType, RateWithServiceFee: q.RateWithServiceFee}
	}
	checkIn, checkOut := p.stayDates(ref)
	if checkIn == "" || checkOut == "" {
		return types.Pricing{}
	}
	logger.Debug("requesting booking details", "check_in", checkIn, "check_out", checkOut)
	details, err := p.api.BookingDetails(ctx, ref.ID, checkIn, checkOut, p.opts.Currency, ref.Locale)
	if err != nil {
		logger.Warn("pricing unavailable", "check_in", checkIn, "check_out", checkOut, "error", err)
		return types.Pricing{}
	}
	if details == nil || !details.Available {
		logger.Debug("listing not bookable for stay", "check_in", checkIn, "check_out", checkOut)
		return types.Pricing{}
	}
	return BuildPricing(details, checkIn, checkOut)
}

// BuildPricing derives the nightly rate and fee breakdown from a booking
// quote. The nightly rate is the total divided by the nights, rounded to two
// decimals, and its formatted string reuses the total's currency layout.
func BuildPricing(d *upstream.BookingDetails, checkIn, checkOut string) types.Pricing {
	pricing := types.Pricing{
		RateType:           d.RateType,
		RateWithServiceFee: d.RateWithServiceFee.Money(),
		CheckIn:            firstNonEmpty(d.CheckIn, checkIn),
		CheckOut:           firstNonEmpty(d.CheckOut, checkOut),
	}
	nights := d.Nights
	if nights <= 0 {
		nights = nightsBetween(pricing.CheckIn, pricing.CheckOut)
	}
	pricing.Nights = nights

	total := d.Price.Total
	if total != nil {
		pricing.Total = total.Money()
		if nights > 0 {
			nightly := round2(total.Amount / float64(nights))
			pricing.Rate = &types.Money{
				Amount:          nightly,
				AmountFormatted: replaceAmount(total.AmountFormatted, nightly),
				Currency:        total.Currency,
			}
			if pricing.RateType == "" {
				pricing.RateType = "nightly"
			}
		}
	}
	if pricing.Rate == nil && d.Rate != nil {
		pricing.Rate = d.Rate.Money()
	}

	for _, item := range d.Price.PriceItems {
		if item.Total == nil {
			continue
		}
		fee := absMoney(item.Total)
		kind := strings.ToUpper(item.Type)
		switch {
		case strings.Contains(kind, "CLEANING"):
			pricing.CleaningFee = fee
		case strings.Contains(kind, "TAX"):
			pricing.Taxes = fee
		case strings.Contains(kind, "DISCOUNT"):
			pricing.Discount = fee
		case strings.Contains(kind, "GUEST_FEE"), strings.Contains(kind, "SERVICE_FEE"):
			pricing.ServiceFee = fee
		}
	}
	return pricing
}

func absMoney(a *upstream.Amount) *types.Money {
	m := a.Money()
	m.Amount = math.Abs(m.Amount)
	m.AmountFormatted = strings.Replace(strings.TrimSpace(m.AmountFormatted), "-", "", 1)
	return m
}

// replaceAmount swaps the first number in formatted for amount, so "$930"
// becomes "$310". Fractional amounts, or totals written with cents, get two
// decimals.
func replaceAmount(formatted string, amount float64) string {
	loc := amountPattern.FindStringIndex(formatted)
	decimals := 0
	if amount != math.Trunc(amount) || (loc != nil && hasCents(formatted[loc[0]:loc[1]])) {
		decimals = 2
	}
	value := strconv.FormatFloat(amount, 'f', decimals, 64)
	if formatted == "" {
		return value
	}
	if loc == nil {
		return formatted
	}
	return formatted[:loc[0]] + value + formatted[loc[1]:]
}

func hasCents(number string) bool {
	n := len(number)
	if n < 4 {
		return false
	}
	sep := number[n-3]
	return (sep == '.' || sep == ',') && isDigit(number[n-2]) && isDigit(number[n-1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func nightsBetween(checkIn, checkOut string) int {
	in, err := time.Parse(config.DateLayout, checkIn)
	if err != nil {
		return 0
	}
	out, err := time.Parse(config.DateLayout, checkOut)
	if err != nil {
		return 0
	}
	return int(out.Sub(in).Hours() / 24)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
