package types

import (
	"encoding/json"
	"time"
)

// Money is an amount as returned by the upstream API.
type Money struct {
	Amount          float64 `json:"amount"`
	AmountFormatted string  `json:"amountFormatted,omitempty"`
	Currency        string  `json:"currency,omitempty"`
}

// PriceRange is the price context a listing was discovered under.
type PriceRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// PricingQuote is the rate snapshot included in some search rows.
type PricingQuote struct {
	Rate               *Money `json:"rate,omitempty"`
	RateType           string `json:"rateType,omitempty"`
	RateWithServiceFee *Money `json:"rateWithServiceFee,omitempty"`
}

// HasRate reports whether the quote carries a usable nightly rate.
func (q *PricingQuote) HasRate() bool {
	return q != nil && q.Rate != nil
}

// ListingReference points at one listing to enrich. It is never mutated after
// creation; enrichment produces a separate EnrichedListing.
type ListingReference struct {
	ID            string        `json:"id"`
	OriginURL     string        `json:"originUrl,omitempty"`
	Locale        string        `json:"locale,omitempty"`
	PriceContext  PriceRange    `json:"priceContext"`
	InlinePricing *PricingQuote `json:"inlinePricing,omitempty"`
	// Stay dates carried by a start URL; empty for search results.
	CheckIn       string        `json:"checkIn,omitempty"`
	CheckOut      string        `json:"checkOut,omitempty"`
}

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Reviewer identifies the author of a review.
type Reviewer struct {
	ID         string `json:"id,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

// Review is one guest review.
type Review struct {
	ID        string   `json:"id"`
	Comments  string   `json:"comments"`
	CreatedAt string   `json:"createdAt,omitempty"`
	Language  string   `json:"language,omitempty"`
	Rating    float64  `json:"rating,omitempty"`
	Response  string   `json:"response,omitempty"`
	Reviewer  Reviewer `json:"reviewer"`
}

// Pricing is the computed price for a stay.
type Pricing struct {
	Rate               *Money `json:"rate,omitempty"`
	RateType           string `json:"rateType,omitempty"`
	RateWithServiceFee *Money `json:"rateWithServiceFee,omitempty"`
	Total              *Money `json:"total,omitempty"`
	Nights             int    `json:"nights,omitempty"`
	CheckIn            string `json:"checkIn,omitempty"`
	CheckOut           string `json:"checkOut,omitempty"`
	CleaningFee        *Money `json:"cleaningFee,omitempty"`
	ServiceFee         *Money `json:"serviceFee,omitempty"`
	Taxes              *Money `json:"taxes,omitempty"`
	Discount           *Money `json:"discount,omitempty"`
}

// CalendarDay is the availability of one night.
type CalendarDay struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Price     string `json:"price,omitempty"`
}

// HostInfo is the best-effort host aggregate.
type HostInfo struct {
	ID                 string `json:"id"`
	URL                string `json:"hostUrl,omitempty"`
	ListingsCount      *int   `json:"listingsCount,omitempty"`
	TotalListingsCount *int   `json:"totalListingsCount,omitempty"`
}

// EnrichedListing is the final output record. It is written once per
// listing id per run and never mutated afterwards.
type EnrichedListing struct {
	ID                  string          `json:"id"`
	URL                 string          `json:"url"`
	Name                string          `json:"name"`
	Stars               *float64        `json:"stars,omitempty"`
	NumberOfGuests      int             `json:"numberOfGuests,omitempty"`
	Address             string          `json:"address,omitempty"`
	RoomType            string          `json:"roomType,omitempty"`
	Location            Coordinates     `json:"location"`
	Reviews             []Review        `json:"reviews"`
	Pricing             Pricing         `json:"pricing"`
	Calendar            []CalendarDay   `json:"calendar,omitempty"`
	OccupancyPercentage *float64        `json:"occupancyPercentage,omitempty"`
	Host                *HostInfo       `json:"host,omitempty"`
	ValuePairs          map[string]any  `json:"valuePairs,omitempty"`
	Detail              json.RawMessage `json:"detail,omitempty"`
	ScrapedAt           time.Time       `json:"scrapedAt"`
}
