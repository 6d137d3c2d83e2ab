package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"staycrawler/pkg/types"
)

var (
	// ErrUnexpectedShape marks a response that decoded but lacks the fields
	// the crawler depends on.
	ErrUnexpectedShape = errors.New("unexpected response shape")
	// ErrNoLongerAvailable is returned for delisted listings.
	ErrNoLongerAvailable = errors.New("listing is no longer available")
)

const noLongerAvailableMessage = "Unfortunately, this is no longer available."

// ShapeError carries the raw body of a response that failed shape checks.
type ShapeError struct {
	What string
	Body []byte
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnexpectedShape, e.What)
}

func (e *ShapeError) Unwrap() error { return ErrUnexpectedShape }

// ID accepts both numeric and string identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Amount is a price field.
type Amount struct {
	Amount          float64 `json:"amount"`
	AmountFormatted string  `json:"amount_formatted"`
	Currency        string  `json:"currency"`
}

// Money converts to the output type. A nil amount stays nil.
func (a *Amount) Money() *types.Money {
	if a == nil {
		return nil
	}
	return &types.Money{Amount: a.Amount, AmountFormatted: a.AmountFormatted, Currency: a.Currency}
}

// SearchResponse is the explore_tabs payload.
type SearchResponse struct {
	ExploreTabs []ExploreTab `json:"explore_tabs"`
	Metadata    struct {
		Query string `json:"query"`
	} `json:"metadata"`
}

// ExploreTab is the homes tab of a search.
type ExploreTab struct {
	HomeTabMetadata struct {
		ListingsCount int `json:"listings_count"`
		Search        struct {
			NativeCurrency string `json:"native_currency"`
		} `json:"search"`
	} `json:"home_tab_metadata"`
	PaginationMetadata struct {
		HasNextPage bool `json:"has_next_page"`
		ItemsOffset int  `json:"items_offset"`
	} `json:"pagination_metadata"`
	Sections []Section `json:"sections"`
}

// Section groups search rows by result type.
type Section struct {
	ResultType            string      `json:"result_type"`
	LocalizedListingCount int         `json:"localized_listing_count"`
	Listings              []SearchRow `json:"listings"`
}

// SearchRow is one listing in a search page.
type SearchRow struct {
	Listing struct {
		ID   ID     `json:"id"`
		Name string `json:"name"`
	} `json:"listing"`
	PricingQuote *RowQuote `json:"pricing_quote"`
}

// RowQuote is the inline price of a search row.
type RowQuote struct {
	Rate               *Amount `json:"rate"`
	RateType           string  `json:"rate_type"`
	RateWithServiceFee *Amount `json:"rate_with_service_fee"`
}

// Quote converts the row quote. It returns nil when no rate is present.
func (q *RowQuote) Quote() *types.PricingQuote {
	if q == nil || q.Rate == nil {
		return nil
	}
	return &types.PricingQuote{
		Rate:               q.Rate.Money(),
		RateType:           q.RateType,
		RateWithServiceFee: q.RateWithServiceFee.Money(),
	}
}

// Tab returns the first explore tab.
func (r *SearchResponse) Tab() (*ExploreTab, error) {
	if len(r.ExploreTabs) == 0 {
		return nil, &ShapeError{What: "search response has no explore_tabs"}
	}
	return &r.ExploreTabs[0], nil
}

// ApproximateCount is the declared result count. It falls back to the first
// section carrying a listings array, and to that array's length when the
// section reports zero.
func (t *ExploreTab) ApproximateCount() int {
	if n := t.HomeTabMetadata.ListingsCount; n > 0 {
		return n
	}
	for _, section := range t.Sections {
		if section.Listings == nil {
			continue
		}
		if section.LocalizedListingCount > 0 {
			return section.LocalizedListingCount
		}
		return len(section.Listings)
	}
	return 0
}

// FindListings returns the rows of the first non-empty listings section.
func (t *ExploreTab) FindListings() []SearchRow {
	for _, section := range t.Sections {
		if section.ResultType == "listings" && len(section.Listings) > 0 {
			return section.Listings
		}
	}
	return nil
}

// DetailResponse is the pdp_listing_details payload.
type DetailResponse struct {
	Detail       json.RawMessage `json:"pdp_listing_detail"`
	ErrorMessage string          `json:"error_message"`
}

// ListingDetail holds the detail fields used for the output record.
type ListingDetail struct {
	ID                  ID       `json:"id"`
	P3SummaryTitle      string   `json:"p3_summary_title"`
	Name                string   `json:"name"`
	StarRating          *float64 `json:"star_rating"`
	GuestLabel          string   `json:"guest_label"`
	PersonCapacity      int      `json:"person_capacity"`
	LocationTitle       string   `json:"location_title"`
	Lat                 float64  `json:"lat"`
	Lng                 float64  `json:"lng"`
	RoomAndPropertyType string   `json:"room_and_property_type"`
	PrimaryHost         *struct {
		ID        ID     `json:"id"`
		FirstName string `json:"first_name"`
	} `json:"primary_host"`
}

// Title prefers the summary title.
func (d *ListingDetail) Title() string {
	if d.P3SummaryTitle != "" {
		return d.P3SummaryTitle
	}
	return d.Name
}

// Guests parses the first number in the guest label, e.g. "4 guests".
func (d *ListingDetail) Guests() int {
	digits := ""
	for _, r := range d.GuestLabel {
		if r >= '0' && r <= '9' {
			digits += string(r)
		} else if digits != "" {
			break
		}
	}
	if n, err := strconv.Atoi(digits); err == nil {
		return n
	}
	return d.PersonCapacity
}

// ReviewsResponse covers both the flat v2 layout and the GraphQL layout.
type ReviewsResponse struct {
	Reviews  []ReviewRow `json:"reviews"`
	Metadata *struct {
		ReviewsCount int `json:"reviews_count"`
	} `json:"metadata"`
	Data *struct {
		Merlin struct {
			PdpReviews struct {
				Reviews  []ReviewRow `json:"reviews"`
				Metadata struct {
					ReviewsCount int `json:"reviewsCount"`
				} `json:"metadata"`
			} `json:"pdpReviews"`
		} `json:"merlin"`
	} `json:"data"`
}

// Page returns the rows and the declared total.
func (r *ReviewsResponse) Page() ([]ReviewRow, int, error) {
	if r.Data != nil {
		p := r.Data.Merlin.PdpReviews
		return p.Reviews, p.Metadata.ReviewsCount, nil
	}
	if r.Reviews == nil && r.Metadata == nil {
		return nil, 0, &ShapeError{What: "reviews response has neither reviews nor data"}
	}
	total := 0
	if r.Metadata != nil {
		total = r.Metadata.ReviewsCount
	}
	return r.Reviews, total, nil
}

// ReviewRow is one review in either casing.
type ReviewRow struct {
	types.Review
}

func (r *ReviewRow) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID             ID      `json:"id"`
		Comments       string  `json:"comments"`
		CreatedAt      string  `json:"created_at"`
		CreatedAtCamel string  `json:"createdAt"`
		Language       string  `json:"language"`
		Rating         float64 `json:"rating"`
		Response       string  `json:"response"`
		Reviewer       struct {
			ID              ID     `json:"id"`
			FirstName       string `json:"first_name"`
			FirstNameCamel  string `json:"firstName"`
			PictureURL      string `json:"picture_url"`
			PictureURLCamel string `json:"pictureUrl"`
		} `json:"reviewer"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Review = types.Review{
		ID:        string(aux.ID),
		Comments:  aux.Comments,
		CreatedAt: firstNonEmpty(aux.CreatedAt, aux.CreatedAtCamel),
		Language:  aux.Language,
		Rating:    aux.Rating,
		Response:  aux.Response,
		Reviewer: types.Reviewer{
			ID:         string(aux.Reviewer.ID),
			FirstName:  firstNonEmpty(aux.Reviewer.FirstName, aux.Reviewer.FirstNameCamel),
			PictureURL: firstNonEmpty(aux.Reviewer.PictureURL, aux.Reviewer.PictureURLCamel),
		},
	}
	return nil
}

// BookingResponse is the pdp_listing_booking_details payload.
type BookingResponse struct {
	Details []BookingDetails `json:"pdp_listing_booking_details"`
}

// BookingDetails is a price quote for a concrete stay.
type BookingDetails struct {
	Available          bool    `json:"available"`
	CheckIn            string  `json:"check_in"`
	CheckOut           string  `json:"check_out"`
	Nights             int     `json:"nights"`
	Rate               *Amount `json:"rate"`
	RateType           string  `json:"rate_type"`
	RateWithServiceFee *Amount `json:"rate_with_service_fee"`
	Price              struct {
		Total      *Amount     `json:"total"`
		PriceItems []PriceItem `json:"price_items"`
	} `json:"price"`
}

// PriceItem is one line of the price breakdown.
type PriceItem struct {
	Type           string  `json:"type"`
	LocalizedTitle string  `json:"localized_title"`
	Total          *Amount `json:"total"`
}

// CalendarResponse is the calendar_months payload.
type CalendarResponse struct {
	Months []CalendarMonth `json:"calendar_months"`
}

type CalendarMonth struct {
	Month int           `json:"month"`
	Year  int           `json:"year"`
	Days  []CalendarDay `json:"days"`
}

type CalendarDay struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Price     struct {
		LocalPriceFormatted string `json:"local_price_formatted"`
	} `json:"price"`
}

// HostResponse is the users payload.
type HostResponse struct {
	User *HostCounts `json:"user"`
}

// HostCounts are the listing aggregates of a host.
type HostCounts struct {
	ListingsCount      *int `json:"listings_count"`
	TotalListingsCount *int `json:"total_listings_count"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
