package upstream

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"staycrawler/pkg/types"
)

const (
	// ReviewsQueryHash identifies the persisted PdpReviews GraphQL query.
	ReviewsQueryHash = "ecf7222b1ad7e13da1bf39cf3cf05daa6bbc88709f06ea9cf669deca7e2e2de2"

	publicSite = "https://www.airbnb.com"
)

// Endpoints builds upstream request URLs.
type Endpoints struct {
	API string
	Web string
	Key string
}

// NewEndpoints trims trailing slashes and fills the public defaults.
func NewEndpoints(apiBase, webBase, key string) Endpoints {
	if apiBase == "" {
		apiBase = "https://api.airbnb.com"
	}
	if webBase == "" {
		webBase = publicSite
	}
	return Endpoints{
		API: strings.TrimRight(apiBase, "/"),
		Web: strings.TrimRight(webBase, "/"),
		Key: key,
	}
}

// Search returns an explore_tabs URL for one page of scope.
func (e Endpoints) Search(scope types.SearchScope, limit, offset int) string {
	q := url.Values{}
	if box := scope.Location.Box; box != nil {
		q.Set("search_by_map", "true")
		q.Set("ne_lat", formatFloat(box.NELat))
		q.Set("ne_lng", formatFloat(box.NELng))
		q.Set("sw_lat", formatFloat(box.SWLat))
		q.Set("sw_lng", formatFloat(box.SWLng))
	} else {
		q.Set("query", scope.Location.Query)
	}
	if scope.HasPriceFilter() {
		q.Set("price_min", strconv.Itoa(scope.PriceMin))
		q.Set("price_max", strconv.Itoa(scope.PriceMax))
	}
	q.Set("items_per_grid", strconv.Itoa(limit))
	q.Set("items_offset", strconv.Itoa(offset))
	q.Set("refinement_paths[]", "/homes")
	q.Set("key", e.Key)
	currency := scope.Currency
	if currency == "" {
		currency = "USD"
	}
	q.Set("currency", currency)
	if scope.CheckIn != "" {
		q.Set("checkin", scope.CheckIn)
	}
	if scope.CheckOut != "" {
		q.Set("checkout", scope.CheckOut)
	}
	setPositive(q, "adults", scope.Guests.Adults)
	setPositive(q, "children", scope.Guests.Children)
	setPositive(q, "infants", scope.Guests.Infants)
	setPositive(q, "pets", scope.Guests.Pets)
	return e.API + "/v2/explore_tabs?" + q.Encode()
}

// Detail returns the listing detail URL.
func (e Endpoints) Detail(id string) string {
	return e.API + "/v2/pdp_listing_details/" + url.PathEscape(id) + "?_format=for_native"
}

// Reviews returns one page of the persisted reviews query.
func (e Endpoints) Reviews(id string, limit, offset int) string {
	variables, _ := json.Marshal(map[string]any{
		"request": map[string]any{
			"fieldSelector": "for_p3_translation_only",
			"limit":         limit,
			"offset":        offset,
			"listingId":     id,
		},
	})
	extensions, _ := json.Marshal(map[string]any{
		"persistedQuery": map[string]any{"version": 1, "sha256Hash": ReviewsQueryHash},
	})
	q := url.Values{}
	q.Set("operationName", "PdpReviews")
	q.Set("variables", string(variables))
	q.Set("extensions", string(extensions))
	return e.Web + "/api/v3/PdpReviews?" + q.Encode()
}

// Calendar returns a calendar_months URL starting at month/year.
func (e Endpoints) Calendar(id string, month, year, count int) string {
	q := url.Values{}
	q.Set("listing_id", id)
	q.Set("month", strconv.Itoa(month))
	q.Set("year", strconv.Itoa(year))
	q.Set("count", strconv.Itoa(count))
	return e.API + "/v2/calendar_months?" + q.Encode()
}

// BookingDetails returns the price quote URL for a stay.
func (e Endpoints) BookingDetails(id, checkIn, checkOut, currency string) string {
	q := url.Values{}
	q.Set("check_in", checkIn)
	q.Set("check_out", checkOut)
	q.Set("_format", "for_web_with_date")
	q.Set("listing_id", id)
	q.Set("currency", currency)
	return e.API + "/v2/pdp_listing_booking_details?" + q.Encode()
}

// Host returns the user profile URL.
func (e Endpoints) Host(id string) string {
	return e.API + "/v2/users/" + url.PathEscape(id)
}

// RoomURL is the public page of a listing.
func RoomURL(id string) string {
	return publicSite + "/rooms/" + id
}

// HostURL is the public profile page of a host.
func HostURL(id string) string {
	return publicSite + "/users/show/" + id
}

func setPositive(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
