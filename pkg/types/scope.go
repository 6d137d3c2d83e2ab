package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BoundingBox is an explicit search area in the order the upstream geocoder
// reports it: south-west latitude, north-east latitude, south-west longitude,
// north-east longitude.
type BoundingBox struct {
	SWLat float64 `json:"swLat"`
	NELat float64 `json:"neLat"`
	SWLng float64 `json:"swLng"`
	NELng float64 `json:"neLng"`
}

// BoundingBoxFromSlice converts a 4-tuple into a BoundingBox.
func BoundingBoxFromSlice(v []float64) (BoundingBox, error) {
	if len(v) != 4 {
		return BoundingBox{}, fmt.Errorf("bounding box needs 4 coordinates, got %d", len(v))
	}
	return BoundingBox{SWLat: v[0], NELat: v[1], SWLng: v[2], NELng: v[3]}, nil
}

// Key renders the box in a stable textual form.
func (b BoundingBox) Key() string {
	return fmt.Sprintf("[%s,%s,%s,%s]", fmtCoord(b.SWLat), fmtCoord(b.NELat), fmtCoord(b.SWLng), fmtCoord(b.NELng))
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Location is either a free-text query or a bounding box.
type Location struct {
	Query string       `json:"query,omitempty"`
	Box   *BoundingBox `json:"box,omitempty"`
}

// ParseLocation accepts free text or a JSON array "[swLat,neLat,swLng,neLng]".
func ParseLocation(raw string) (Location, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		var coords []float64
		if err := json.Unmarshal([]byte(trimmed), &coords); err != nil {
			return Location{}, fmt.Errorf("parse bounding box %q: %w", raw, err)
		}
		box, err := BoundingBoxFromSlice(coords)
		if err != nil {
			return Location{}, err
		}
		return Location{Box: &box}, nil
	}
	return Location{Query: trimmed}, nil
}

// IsBox reports whether the location is an explicit bounding box.
func (l Location) IsBox() bool {
	return l.Box != nil
}

// String returns the text used for dedup keys and log lines.
func (l Location) String() string {
	if l.Box != nil {
		return l.Box.Key()
	}
	return l.Query
}

// Guests carries the guest-count filters.
type Guests struct {
	Adults   int `json:"adults,omitempty"`
	Children int `json:"children,omitempty"`
	Infants  int `json:"infants,omitempty"`
	Pets     int `json:"pets,omitempty"`
}

// SearchScope is one location- and price-scoped search. It is a value type;
// derive new scopes with WithPrice instead of mutating.
type SearchScope struct {
	Location Location `json:"location"`
	PriceMin int      `json:"priceMin"`
	PriceMax int      `json:"priceMax"`
	CheckIn  string   `json:"checkIn,omitempty"`
	CheckOut string   `json:"checkOut,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Locale   string   `json:"locale,omitempty"`
	Guests   Guests   `json:"guests"`
}

// HasPriceFilter reports whether the price bounds are consistent. Inconsistent
// bounds are not an error; the price filters are simply not sent upstream.
func (s SearchScope) HasPriceFilter() bool {
	return s.PriceMin <= s.PriceMax
}

// Width is the price interval width, negative when the bounds are inconsistent.
func (s SearchScope) Width() int {
	return s.PriceMax - s.PriceMin
}

// WithPrice returns a copy of the scope narrowed to [min, max].
func (s SearchScope) WithPrice(min, max int) SearchScope {
	s.PriceMin = min
	s.PriceMax = max
	return s
}

// DedupKey identifies the scope on the frontier.
func (s SearchScope) DedupKey() string {
	return fmt.Sprintf("%s|%d|%d", s.Location.String(), s.PriceMin, s.PriceMax)
}
