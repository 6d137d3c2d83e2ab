package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"staycrawler/internal/fetcher"
	"staycrawler/pkg/types"
)

// Place is one forward-geocoding result.
type Place struct {
	PlaceID     int64           `json:"place_id"`
	DisplayName string          `json:"display_name"`
	Class       string          `json:"class"`
	Type        string          `json:"type"`
	Importance  *float64        `json:"importance"`
	GeoJSON     json.RawMessage `json:"geojson"`
}

// Area is a place whose geometry has been decoded.
type Area struct {
	PlaceID    int64
	Class      string
	Type       string
	Importance float64
	Geometry   orb.Geometry
}

// Area decodes the place geometry.
func (p Place) Area() (Area, error) {
	if len(p.GeoJSON) == 0 {
		return Area{}, fmt.Errorf("place %d has no geometry", p.PlaceID)
	}
	g, err := geojson.UnmarshalGeometry(p.GeoJSON)
	if err != nil {
		return Area{}, fmt.Errorf("place %d geometry: %w", p.PlaceID, err)
	}
	area := Area{PlaceID: p.PlaceID, Class: p.Class, Type: p.Type, Geometry: g.Geometry()}
	if p.Importance != nil {
		area.Importance = *p.Importance
	}
	if area.Geometry == nil {
		return Area{}, fmt.Errorf("place %d: empty geometry", p.PlaceID)
	}
	return area, nil
}

// GeometryType reads the GeoJSON type without decoding coordinates.
func (p Place) GeometryType() string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(p.GeoJSON, &head)
	return head.Type
}

// Nominatim talks to an OpenStreetMap Nominatim instance.
type Nominatim struct {
	fetch fetcher.JSONFetcher
	base  string
}

func NewNominatim(fetch fetcher.JSONFetcher, baseURL string) *Nominatim {
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org"
	}
	return &Nominatim{fetch: fetch, base: strings.TrimRight(baseURL, "/")}
}

// Search forward-geocodes query with polygon output.
func (n *Nominatim) Search(ctx context.Context, query string) ([]Place, error) {
	q := url.Values{}
	q.Set("polygon_geojson", "1")
	q.Set("format", "json")
	q.Set("q", query)
	body, err := n.fetch.FetchJSON(ctx, n.base+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("nominatim search %q: %w", query, err)
	}
	var places []Place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("decode nominatim search: %w", err)
	}
	return places, nil
}

// Reverse resolves a point to the bounding box of the enclosing place.
func (n *Nominatim) Reverse(ctx context.Context, p GridPoint) (types.BoundingBox, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(p.Lon, 'f', -1, 64))
	q.Set("format", "json")
	body, err := n.fetch.FetchJSON(ctx, n.base+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return types.BoundingBox{}, fmt.Errorf("nominatim reverse %v: %w", p, err)
	}
	var resp struct {
		DisplayName string   `json:"display_name"`
		BoundingBox []string `json:"boundingbox"`
		Error       string   `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.BoundingBox{}, fmt.Errorf("decode nominatim reverse: %w", err)
	}
	if resp.Error != "" {
		return types.BoundingBox{}, fmt.Errorf("nominatim reverse %v: %s", p, resp.Error)
	}
	coords := make([]float64, 0, len(resp.BoundingBox))
	for _, raw := range resp.BoundingBox {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.BoundingBox{}, fmt.Errorf("nominatim reverse bbox %q: %w", raw, err)
		}
		coords = append(coords, v)
	}
	return types.BoundingBoxFromSlice(coords)
}
