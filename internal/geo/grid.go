package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

const circleSteps = 64

// GridPoint is a sampling point rounded to three decimals (about 113 m).
type GridPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (p GridPoint) key() string {
	return fmt.Sprintf("%.3f,%.3f", p.Lon, p.Lat)
}

func roundPoint(p orb.Point) GridPoint {
	return GridPoint{Lon: round3(p.Lon()), Lat: round3(p.Lat())}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// samplePoints returns up to limit points covering area at the given spacing.
// Points keep their full precision; callers round and dedupe.
func samplePoints(area Area, spacingMeters float64, limit int) ([]orb.Point, error) {
	var (
		points []orb.Point
		masks  []orb.Polygon
		step   = spacingMeters
	)
	take := func(p orb.Point) bool {
		if len(points) >= limit {
			return false
		}
		points = append(points, p)
		return true
	}

	switch g := area.Geometry.(type) {
	case orb.Point:
		take(g)
		masks = []orb.Polygon{circle(g, spacingMeters)}
		step = spacingMeters / 2
	case orb.LineString:
		if len(g) < 2 {
			return nil, fmt.Errorf("line with %d points", len(g))
		}
		first, last := g[0], g[len(g)-1]
		take(first)
		take(last)
		masks = []orb.Polygon{circle(geo.Midpoint(first, last), geo.Length(g))}
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) < 4 {
			return nil, fmt.Errorf("polygon without a closed outer ring")
		}
		masks = []orb.Polygon{g}
	case orb.MultiPolygon:
		for _, poly := range g {
			if len(poly) == 0 || len(poly[0]) < 4 {
				return nil, fmt.Errorf("multipolygon member without a closed outer ring")
			}
		}
		masks = g
	default:
		return nil, fmt.Errorf("unsupported geometry %s", area.Geometry.GeoJSONType())
	}

	for _, mask := range masks {
		if len(points) >= limit {
			break
		}
		for _, p := range pointGrid(mask.Bound(), step) {
			if !planar.PolygonContains(mask, p) {
				continue
			}
			if !take(p) {
				break
			}
		}
	}
	return points, nil
}

// pointGrid lays a regular grid with cells of cellMeters over bound, centred
// so the leftover margin is split evenly on both sides.
func pointGrid(bound orb.Bound, cellMeters float64) []orb.Point {
	west, south := bound.Min.Lon(), bound.Min.Lat()
	east, north := bound.Max.Lon(), bound.Max.Lat()
	if cellMeters <= 0 || east <= west || north <= south {
		return nil
	}

	widthMeters := geo.Distance(orb.Point{west, south}, orb.Point{east, south})
	heightMeters := geo.Distance(orb.Point{west, south}, orb.Point{west, north})
	if widthMeters == 0 || heightMeters == 0 {
		return nil
	}
	cellWidth := cellMeters / widthMeters * (east - west)
	cellHeight := cellMeters / heightMeters * (north - south)

	columns := math.Floor((east - west) / cellWidth)
	rows := math.Floor((north - south) / cellHeight)
	deltaX := ((east - west) - columns*cellWidth) / 2
	deltaY := ((north - south) - rows*cellHeight) / 2

	var out []orb.Point
	for x := west + deltaX; x <= east; x += cellWidth {
		for y := south + deltaY; y <= north; y += cellHeight {
			out = append(out, orb.Point{x, y})
		}
	}
	return out
}

// circle approximates a geodesic circle as a closed polygon.
func circle(center orb.Point, radiusMeters float64) orb.Polygon {
	ring := make(orb.Ring, 0, circleSteps+1)
	for i := 0; i < circleSteps; i++ {
		bearing := -360 * float64(i) / circleSteps
		ring = append(ring, geo.PointAtBearingAndDistance(center, bearing, radiusMeters))
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}
