package geo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"staycrawler/internal/config"
	"staycrawler/internal/runstate"
	"staycrawler/pkg/types"
)

const (
	pointsKey = "POINTS"
	coordsKey = "COORDS"
)

var (
	allowedClasses    = []string{"place", "railway", "highway", "landuse", "boundary"}
	allowedTypes      = []string{"residential", "city", "administrative", "station", "town"}
	allowedGeometries = []string{"Polygon", "MultiPolygon", "Point", "LineString"}
)

// Geocoder resolves text to places and points to bounding boxes.
type Geocoder interface {
	Search(ctx context.Context, query string) ([]Place, error)
	Reverse(ctx context.Context, p GridPoint) (types.BoundingBox, error)
}

// Partitioner splits a free-text location into smaller bounding boxes.
type Partitioner struct {
	geocoder Geocoder
	store    runstate.Store
	cfg      config.GeoConfig
	logger   *slog.Logger
}

func NewPartitioner(geocoder Geocoder, store runstate.Store, cfg config.GeoConfig, logger *slog.Logger) *Partitioner {
	if store == nil {
		store = runstate.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpacingMeters <= 0 {
		cfg.SpacingMeters = 1000
	}
	if cfg.LimitPoints <= 0 {
		cfg.LimitPoints = 1000
	}
	if cfg.ReverseConcurrency <= 0 {
		cfg.ReverseConcurrency = 10
	}
	return &Partitioner{geocoder: geocoder, store: store, cfg: cfg, logger: logger}
}

// Partition returns deduplicated bounding boxes covering query. Points whose
// reverse lookup fails or times out are dropped.
func (p *Partitioner) Partition(ctx context.Context, query string) ([]types.BoundingBox, error) {
	points, err := p.Points(ctx, query)
	if err != nil {
		return nil, err
	}
	p.logger.Info("reverse geocoding grid points", "points", len(points))

	boxes := p.reverse(ctx, points)
	seen := make(map[string]struct{}, len(boxes))
	out := make([]types.BoundingBox, 0, len(boxes))
	for _, box := range boxes {
		if _, dup := seen[box.Key()]; dup {
			continue
		}
		seen[box.Key()] = struct{}{}
		out = append(out, box)
	}
	p.logger.Info("location partitioned", "query", query, "areas", len(out))
	return out, ctx.Err()
}

// Points returns the deduplicated sampling grid for query. The grid is cached
// in the state store and reused on restart.
func (p *Partitioner) Points(ctx context.Context, query string) ([]GridPoint, error) {
	var cached []GridPoint
	ok, err := runstate.GetJSON(ctx, p.store, pointsKey, &cached)
	if err != nil {
		return nil, err
	}
	if ok && len(cached) > 0 {
		p.logger.Info("reusing cached grid points", "points", len(cached))
		return cached, nil
	}

	places, err := p.geocoder.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	p.logger.Info("found places", "query", query, "places", len(places))
	areas := p.filter(places)
	p.logger.Info("filtered places", "areas", len(areas))

	seen := make(map[string]struct{})
	var points []GridPoint
	for _, area := range areas {
		raw, err := samplePoints(area, p.cfg.SpacingMeters, p.cfg.LimitPoints)
		if err != nil {
			p.logger.Warn("skipping malformed geometry", "place_id", area.PlaceID, "error", err)
			continue
		}
		p.logger.Debug("points in area", "place_id", area.PlaceID, "points", len(raw))
		for _, pt := range raw {
			gp := roundPoint(pt)
			if _, dup := seen[gp.key()]; dup {
				continue
			}
			seen[gp.key()] = struct{}{}
			points = append(points, gp)
		}
	}

	if err := runstate.SetJSON(ctx, p.store, pointsKey, points); err != nil {
		return nil, fmt.Errorf("cache grid points: %w", err)
	}
	if err := p.saveCoords(ctx, points); err != nil {
		p.logger.Debug("could not store grid preview", "error", err)
	}
	return points, nil
}

func (p *Partitioner) filter(places []Place) []Area {
	areas := make([]Area, 0, len(places))
	for _, place := range places {
		if place.Type == "" {
			continue
		}
		if place.Importance != nil && *place.Importance <= p.cfg.MinImportance {
			continue
		}
		if !slices.Contains(allowedClasses, place.Class) || !slices.Contains(allowedTypes, place.Type) {
			continue
		}
		if !slices.Contains(allowedGeometries, place.GeometryType()) {
			continue
		}
		area, err := place.Area()
		if err != nil {
			p.logger.Warn("skipping malformed geometry", "place_id", place.PlaceID, "error", err)
			continue
		}
		areas = append(areas, area)
	}
	return areas
}

// reverse resolves points in batches; each batch shares one timeout.
func (p *Partitioner) reverse(ctx context.Context, points []GridPoint) []types.BoundingBox {
	timeout := p.cfg.ReverseTimeout.Or(5 * time.Minute)
	var out []types.BoundingBox
	for start := 0; start < len(points); start += p.cfg.ReverseConcurrency {
		if ctx.Err() != nil {
			break
		}
		batch := points[start:min(start+p.cfg.ReverseConcurrency, len(points))]
		results := make([]*types.BoundingBox, len(batch))

		bctx, cancel := context.WithTimeout(ctx, timeout)
		var g errgroup.Group
		for i, pt := range batch {
			g.Go(func() error {
				box, err := p.geocoder.Reverse(bctx, pt)
				if err != nil {
					p.logger.Debug("dropping grid point", "lon", pt.Lon, "lat", pt.Lat, "error", err)
					return nil
				}
				if bctx.Err() != nil {
					return nil
				}
				results[i] = &box
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		for _, box := range results {
			if box != nil {
				out = append(out, *box)
			}
		}
	}
	return out
}

func (p *Partitioner) saveCoords(ctx context.Context, points []GridPoint) error {
	fc := geojson.NewFeatureCollection()
	for _, pt := range points {
		fc.Append(geojson.NewFeature(orb.Point{pt.Lon, pt.Lat}))
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return p.store.Set(ctx, coordsKey, raw)
}
