package crawler

import (
	"context"
	"fmt"
	"log/slog"

	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

const (
	probePageSize = 20
	// maxVisibleResults is how many results the search endpoint will page
	// through for a single query.
	maxVisibleResults = 1000
)

// Searcher runs one page of a scoped search.
type Searcher interface {
	Search(ctx context.Context, scope types.SearchScope, limit, offset int) (*upstream.ExploreTab, error)
}

// Decision is the outcome of probing a scope.
type Decision int

const (
	// DecisionStop drops a scope with no results.
	DecisionStop Decision = iota
	// DecisionSplit bisects the price interval.
	DecisionSplit
	// DecisionLeaf pages through the scope's results.
	DecisionLeaf
)

func (d Decision) String() string {
	switch d {
	case DecisionStop:
		return "stop"
	case DecisionSplit:
		return "split"
	case DecisionLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide maps a probe count onto a decision. Intervals one unit wide or
// less, and scopes with inconsistent bounds, are always leaves.
func Decide(count int, scope types.SearchScope) Decision {
	switch {
	case count <= 0:
		return DecisionStop
	case count > maxVisibleResults && scope.Width() > 1:
		return DecisionSplit
	default:
		return DecisionLeaf
	}
}

// Split halves the price interval at ceil((min+max)/2). The halves share the
// midpoint, matching how the search endpoint treats bounds as inclusive.
func Split(scope types.SearchScope) (types.SearchScope, types.SearchScope) {
	sum := scope.PriceMin + scope.PriceMax
	mid := sum / 2
	if sum%2 != 0 && sum > 0 {
		mid++
	}
	return scope.WithPrice(scope.PriceMin, mid), scope.WithPrice(mid, scope.PriceMax)
}

// SeedBuckets partitions [min, max] into at most n equal-width intervals
// covering the whole range. Inconsistent bounds yield the scope unchanged.
func SeedBuckets(scope types.SearchScope, n int) []types.SearchScope {
	if n <= 1 || !scope.HasPriceFilter() || scope.Width() == 0 {
		return []types.SearchScope{scope}
	}
	width := (scope.Width() + n - 1) / n
	buckets := make([]types.SearchScope, 0, n)
	for lo := scope.PriceMin; lo < scope.PriceMax; lo += width {
		hi := lo + width
		if hi > scope.PriceMax {
			hi = scope.PriceMax
		}
		buckets = append(buckets, scope.WithPrice(lo, hi))
	}
	return buckets
}

// Bisector probes scopes with a small page and decides how to proceed.
type Bisector struct {
	api    Searcher
	logger *slog.Logger
}

func NewBisector(api Searcher, logger *slog.Logger) *Bisector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bisector{api: api, logger: logger}
}

// Probe counts the results of scope.
func (b *Bisector) Probe(ctx context.Context, scope types.SearchScope) (int, Decision, error) {
	tab, err := b.api.Search(ctx, scope, probePageSize, 0)
	if err != nil {
		return 0, DecisionStop, fmt.Errorf("probe %s: %w", scope.DedupKey(), err)
	}
	count := tab.ApproximateCount()
	decision := Decide(count, scope)
	b.logger.Debug("probed scope",
		"location", scope.Location.String(),
		"price_min", scope.PriceMin,
		"price_max", scope.PriceMax,
		"listings", count,
		"decision", decision.String())
	return count, decision, nil
}
