package types

import "time"

// TaskKind distinguishes the work items held by the frontier.
type TaskKind string

const (
	// KindProbe counts a scope and either bisects it or walks it as a leaf.
	KindProbe TaskKind = "probe"
	// KindDetail enriches a single listing.
	KindDetail TaskKind = "detail"
)

// Task is a unit of frontier work.
type Task struct {
	Kind       TaskKind          `json:"kind"`
	Key        string            `json:"key"`
	Depth      int               `json:"depth,omitempty"`
	Scope      *SearchScope      `json:"scope,omitempty"`
	Listing    *ListingReference `json:"listing,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// NewProbeTask builds a probe task for scope at the given bisection depth.
func NewProbeTask(scope SearchScope, depth int) Task {
	return Task{
		Kind:  KindProbe,
		Key:   string(KindProbe) + ":" + scope.DedupKey(),
		Depth: depth,
		Scope: &scope,
	}
}

// NewDetailTask builds an enrichment task for a listing reference.
func NewDetailTask(ref ListingReference) Task {
	return Task{
		Kind:    KindDetail,
		Key:     string(KindDetail) + ":" + ref.ID,
		Listing: &ref,
	}
}
