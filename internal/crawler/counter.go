package crawler

import (
	"context"
	"fmt"
	"sync"

	"staycrawler/internal/runstate"
)

const stateKey = "STATE"

type counterState struct {
	Count int `json:"count"`
}

// RunCounter tracks how many records a run has emitted against the
// max_listings ceiling. A max of zero means unlimited. The count survives
// restarts through the key-value store.
type RunCounter struct {
	mu    sync.Mutex
	count int
	max   int
	store runstate.Store
}

// NewRunCounter loads the persisted count, if any.
func NewRunCounter(ctx context.Context, store runstate.Store, max int) (*RunCounter, error) {
	if store == nil {
		store = runstate.NewMemoryStore()
	}
	var st counterState
	if _, err := runstate.GetJSON(ctx, store, stateKey, &st); err != nil {
		return nil, fmt.Errorf("load run counter: %w", err)
	}
	return &RunCounter{count: st.Count, max: max, store: store}, nil
}

// TryReserve claims one output slot. It returns false once the ceiling is
// reached; the caller must then discard its record.
func (c *RunCounter) TryReserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.count >= c.max {
		return false
	}
	c.count++
	return true
}

// Reached reports whether no further records may be emitted.
func (c *RunCounter) Reached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max > 0 && c.count >= c.max
}

func (c *RunCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Persist writes the current count.
func (c *RunCounter) Persist(ctx context.Context) error {
	c.mu.Lock()
	st := counterState{Count: c.count}
	c.mu.Unlock()
	return runstate.SetJSON(ctx, c.store, stateKey, st)
}
