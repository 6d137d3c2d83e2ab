package frontier

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"staycrawler/pkg/types"
)

// ErrEmpty is returned by Dequeue when no task is queued.
var ErrEmpty = errors.New("frontier is empty")

// State is the lifecycle of a dedup key within one run.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Priority selects where a newly enqueued task is inserted.
type Priority int

const (
	// Normal appends to the back of the queue.
	Normal Priority = iota
	// Front inserts ahead of every normal task.
	Front
)

// Record is the persisted form of one task.
type Record struct {
	Key   string     `json:"key"`
	State State      `json:"state"`
	Seq   int64      `json:"seq"`
	Task  types.Task `json:"task"`
}

// Store persists frontier records. Save must apply the whole batch
// atomically.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records ...Record) error
	Close() error
}

// Stats summarises the frontier.
type Stats struct {
	Queued   int
	InFlight int
	Done     int
	Failed   int
}

// Frontier is a deduplicating task queue. Every key is scheduled at most once
// per run; pending tasks survive restarts through the Store.
type Frontier struct {
	mu       sync.Mutex
	store    Store
	queue    *list.List
	records  map[string]*Record
	inFlight map[string]struct{}
	backSeq  int64
	frontSeq int64

	reclaimed int
}

// New restores the frontier from store. Tasks that were pending when the
// previous run stopped, including ones that were in flight, are queued again
// in their original order.
func New(ctx context.Context, store Store) (*Frontier, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	records, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load frontier: %w", err)
	}
	f := &Frontier{
		store:    store,
		queue:    list.New(),
		records:  make(map[string]*Record, len(records)),
		inFlight: make(map[string]struct{}),
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	for i := range records {
		rec := records[i]
		f.records[rec.Key] = &rec
		if rec.Seq > f.backSeq {
			f.backSeq = rec.Seq
		}
		if rec.Seq < f.frontSeq {
			f.frontSeq = rec.Seq
		}
		if rec.State == StatePending {
			f.queue.PushBack(rec.Key)
			f.reclaimed++
		}
	}
	return f, nil
}

// Enqueue adds task unless its key was already seen this run.
func (f *Frontier) Enqueue(ctx context.Context, task types.Task, prio Priority) (bool, error) {
	added, err := f.EnqueueMany(ctx, prio, task)
	return added == 1, err
}

// EnqueueMany adds every unseen task in one persisted batch and returns how
// many were new. With Front priority the batch keeps its relative order.
func (f *Frontier) EnqueueMany(ctx context.Context, prio Priority, tasks ...types.Task) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	fresh := make([]Record, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.Key == "" {
			return 0, fmt.Errorf("enqueue %s task: empty key", task.Kind)
		}
		if _, dup := f.records[task.Key]; dup {
			continue
		}
		if _, dup := seen[task.Key]; dup {
			continue
		}
		seen[task.Key] = struct{}{}
		if task.EnqueuedAt.IsZero() {
			task.EnqueuedAt = now
		}
		fresh = append(fresh, Record{Key: task.Key, State: StatePending, Task: task})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if prio == Front {
		for i := len(fresh) - 1; i >= 0; i-- {
			f.frontSeq--
			fresh[i].Seq = f.frontSeq
		}
	} else {
		for i := range fresh {
			f.backSeq++
			fresh[i].Seq = f.backSeq
		}
	}
	if err := f.store.Save(ctx, fresh...); err != nil {
		return 0, fmt.Errorf("persist %d tasks: %w", len(fresh), err)
	}

	if prio == Front {
		for i := len(fresh) - 1; i >= 0; i-- {
			f.queue.PushFront(fresh[i].Key)
		}
	} else {
		for i := range fresh {
			f.queue.PushBack(fresh[i].Key)
		}
	}
	for i := range fresh {
		rec := fresh[i]
		f.records[rec.Key] = &rec
	}
	return len(fresh), nil
}

// Dequeue hands out the next task. The task stays pending until MarkDone or
// MarkFailed is called.
func (f *Frontier) Dequeue() (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		elem := f.queue.Front()
		if elem == nil {
			return types.Task{}, ErrEmpty
		}
		f.queue.Remove(elem)
		key := elem.Value.(string)
		rec, ok := f.records[key]
		if !ok || rec.State != StatePending {
			continue
		}
		f.inFlight[key] = struct{}{}
		return rec.Task, nil
	}
}

// MarkDone records a finished task.
func (f *Frontier) MarkDone(ctx context.Context, key string) error {
	return f.finish(ctx, key, StateDone)
}

// MarkFailed records a task whose retry budget is exhausted.
func (f *Frontier) MarkFailed(ctx context.Context, key string) error {
	return f.finish(ctx, key, StateFailed)
}

func (f *Frontier) finish(ctx context.Context, key string, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return fmt.Errorf("mark %s: unknown key %q", state, key)
	}
	updated := *rec
	updated.State = state
	if err := f.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("mark %s %q: %w", state, key, err)
	}
	*rec = updated
	delete(f.inFlight, key)
	return nil
}

// Retry puts an in-flight task back at the end of the queue with its attempt
// counter incremented, and returns the updated task.
func (f *Frontier) Retry(ctx context.Context, key string) (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return types.Task{}, fmt.Errorf("retry: unknown key %q", key)
	}
	updated := *rec
	updated.Task.Attempts++
	f.backSeq++
	updated.Seq = f.backSeq
	if err := f.store.Save(ctx, updated); err != nil {
		return types.Task{}, fmt.Errorf("retry %q: %w", key, err)
	}
	*rec = updated
	delete(f.inFlight, key)
	f.queue.PushBack(key)
	return updated.Task, nil
}

// Release hands an in-flight task back without finishing it. The record
// stays pending in the store, so the next run reclaims it.
func (f *Frontier) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, key)
}

// Len returns the number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// Reclaimed returns how many pending tasks were restored by New.
func (f *Frontier) Reclaimed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reclaimed
}

// Seen reports whether key has ever been enqueued this run.
func (f *Frontier) Seen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[key]
	return ok
}

func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{Queued: f.queue.Len(), InFlight: len(f.inFlight)}
	for _, rec := range f.records {
		switch rec.State {
		case StateDone:
			stats.Done++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats
}

// Close releases the underlying store.
func (f *Frontier) Close() error {
	return f.store.Close()
}
