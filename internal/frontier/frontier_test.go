package frontier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"staycrawler/internal/runstate"
	"staycrawler/pkg/types"
)

func probe(min, max int) types.Task {
	return types.NewProbeTask(types.SearchScope{
		Location: types.Location{Query: "Prague"},
		PriceMin: min,
		PriceMax: max,
	}, 0)
}

func detail(id string) types.Task {
	return types.NewDetailTask(types.ListingReference{ID: id})
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.Enqueue(ctx, probe(0, 100), Normal)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if added != 1 {
		t.Fatalf("expected exactly one insertion, got %d", added)
	}

	task, err := f.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := f.MarkDone(ctx, task.Key); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if ok, _ := f.Enqueue(ctx, probe(0, 100), Normal); ok {
		t.Fatal("a done key must not be scheduled again")
	}
	if _, err := f.Dequeue(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestFrontPriorityKeepsBatchOrder(t *testing.T) {
	ctx := context.Background()
	f, _ := New(ctx, nil)
	if _, err := f.EnqueueMany(ctx, Normal, probe(0, 50), probe(50, 100)); err != nil {
		t.Fatalf("enqueue probes: %v", err)
	}
	n, err := f.EnqueueMany(ctx, Front, detail("1"), detail("2"), detail("1"))
	if err != nil {
		t.Fatalf("enqueue details: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 new details, got %d", n)
	}

	want := []string{"detail:1", "detail:2", probe(0, 50).Key, probe(50, 100).Key}
	for _, key := range want {
		task, err := f.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if task.Key != key {
			t.Fatalf("expected %s, got %s", key, task.Key)
		}
	}
}

func TestRetryRequeuesWithAttempt(t *testing.T) {
	ctx := context.Background()
	f, _ := New(ctx, nil)
	_, _ = f.Enqueue(ctx, detail("9"), Normal)
	task, _ := f.Dequeue()
	retried, err := f.Retry(ctx, task.Key)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", retried.Attempts)
	}
	again, err := f.Dequeue()
	if err != nil || again.Attempts != 1 {
		t.Fatalf("expected requeued task, got %+v err=%v", again, err)
	}
	if err := f.MarkFailed(ctx, again.Key); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if stats := f.Stats(); stats.Failed != 1 || stats.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReleaseKeepsTaskPendingForNextRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	f, _ := New(ctx, store)
	_, _ = f.Enqueue(ctx, detail("3"), Normal)
	task, _ := f.Dequeue()
	f.Release(task.Key)
	if stats := f.Stats(); stats.InFlight != 0 || stats.Done != 0 || stats.Queued != 0 {
		t.Fatalf("released task must be neither in flight nor finished, got %+v", stats)
	}

	next, err := New(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next.Reclaimed() != 1 {
		t.Fatalf("expected released task to be reclaimed, got %d", next.Reclaimed())
	}
	again, err := next.Dequeue()
	if err != nil || again.Key != task.Key || again.Attempts != 0 {
		t.Fatalf("expected the released task unchanged, got %+v err=%v", again, err)
	}
}

func TestSQLiteFrontierResumes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := runstate.OpenDB(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f, err := New(ctx, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := f.EnqueueMany(ctx, Normal, probe(0, 50), probe(50, 100)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.Enqueue(ctx, detail("42"), Front); err != nil {
		t.Fatalf("enqueue detail: %v", err)
	}
	first, _ := f.Dequeue()
	if err := f.MarkDone(ctx, first.Key); err != nil {
		t.Fatalf("done: %v", err)
	}
	inflight, _ := f.Dequeue() // simulated crash while this one runs
	_ = db.Close()

	db, err = runstate.OpenDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	store, _ = NewSQLiteStore(db)
	resumed, err := New(ctx, store)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Reclaimed() != 2 {
		t.Fatalf("expected 2 reclaimed tasks, got %d", resumed.Reclaimed())
	}
	next, err := resumed.Dequeue()
	if err != nil || next.Key != inflight.Key {
		t.Fatalf("expected in-flight task %s first, got %s err=%v", inflight.Key, next.Key, err)
	}
	if next.Scope == nil || next.Scope.PriceMax != 50 {
		t.Fatalf("task payload not restored: %+v", next)
	}
	if ok, _ := resumed.Enqueue(ctx, detail("42"), Front); ok {
		t.Fatal("done key must stay deduplicated across restarts")
	}
}
