package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	pq "github.com/lib/pq"

	"staycrawler/pkg/types"
)

func TestJSONLWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "listings.jsonl")
	w, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var wg sync.WaitGroup
	for _, id := range []string{"1", "2", "3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Push(context.Background(), &types.EnrichedListing{ID: id, Reviews: []types.Review{}}); err != nil {
				t.Errorf("push: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	defer fh.Close()
	seen := map[string]bool{}
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		var got types.EnrichedListing
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		seen[got.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct lines, got %v", seen)
	}
}

type recordingSink struct {
	pushed []string
	err    error
	closed bool
}

func (r *recordingSink) Push(_ context.Context, l *types.EnrichedListing) error {
	r.pushed = append(r.pushed, l.ID)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestPipelineFansOut(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("db down")}
	p := NewPipeline(ok, nil, failing)

	err := p.Push(context.Background(), &types.EnrichedListing{ID: "7"})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(ok.pushed) != 1 || len(failing.pushed) != 1 {
		t.Fatal("every sink should receive the record even when one fails")
	}
	if err := p.Push(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a nil listing")
	}
	if err := p.Close(); err != nil || !ok.closed || !failing.closed {
		t.Fatalf("close should reach all sinks: %v", err)
	}
}

func TestSQLHelpers(t *testing.T) {
	if !isUndefinedTableErr(&pq.Error{Code: "42P01"}) {
		t.Fatal("42P01 is an undefined table")
	}
	if isUndefinedTableErr(&pq.Error{Code: "23505"}) {
		t.Fatal("unique violation is not an undefined table")
	}
	if !shouldAttemptCreateDatabase("postgres", &pq.Error{Code: "3D000"}) {
		t.Fatal("3D000 should trigger database creation")
	}
	if shouldAttemptCreateDatabase("sqlite", errors.New("does not exist")) {
		t.Fatal("only postgres databases are created")
	}
	stmt := upsertListingSQL(`stays"2026`)
	if !strings.Contains(stmt, `INSERT INTO "stays""2026"`) || !strings.Contains(stmt, "$10") {
		t.Fatalf("unexpected statement %s", stmt)
	}
}
