package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"staycrawler/internal/config"
	"staycrawler/internal/frontier"
	"staycrawler/internal/runstate"
	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

type priceKey [2]int

type fakeSearch struct {
	mu     sync.Mutex
	counts map[priceKey]int
	rows   map[priceKey][]string
	probes int
	pages  int
	scopes []types.SearchScope
}

func (f *fakeSearch) Search(_ context.Context, scope types.SearchScope, limit, offset int) (*upstream.ExploreTab, error) {
	key := priceKey{scope.PriceMin, scope.PriceMax}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope)
	tab := &upstream.ExploreTab{}
	tab.HomeTabMetadata.ListingsCount = f.counts[key]
	if limit == probePageSize {
		f.probes++
		return tab, nil
	}
	f.pages++
	if offset > 0 {
		return tab, nil
	}
	rows := make([]upstream.SearchRow, 0, len(f.rows[key]))
	for _, id := range f.rows[key] {
		var row upstream.SearchRow
		row.Listing.ID = upstream.ID(id)
		rows = append(rows, row)
	}
	tab.Sections = []upstream.Section{{ResultType: "listings", Listings: rows}}
	return tab, nil
}

type fakeEnricher struct {
	mu       sync.Mutex
	calls    map[string]int
	refs     map[string]types.ListingReference
	failures map[string]error
	failN    map[string]int
}

func newFakeEnricher() *fakeEnricher {
	return &fakeEnricher{calls: map[string]int{}, refs: map[string]types.ListingReference{}, failures: map[string]error{}, failN: map[string]int{}}
}

func (f *fakeEnricher) Enrich(_ context.Context, ref types.ListingReference) (*types.EnrichedListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref.ID]++
	f.refs[ref.ID] = ref
	if err, ok := f.failures[ref.ID]; ok {
		if n, limited := f.failN[ref.ID]; !limited || f.calls[ref.ID] <= n {
			return nil, err
		}
	}
	return &types.EnrichedListing{ID: ref.ID, URL: ref.OriginURL, ScrapedAt: time.Now()}, nil
}

func (f *fakeEnricher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type memorySink struct {
	mu      sync.Mutex
	records []*types.EnrichedListing
}

func (s *memorySink) Push(_ context.Context, l *types.EnrichedListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, l)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

type fakePartitioner struct {
	boxes []types.BoundingBox
}

func (p fakePartitioner) Partition(context.Context, string) ([]types.BoundingBox, error) {
	return p.boxes, nil
}

// recordingHandler keeps every log record for assertions.
type recordingHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newRecordingLogger() (*slog.Logger, *recordingHandler) {
	h := &recordingHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
	return slog.New(h), h
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range *h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Input.LocationQuery = "Prague"
	cfg.Input.SplitByGeo = false
	cfg.Input.MinPrice = 0
	cfg.Input.MaxPrice = 100
	cfg.Input.PriceBuckets = 1
	cfg.Worker.Concurrency = 4
	cfg.Worker.QueueSize = 8
	cfg.Worker.RetryBackoff = config.Duration{}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg config.Config, deps Deps) *Engine {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	engine, err := New(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func runEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPragueBisectsOnceAndWalksTwoLeaves(t *testing.T) {
	cfg := testConfig()
	cfg.Input.MaxPrice = 1000000
	search := &fakeSearch{
		counts: map[priceKey]int{{0, 1000000}: 5000, {0, 500000}: 400, {500000, 1000000}: 400},
		rows:   map[priceKey][]string{{0, 500000}: {"1", "2"}, {500000, 1000000}: {"3", "2"}},
	}
	sink := &memorySink{}
	engine := newTestEngine(t, cfg, Deps{Search: search, Enrich: newFakeEnricher(), Sink: sink})
	runEngine(t, engine)

	if search.probes != 3 {
		t.Fatalf("expected 3 probes (root and two halves), got %d", search.probes)
	}
	if search.pages != 2 {
		t.Fatalf("expected two leaf searches, got %d", search.pages)
	}
	for _, scope := range search.scopes {
		if scope.Location.Query != "Prague" {
			t.Fatalf("expected Prague scopes, got %+v", scope.Location)
		}
	}
	got := sink.ids()
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("expected listings 1,2,3 once each, got %v", got)
	}
	stats := engine.frontier.Stats()
	if stats.Queued != 0 || stats.Failed != 0 || stats.Done != 6 {
		t.Fatalf("unexpected frontier stats %+v", stats)
	}
}

func TestNoLongerAvailableIsSkippedWithOneWarning(t *testing.T) {
	cfg := testConfig()
	cfg.Input.StartURLs = []string{"https://www.airbnb.com/rooms/9?check_in=2026-11-01&check_out=2026-11-04"}
	enricher := newFakeEnricher()
	enricher.failures["9"] = upstream.ErrNoLongerAvailable
	sink := &memorySink{}
	logger, logs := newRecordingLogger()
	search := &fakeSearch{}

	engine := newTestEngine(t, cfg, Deps{Search: search, Enrich: enricher, Sink: sink, Logger: logger})
	runEngine(t, engine)

	if n := len(sink.ids()); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
	if n := logs.count(slog.LevelWarn, "listing is no longer available"); n != 1 {
		t.Fatalf("expected exactly one warning, got %d", n)
	}
	if stats := engine.frontier.Stats(); stats.Done != 1 || stats.Failed != 0 {
		t.Fatalf("expected the task to be done, got %+v", stats)
	}
	if enricher.callCount("9") != 1 {
		t.Fatalf("delisted listing must not be retried, got %d calls", enricher.callCount("9"))
	}
	if search.probes+search.pages != 0 {
		t.Fatal("start urls must skip search")
	}
	if ref := enricher.refs["9"]; ref.CheckIn != "2026-11-01" || ref.CheckOut != "2026-11-04" {
		t.Fatalf("expected stay dates from the start url, got %+v", ref)
	}
}

func TestMaxListingsCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Input.MaxListings = 2
	cfg.Worker.Concurrency = 3
	for i := 1; i <= 6; i++ {
		cfg.Input.StartURLs = append(cfg.Input.StartURLs, "https://www.airbnb.com/rooms/"+strconv.Itoa(i))
	}
	sink := &memorySink{}
	engine := newTestEngine(t, cfg, Deps{Search: &fakeSearch{}, Enrich: newFakeEnricher(), Sink: sink})
	runEngine(t, engine)

	if n := len(sink.ids()); n != 2 {
		t.Fatalf("expected exactly 2 records, got %d", n)
	}
	if engine.counter.Count() != 2 {
		t.Fatalf("expected counter at 2, got %d", engine.counter.Count())
	}
}

func TestCeilingLeavesUnconsumedTasksForResume(t *testing.T) {
	ctx := context.Background()
	queueStore := frontier.NewMemoryStore()
	state := runstate.NewMemoryStore()

	cfg := testConfig()
	cfg.Input.MaxListings = 1
	cfg.Worker.Concurrency = 1
	for i := 1; i <= 6; i++ {
		cfg.Input.StartURLs = append(cfg.Input.StartURLs, "https://www.airbnb.com/rooms/"+strconv.Itoa(i))
	}

	first, err := frontier.New(ctx, queueStore)
	if err != nil {
		t.Fatalf("frontier: %v", err)
	}
	sink := &memorySink{}
	engine := newTestEngine(t, cfg, Deps{Search: &fakeSearch{}, Enrich: newFakeEnricher(), Sink: sink, Frontier: first, State: state})
	runEngine(t, engine)

	if n := len(sink.ids()); n != 1 {
		t.Fatalf("expected 1 record before the ceiling, got %d", n)
	}
	if stats := first.Stats(); stats.Done != 1 || stats.Failed != 0 {
		t.Fatalf("only the emitted listing may be done, got %+v", stats)
	}

	cfg.Input.MaxListings = 10
	resumed, err := frontier.New(ctx, queueStore)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if resumed.Reclaimed() != 5 {
		t.Fatalf("expected 5 reclaimed tasks, got %d", resumed.Reclaimed())
	}
	resumedSink := &memorySink{}
	engine = newTestEngine(t, cfg, Deps{Search: &fakeSearch{}, Enrich: newFakeEnricher(), Sink: resumedSink, Frontier: resumed, State: state})
	runEngine(t, engine)

	all := append(sink.ids(), resumedSink.ids()...)
	sort.Strings(all)
	want := []string{"1", "2", "3", "4", "5", "6"}
	if len(all) != len(want) {
		t.Fatalf("expected every listing exactly once across both runs, got %v", all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("expected every listing exactly once across both runs, got %v", all)
		}
	}
	if engine.counter.Count() != 6 {
		t.Fatalf("expected persisted counter at 6, got %d", engine.counter.Count())
	}
}

func TestTaskRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.MaxRetries = 2
	cfg.Input.StartURLs = []string{"https://www.airbnb.com/rooms/7", "https://www.airbnb.com/rooms/8"}
	enricher := newFakeEnricher()
	enricher.failures["7"] = errors.New("flaky")
	enricher.failN["7"] = 2
	enricher.failures["8"] = errors.New("broken")
	sink := &memorySink{}
	logger, logs := newRecordingLogger()

	engine := newTestEngine(t, cfg, Deps{Search: &fakeSearch{}, Enrich: enricher, Sink: sink, Logger: logger})
	runEngine(t, engine)

	if got := sink.ids(); len(got) != 1 || got[0] != "7" {
		t.Fatalf("expected only listing 7 to succeed, got %v", got)
	}
	if enricher.callCount("7") != 3 || enricher.callCount("8") != 3 {
		t.Fatalf("unexpected attempts: 7=%d 8=%d", enricher.callCount("7"), enricher.callCount("8"))
	}
	if stats := engine.frontier.Stats(); stats.Failed != 1 || stats.Done != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if logs.count(slog.LevelError, "task failed permanently") != 1 {
		t.Fatal("exhausted task must be reported")
	}
}

func TestResumeSkipsSeeding(t *testing.T) {
	ctx := context.Background()
	store := frontier.NewMemoryStore()
	previous, err := frontier.New(ctx, store)
	if err != nil {
		t.Fatalf("frontier: %v", err)
	}
	if _, err := previous.Enqueue(ctx, types.NewDetailTask(types.ListingReference{ID: "42"}), frontier.Front); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := previous.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	resumed, err := frontier.New(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	search := &fakeSearch{}
	sink := &memorySink{}
	engine := newTestEngine(t, testConfig(), Deps{Search: search, Enrich: newFakeEnricher(), Sink: sink, Frontier: resumed})
	runEngine(t, engine)

	if search.probes != 0 {
		t.Fatalf("resumed run must not seed probes, got %d", search.probes)
	}
	if got := sink.ids(); len(got) != 1 || got[0] != "42" {
		t.Fatalf("expected the reclaimed listing, got %v", got)
	}
}

func TestGeoPartitionSeedsBucketsPerArea(t *testing.T) {
	cfg := testConfig()
	cfg.Input.SplitByGeo = true
	cfg.Input.PriceBuckets = 2
	search := &fakeSearch{}
	geo := fakePartitioner{boxes: []types.BoundingBox{
		{SWLat: 50.0, NELat: 50.1, SWLng: 14.3, NELng: 14.4},
		{SWLat: 50.1, NELat: 50.2, SWLng: 14.4, NELng: 14.5},
	}}
	engine := newTestEngine(t, cfg, Deps{Search: search, Enrich: newFakeEnricher(), Sink: &memorySink{}, Geo: geo})
	runEngine(t, engine)

	if search.probes != 4 {
		t.Fatalf("expected 2 areas x 2 buckets, got %d probes", search.probes)
	}
	for _, scope := range search.scopes {
		if !scope.Location.IsBox() {
			t.Fatalf("expected bounding box scopes, got %+v", scope.Location)
		}
	}
}

func TestRunCounterPersists(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()
	counter, err := NewRunCounter(ctx, store, 2)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if !counter.TryReserve() || !counter.TryReserve() {
		t.Fatal("expected two reservations")
	}
	if counter.TryReserve() {
		t.Fatal("reservation beyond the ceiling must fail")
	}
	if err := counter.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded, err := NewRunCounter(ctx, store, 2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Count() != 2 || !reloaded.Reached() {
		t.Fatalf("expected persisted count 2, got %d", reloaded.Count())
	}

	unlimited, _ := NewRunCounter(ctx, runstate.NewMemoryStore(), 0)
	for i := 0; i < 100; i++ {
		if !unlimited.TryReserve() {
			t.Fatal("zero max must be unlimited")
		}
	}
}

type failingSink struct{}

func (failingSink) Push(context.Context, *types.EnrichedListing) error { return errors.New("disk full") }
func (failingSink) Close() error                                      { return nil }

func TestSinkFailureIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Input.StartURLs = []string{"https://www.airbnb.com/rooms/5"}
	enricher := newFakeEnricher()
	engine := newTestEngine(t, cfg, Deps{Search: &fakeSearch{}, Enrich: enricher, Sink: failingSink{}})
	runEngine(t, engine)

	if enricher.callCount("5") != 1 {
		t.Fatalf("expected a single enrichment, got %d", enricher.callCount("5"))
	}
	if stats := engine.frontier.Stats(); stats.Failed != 1 {
		t.Fatalf("expected the task to fail, got %+v", stats)
	}
}

func TestCollectorStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	f, err := frontier.New(ctx, nil)
	if err != nil {
		t.Fatalf("frontier: %v", err)
	}
	search := &fakeSearch{rows: map[priceKey][]string{{0, 100}: {"1"}}}
	collector := NewCollector(search, f, func() bool { return true }, quietLogger())

	scope := types.SearchScope{Location: types.Location{Query: "Prague"}, PriceMin: 0, PriceMax: 100}
	queued, err := collector.Collect(ctx, scope)
	if !errors.Is(err, errCeilingReached) {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	if queued != 0 || search.pages != 0 {
		t.Fatalf("expected no pages walked, got queued=%d pages=%d", queued, search.pages)
	}
}
