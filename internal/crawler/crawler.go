package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"staycrawler/internal/config"
	"staycrawler/internal/enrich"
	"staycrawler/internal/fetcher"
	"staycrawler/internal/frontier"
	"staycrawler/internal/geo"
	robotsclient "staycrawler/internal/robots"
	"staycrawler/internal/runstate"
	"staycrawler/internal/storage"
	"staycrawler/internal/upstream"
	"staycrawler/pkg/types"
)

var (
	// errNoRetry marks task failures that must not be retried.
	errNoRetry = errors.New("not retryable")
	// errCeilingReached marks a task left unconsumed because max_listings
	// was hit. It stays pending for the next run.
	errCeilingReached = errors.New("listing ceiling reached")
)

// Enricher turns a listing reference into an output record.
type Enricher interface {
	Enrich(ctx context.Context, ref types.ListingReference) (*types.EnrichedListing, error)
}

// Partitioner splits a free-text location into bounding boxes.
type Partitioner interface {
	Partition(ctx context.Context, query string) ([]types.BoundingBox, error)
}

// Deps are the collaborators of an Engine. Frontier and State default to
// in-memory implementations; Geo may be nil to disable partitioning.
type Deps struct {
	Search   Searcher
	Enrich   Enricher
	Geo      Partitioner
	Sink     storage.Sink
	Frontier *frontier.Frontier
	State    runstate.Store
	Logger   *slog.Logger
	Closers  []func() error
}

// Engine drains the frontier: probe tasks are bisected or collected, detail
// tasks are enriched and written to the sink.
type Engine struct {
	cfg   config.Config
	runID string

	search    Searcher
	enrich    Enricher
	geo       Partitioner
	sink      storage.Sink
	frontier  *frontier.Frontier
	bisector  *Bisector
	collector *Collector
	counter   *RunCounter

	logger *slog.Logger

	inFlight  atomic.Int64
	startedAt atomic.Int64
	wake      chan struct{}
	wg        sync.WaitGroup

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a crawler engine and all of its backends from
// configuration. API key discovery, when enabled, happens here.
func NewEngine(ctx context.Context, cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*Engine, error) {
		closeAll(closers)
		return nil, err
	}

	var (
		kv     runstate.Store
		fstore frontier.Store
	)
	switch cfg.State.Driver {
	case "sqlite":
		lock, err := runstate.Lock(filepath.Dir(cfg.State.Path))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, lock.Unlock)
		db, err := runstate.OpenDB(cfg.State.Path)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		if kv, err = runstate.NewSQLiteStore(db); err != nil {
			return fail(err)
		}
		if fstore, err = frontier.NewSQLiteStore(db); err != nil {
			return fail(err)
		}
	default:
		// Redis backs the key-value state only; the frontier stays in memory.
		if kv, err = runstate.Open(cfg.State); err != nil {
			return fail(err)
		}
		closers = append(closers, kv.Close)
	}

	front, err := frontier.New(ctx, fstore)
	if err != nil {
		return fail(fmt.Errorf("load frontier: %w", err))
	}
	closers = append(closers, front.Close)

	timeout := cfg.HTTP.RequestTimeout.Or(60 * time.Second)
	robots := robotsclient.NewAgent(cfg.Robots, &http.Client{Timeout: timeout}, logger)
	limiter := fetcher.NewHostLimiter(cfg.HTTP.PerHostDelay.Duration, fetcher.RateLimiterSettings{
		Requests: cfg.HTTP.RateLimit.Requests,
		Window:   cfg.HTTP.RateLimit.Window.Duration,
	})
	client, err := fetcher.NewClient(fetcher.Options{
		UserAgent:    cfg.HTTP.UserAgent,
		Headers:      cfg.HTTP.Headers,
		Timeout:      timeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		ProxyURLs:    cfg.HTTP.ProxyURLs,
		MaxAttempts:  cfg.HTTP.MaxAttempts,
		RetryDelay:   cfg.HTTP.RetryDelay.Duration,
		Limiter:      limiter,
		Gate:         robots,
		Logger:       logger,
	})
	if err != nil {
		return fail(fmt.Errorf("http client: %w", err))
	}

	apiKey := cfg.HTTP.APIKey
	if apiKey == "" && cfg.HTTP.DiscoverAPIKey {
		if apiKey, err = discoverAPIKey(ctx, cfg, logger); err != nil {
			return fail(err)
		}
	}

	api := upstream.NewClient(client, upstream.NewEndpoints(cfg.HTTP.APIBaseURL, cfg.HTTP.WebBaseURL, apiKey), logger)

	var partitioner Partitioner
	if cfg.Input.SplitByGeo {
		partitioner = geo.NewPartitioner(geo.NewNominatim(client, cfg.Geo.NominatimURL), kv, cfg.Geo, logger)
	}

	pipeline := enrich.NewPipeline(api, kv, enrich.OptionsFromConfig(cfg.Input, api.Endpoints().API), logger)

	sink, err := storage.Open(cfg.Output)
	if err != nil {
		return fail(fmt.Errorf("open output: %w", err))
	}
	closers = append(closers, sink.Close)

	engine, err := New(ctx, cfg, Deps{
		Search:   api,
		Enrich:   pipeline,
		Geo:      partitioner,
		Sink:     sink,
		Frontier: front,
		State:    kv,
		Logger:   logger,
		Closers:  closers,
	})
	if err != nil {
		return fail(err)
	}
	return engine, nil
}

// New assembles an engine from explicit collaborators.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Search == nil || deps.Enrich == nil || deps.Sink == nil {
		return nil, errors.New("crawler requires a searcher, an enricher and a sink")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	state := deps.State
	if state == nil {
		state = runstate.NewMemoryStore()
	}
	front := deps.Frontier
	if front == nil {
		var err error
		if front, err = frontier.New(ctx, nil); err != nil {
			return nil, err
		}
	}
	counter, err := NewRunCounter(ctx, state, cfg.Input.MaxListings)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		runID:     runID,
		search:    deps.Search,
		enrich:    deps.Enrich,
		geo:       deps.Geo,
		sink:      deps.Sink,
		frontier:  front,
		bisector:  NewBisector(deps.Search, logger),
		collector: NewCollector(deps.Search, front, counter.Reached, logger),
		counter:   counter,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		closers:   deps.Closers,
	}, nil
}

// RunID identifies this engine's run in logs.
func (e *Engine) RunID() string {
	return e.runID
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Records   int       `json:"records"`
	Queued    int       `json:"queued"`
	InFlight  int       `json:"inFlight"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Reclaimed int       `json:"reclaimed"`
	Ceiling   bool      `json:"ceilingReached"`
}

// Status reports progress. It is safe to call while Run is in progress.
func (e *Engine) Status() Status {
	stats := e.frontier.Stats()
	st := Status{
		RunID:     e.runID,
		Records:   e.counter.Count(),
		Queued:    stats.Queued,
		InFlight:  stats.InFlight,
		Done:      stats.Done,
		Failed:    stats.Failed,
		Reclaimed: e.frontier.Reclaimed(),
		Ceiling:   e.counter.Reached(),
	}
	if ns := e.startedAt.Load(); ns != 0 {
		st.StartedAt = time.Unix(0, ns).UTC()
	}
	return st
}

// Run seeds the frontier, unless resuming, and drains it until it is empty,
// the listing ceiling is reached, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	pool, err := NewWorkerPool(ctx, e.cfg.Worker.Concurrency, e.cfg.Worker.QueueSize)
	if err != nil {
		return err
	}
	defer pool.Close()

	started := time.Now()
	e.startedAt.Store(started.UnixNano())
	if err := e.seed(ctx); err != nil {
		return err
	}

	runErr := e.dispatch(ctx, pool)
	e.wg.Wait()

	if err := e.counter.Persist(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("persist run counter failed", "error", err)
	}
	stats := e.frontier.Stats()
	e.logger.Info("crawl finished",
		"records", e.counter.Count(),
		"queued", stats.Queued,
		"done", stats.Done,
		"failed", stats.Failed,
		"elapsed", time.Since(started).Round(time.Millisecond).String())

	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		e.logger.Warn("context cancelled, shutting down")
		return err
	}
	return nil
}

// Close releases resources owned by the engine in reverse order of
// acquisition.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = closeAll(e.closers)
	})
	return err
}

func closeAll(closers []func() error) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i](); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (e *Engine) seed(ctx context.Context) error {
	stats := e.frontier.Stats()
	if stats.Queued+stats.InFlight+stats.Done+stats.Failed > 0 {
		e.logger.Info("resuming crawl",
			"queued", stats.Queued,
			"reclaimed", e.frontier.Reclaimed(),
			"done", stats.Done,
			"records", e.counter.Count())
		return nil
	}

	in := e.cfg.Input
	if len(in.StartURLs) > 0 {
		tasks := make([]types.Task, 0, len(in.StartURLs))
		for _, raw := range in.StartURLs {
			start, err := types.ParseStartURL(raw)
			if err != nil {
				return err
			}
			tasks = append(tasks, types.NewDetailTask(types.ListingReference{
				ID:           start.ID,
				OriginURL:    start.URL,
				Locale:       upstream.LocaleFromURL(start.URL),
				PriceContext: types.PriceRange{Min: in.MinPrice, Max: in.MaxPrice},
				CheckIn:      start.CheckIn,
				CheckOut:     start.CheckOut,
			}))
		}
		added, err := e.frontier.EnqueueMany(ctx, frontier.Front, tasks...)
		if err != nil {
			return fmt.Errorf("seed start urls: %w", err)
		}
		e.logger.Info("seeded start urls", "tasks", added)
		return nil
	}

	location, err := types.ParseLocation(in.LocationQuery)
	if err != nil {
		return err
	}
	base := types.SearchScope{
		Location: location,
		PriceMin: in.MinPrice,
		PriceMax: in.MaxPrice,
		CheckIn:  in.CheckIn,
		CheckOut: in.CheckOut,
		Currency: in.Currency,
		Locale:   in.Locale,
		Guests: types.Guests{
			Adults:   in.Adults,
			Children: in.Children,
			Infants:  in.Infants,
			Pets:     in.Pets,
		},
	}

	scopes := []types.SearchScope{base}
	if in.SplitByGeo && !location.IsBox() && e.geo != nil {
		boxes, err := e.geo.Partition(ctx, location.Query)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("geo partitioning failed, searching the whole location", "query", location.Query, "error", err)
		case len(boxes) == 0:
			e.logger.Warn("geo partitioning produced no areas, searching the whole location", "query", location.Query)
		default:
			scopes = scopes[:0]
			for _, box := range boxes {
				scope := base
				scope.Location = types.Location{Box: &box}
				scopes = append(scopes, scope)
			}
		}
	}

	var tasks []types.Task
	for _, scope := range scopes {
		for _, bucket := range SeedBuckets(scope, in.PriceBuckets) {
			tasks = append(tasks, types.NewProbeTask(bucket, 0))
		}
	}
	added, err := e.frontier.EnqueueMany(ctx, frontier.Normal, tasks...)
	if err != nil {
		return fmt.Errorf("seed probes: %w", err)
	}
	e.logger.Info("seeded probes", "areas", len(scopes), "tasks", added)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, pool *WorkerPool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.counter.Reached() {
			e.logger.Info("listing ceiling reached, no longer dispatching", "max_listings", e.cfg.Input.MaxListings)
			return nil
		}

		task, err := e.frontier.Dequeue()
		if errors.Is(err, frontier.ErrEmpty) {
			if e.inFlight.Load() == 0 && e.frontier.Len() == 0 {
				return nil
			}
			select {
			case <-e.wake:
			case <-ctx.Done():
			}
			continue
		}
		if err != nil {
			return err
		}

		e.inFlight.Add(1)
		e.wg.Add(1)
		if err := pool.Submit(ctx, func(workerCtx context.Context) {
			defer e.finish()
			e.handle(workerCtx, task)
		}); err != nil {
			// The task stays pending and is reclaimed on the next run.
			e.finish()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit %s: %w", task.Key, err)
		}
	}
}

func (e *Engine) finish() {
	e.inFlight.Add(-1)
	e.wg.Done()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) handle(ctx context.Context, task types.Task) {
	if ctx.Err() != nil {
		e.frontier.Release(task.Key)
		return
	}

	var err error
	switch task.Kind {
	case types.KindProbe:
		err = e.handleProbe(ctx, task)
	case types.KindDetail:
		err = e.handleDetail(ctx, task)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}

	if errors.Is(err, errCeilingReached) {
		e.frontier.Release(task.Key)
		return
	}
	if err == nil {
		if merr := e.frontier.MarkDone(ctx, task.Key); merr != nil {
			e.logger.Error("mark task done failed", "task", task.Key, "error", merr)
		}
		return
	}
	if ctx.Err() != nil {
		e.frontier.Release(task.Key)
		return
	}
	e.retryOrFail(ctx, task, err)
}

func (e *Engine) retryOrFail(ctx context.Context, task types.Task, cause error) {
	logger := e.logger.With("task", task.Key, "attempt", task.Attempts+1)
	if task.Attempts < e.cfg.Worker.MaxRetries && !errors.Is(cause, errNoRetry) {
		logger.Warn("task failed, retrying", "error", cause)
		backoff := e.cfg.Worker.RetryBackoff.Duration
		if err := fetcher.Pause(ctx, backoff, backoff); err != nil {
			return
		}
		if _, err := e.frontier.Retry(ctx, task.Key); err != nil {
			logger.Error("requeue failed", "error", err)
		}
		return
	}
	logger.Error("task failed permanently", "error", cause)
	if err := e.frontier.MarkFailed(ctx, task.Key); err != nil {
		logger.Error("mark task failed", "error", err)
	}
}

func (e *Engine) handleProbe(ctx context.Context, task types.Task) error {
	if task.Scope == nil {
		return fmt.Errorf("probe %s has no scope", task.Key)
	}
	scope := *task.Scope
	_, decision, err := e.bisector.Probe(ctx, scope)
	if err != nil {
		return err
	}
	switch decision {
	case DecisionSplit:
		lo, hi := Split(scope)
		_, err := e.frontier.EnqueueMany(ctx, frontier.Normal,
			types.NewProbeTask(lo, task.Depth+1),
			types.NewProbeTask(hi, task.Depth+1))
		return err
	case DecisionLeaf:
		_, err := e.collector.Collect(ctx, scope)
		return err
	default:
		return nil
	}
}

func (e *Engine) handleDetail(ctx context.Context, task types.Task) error {
	if task.Listing == nil {
		return fmt.Errorf("detail %s has no listing", task.Key)
	}
	ref := *task.Listing
	logger := e.logger.With("listing_id", ref.ID, "url", ref.OriginURL)
	if e.counter.Reached() {
		logger.Debug("listing ceiling reached, skipping")
		return errCeilingReached
	}

	record, err := e.enrich.Enrich(ctx, ref)
	switch {
	case errors.Is(err, upstream.ErrNoLongerAvailable):
		logger.Warn("listing is no longer available")
		return nil
	case errors.Is(err, enrich.ErrOutsidePriceRange):
		return nil
	case err != nil:
		return err
	}

	if !e.counter.TryReserve() {
		logger.Debug("listing ceiling reached, discarding record")
		return errCeilingReached
	}
	if err := e.sink.Push(ctx, record); err != nil {
		// A sink may have accepted the record already.
		return fmt.Errorf("push listing %s: %w: %w", ref.ID, errNoRetry, err)
	}
	if err := e.counter.Persist(ctx); err != nil {
		logger.Warn("persist run counter failed", "error", err)
	}
	logger.Info("saved listing", "records", e.counter.Count())
	return nil
}

func discoverAPIKey(ctx context.Context, cfg config.Config, logger *slog.Logger) (string, error) {
	proxy := ""
	if len(cfg.HTTP.ProxyURLs) > 0 {
		proxy = cfg.HTTP.ProxyURLs[0]
	}
	renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
		Timeout:         cfg.HTTP.Render.Timeout.Duration,
		UserAgent:       cfg.HTTP.UserAgent,
		ProxyURL:        proxy,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		DisableHeadless: cfg.HTTP.Render.DisableHeadless,
		Logger:          logger,
	})
	key, err := upstream.DiscoverAPIKey(ctx, renderer, cfg.HTTP.WebBaseURL)
	if err != nil {
		return "", fmt.Errorf("discover api key: %w", err)
	}
	logger.Info("discovered api key")
	return key, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
