package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the only accepted format for check-in and check-out dates.
const DateLayout = "2006-01-02"

var roomsURLPattern = regexp.MustCompile(`(?i)airbnb\.(.)+/rooms`)

// Config captures the full configuration required to initialise the crawl engine.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Worker  WorkerConfig  `yaml:"worker"`
	HTTP    HTTPConfig    `yaml:"http"`
	Robots  RobotsConfig  `yaml:"robots"`
	Geo     GeoConfig     `yaml:"geo"`
	State   StateConfig   `yaml:"state"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
}

// InputConfig describes what to enumerate and how to enrich it.
type InputConfig struct {
	LocationQuery   string         `yaml:"location_query"`
	StartURLs       []string       `yaml:"start_urls"`
	MinPrice        int            `yaml:"min_price"`
	MaxPrice        int            `yaml:"max_price"`
	PriceBuckets    int            `yaml:"price_buckets"`
	Currency        string         `yaml:"currency"`
	CheckIn         string         `yaml:"check_in"`
	CheckOut        string         `yaml:"check_out"`
	Adults          int            `yaml:"adults"`
	Children        int            `yaml:"children"`
	Infants         int            `yaml:"infants"`
	Pets            int            `yaml:"pets"`
	Locale          string         `yaml:"locale"`
	IncludeReviews  bool           `yaml:"include_reviews"`
	MaxReviews      int            `yaml:"max_reviews"`
	MaxListings     int            `yaml:"max_listings"`
	CalendarMonths  int            `yaml:"calendar_months"`
	AddMoreHostInfo bool           `yaml:"add_more_host_info"`
	Simple          bool           `yaml:"simple"`
	SplitByGeo      bool           `yaml:"split_by_geo"`
	ValuePairs      map[string]any `yaml:"value_pairs"`
}

// WorkerConfig controls concurrency, task retry behaviour, and queue sizing.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	QueueSize    int      `yaml:"queue_size"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// HTTPConfig controls the upstream transport.
type HTTPConfig struct {
	APIBaseURL     string            `yaml:"api_base_url"`
	WebBaseURL     string            `yaml:"web_base_url"`
	APIKey         string            `yaml:"api_key"`
	DiscoverAPIKey bool              `yaml:"discover_api_key"`
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURLs      []string          `yaml:"proxy_urls"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxAttempts    int               `yaml:"max_attempts"`
	RetryDelay     Duration          `yaml:"retry_delay"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	PerHostDelay   Duration          `yaml:"per_host_delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit_per_host"`
	Render         RenderConfig      `yaml:"render"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RenderConfig controls the headless browser used for API key discovery.
type RenderConfig struct {
	Timeout         Duration `yaml:"timeout"`
	DisableHeadless bool     `yaml:"disable_headless"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// GeoConfig tunes location partitioning.
type GeoConfig struct {
	NominatimURL       string   `yaml:"nominatim_url"`
	SpacingMeters      float64  `yaml:"spacing_meters"`
	LimitPoints        int      `yaml:"limit_points"`
	ReverseConcurrency int      `yaml:"reverse_concurrency"`
	ReverseTimeout     Duration `yaml:"reverse_timeout"`
	MinImportance      float64  `yaml:"min_importance"`
}

// StateConfig selects where the frontier and run state are persisted.
type StateConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis key-value backend.
type RedisConfig struct {
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	DB       int      `yaml:"db"`
	Password string   `yaml:"password"`
	Key      string   `yaml:"key"`
	Timeout  Duration `yaml:"timeout"`
}

// OutputConfig lists the sinks enriched listings are written to.
type OutputConfig struct {
	JSONLPath string    `yaml:"jsonl_path"`
	DB        SQLConfig `yaml:"db"`
}

// SQLConfig describes a relational database connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with the crawl defaults.
func Default() Config {
	return Config{
		Input: InputConfig{
			MinPrice:       0,
			MaxPrice:       1000000,
			PriceBuckets:   10,
			Currency:       "USD",
			Locale:         "en",
			IncludeReviews: true,
			MaxReviews:     10,
			Simple:         true,
			SplitByGeo:     true,
		},
		Worker: WorkerConfig{
			Concurrency:  50,
			QueueSize:    256,
			MaxRetries:   3,
			RetryBackoff: DurationFrom(2 * time.Second),
		},
		HTTP: HTTPConfig{
			APIBaseURL:     "https://api.airbnb.com",
			WebBaseURL:     "https://www.airbnb.com",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(60 * time.Second),
			MaxAttempts:    6,
			RetryDelay:     DurationFrom(5 * time.Second),
			MaxBodyBytes:   8 * 1024 * 1024,
			Render: RenderConfig{
				Timeout: DurationFrom(45 * time.Second),
			},
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "staycrawler/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Geo: GeoConfig{
			NominatimURL:       "https://nominatim.openstreetmap.org",
			SpacingMeters:      1000,
			LimitPoints:        1000,
			ReverseConcurrency: 10,
			ReverseTimeout:     DurationFrom(5 * time.Minute),
			MinImportance:      0.5,
		},
		State: StateConfig{
			Driver: "memory",
		},
		Output: OutputConfig{
			DB: SQLConfig{
				Table:       "listings",
				AutoMigrate: true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv lets secrets stay out of the YAML file.
func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv("API_KEY")); key != "" && c.HTTP.APIKey == "" {
		c.HTTP.APIKey = key
	}
	if host := strings.TrimSpace(os.Getenv("REDIS_HOST")); host != "" && c.State.Redis.Host == "" {
		c.State.Redis.Host = host
		if port := strings.TrimSpace(os.Getenv("REDIS_PORT")); port != "" {
			c.State.Redis.Port = port
		}
		if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
			if db, err := strconv.Atoi(raw); err == nil {
				c.State.Redis.DB = db
			}
		}
		c.State.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
}

// Validate enforces the input invariants before any task is enqueued.
func (c Config) Validate() error {
	in := c.Input
	if in.LocationQuery == "" && len(in.StartURLs) == 0 {
		return errors.New("at least one of input.location_query or input.start_urls must be set")
	}
	for i, raw := range in.StartURLs {
		if !roomsURLPattern.MatchString(raw) {
			return fmt.Errorf("input.start_urls[%d] %q is not an airbnb rooms url", i, raw)
		}
	}
	if in.Currency != "" && !IsCurrencyCode(in.Currency) {
		return fmt.Errorf("input.currency %q should be in ISO 4217 format", in.Currency)
	}
	for name, value := range map[string]string{"input.check_in": in.CheckIn, "input.check_out": in.CheckOut} {
		if value == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, value); err != nil {
			return fmt.Errorf("%s %q should be in format YYYY-MM-DD", name, value)
		}
	}
	if in.CheckIn != "" && in.CheckOut != "" && in.CheckOut <= in.CheckIn {
		return fmt.Errorf("input.check_out %q must be after input.check_in %q", in.CheckOut, in.CheckIn)
	}
	if in.MaxReviews < 0 {
		return fmt.Errorf("input.max_reviews must be >= 0 (got %d)", in.MaxReviews)
	}
	if in.MaxListings < 0 {
		return fmt.Errorf("input.max_listings must be >= 0 (got %d)", in.MaxListings)
	}
	if in.CalendarMonths < 0 {
		return fmt.Errorf("input.calendar_months must be >= 0 (got %d)", in.CalendarMonths)
	}
	if in.PriceBuckets <= 0 {
		return fmt.Errorf("input.price_buckets must be > 0 (got %d)", in.PriceBuckets)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0 (got %d)", c.Worker.MaxRetries)
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0 (got %d)", c.HTTP.MaxAttempts)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0 (got %d)", c.HTTP.MaxBodyBytes)
	}
	if rl := c.HTTP.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("http.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.HTTP.APIKey == "" && !c.HTTP.DiscoverAPIKey {
		return errors.New("http.api_key (or API_KEY) must be set unless http.discover_api_key is enabled")
	}
	if c.Geo.SpacingMeters <= 0 {
		return fmt.Errorf("geo.spacing_meters must be > 0 (got %v)", c.Geo.SpacingMeters)
	}
	if c.Geo.ReverseConcurrency <= 0 {
		return fmt.Errorf("geo.reverse_concurrency must be > 0 (got %d)", c.Geo.ReverseConcurrency)
	}
	switch c.State.Driver {
	case "memory":
	case "sqlite":
		if c.State.Path == "" {
			return errors.New("state.path must be set when state.driver is sqlite")
		}
	case "redis":
		if c.State.Redis.Host == "" {
			return errors.New("state.redis.host (or REDIS_HOST) must be set when state.driver is redis")
		}
	default:
		return fmt.Errorf("unsupported state.driver %q", c.State.Driver)
	}
	if c.Output.JSONLPath == "" && c.Output.DB.DSN == "" {
		return errors.New("at least one of output.jsonl_path or output.db.dsn must be set")
	}
	if c.Output.DB.DSN != "" && c.Output.DB.Driver == "" {
		return errors.New("output.db.driver must be set when output.db.dsn is set")
	}
	return nil
}

func (c *Config) normalise() {
	c.Input.LocationQuery = strings.TrimSpace(c.Input.LocationQuery)
	c.Input.Currency = strings.ToUpper(strings.TrimSpace(c.Input.Currency))
	c.Input.CheckIn = strings.TrimSpace(c.Input.CheckIn)
	c.Input.CheckOut = strings.TrimSpace(c.Input.CheckOut)
	c.Input.Locale = strings.TrimSpace(c.Input.Locale)
	if c.Input.Locale == "" {
		c.Input.Locale = "en"
	}
	c.Input.StartURLs = dedupeTrimmed(c.Input.StartURLs)
	if c.Input.ValuePairs == nil {
		c.Input.ValuePairs = make(map[string]any)
	}

	c.HTTP.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.HTTP.APIBaseURL), "/")
	c.HTTP.WebBaseURL = strings.TrimRight(strings.TrimSpace(c.HTTP.WebBaseURL), "/")
	c.HTTP.APIKey = strings.TrimSpace(c.HTTP.APIKey)
	c.HTTP.UserAgent = strings.TrimSpace(c.HTTP.UserAgent)
	c.HTTP.ProxyURLs = dedupeTrimmed(c.HTTP.ProxyURLs)
	if c.HTTP.Headers == nil {
		c.HTTP.Headers = make(map[string]string)
	}

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)

	c.Geo.NominatimURL = strings.TrimRight(strings.TrimSpace(c.Geo.NominatimURL), "/")
	c.State.Driver = strings.ToLower(strings.TrimSpace(c.State.Driver))
	c.State.Path = strings.TrimSpace(c.State.Path)
	c.Output.JSONLPath = strings.TrimSpace(c.Output.JSONLPath)
	c.Output.DB.Driver = strings.TrimSpace(c.Output.DB.Driver)
	c.Output.DB.Table = strings.TrimSpace(c.Output.DB.Table)
	if c.Output.DB.Table == "" {
		c.Output.DB.Table = "listings"
	}
}

func dedupeTrimmed(values []string) []string {
	if len(values) == 0 {
		return values
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
