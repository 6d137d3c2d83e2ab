package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"staycrawler/internal/config"
	"staycrawler/pkg/types"
)

// SQLWriter upserts listings into a PostgreSQL table keyed by listing id.
type SQLWriter struct {
	db          *sql.DB
	table       string
	autoMigrate bool
}

// NewSQLWriter initialises a SQLWriter from configuration.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	table := cfg.Table
	if table == "" {
		table = "listings"
	}
	writer := &SQLWriter{db: db, table: table, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// Push upserts the listing, creating the table on first use when allowed.
func (s *SQLWriter) Push(ctx context.Context, listing *types.EnrichedListing) error {
	payload, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("encode listing %s: %w", listing.ID, err)
	}
	if err := s.upsert(ctx, listing, payload); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsert(ctx, listing, payload); retryErr != nil {
				return fmt.Errorf("insert listing %s: %w", listing.ID, retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert listing %s: %w", listing.ID, err)
	}
	return nil
}

func (s *SQLWriter) upsert(ctx context.Context, l *types.EnrichedListing, payload []byte) error {
	var rate sql.NullFloat64
	var currency sql.NullString
	if l.Pricing.Rate != nil {
		rate = sql.NullFloat64{Float64: l.Pricing.Rate.Amount, Valid: true}
		currency = sql.NullString{String: l.Pricing.Rate.Currency, Valid: l.Pricing.Rate.Currency != ""}
	}
	var occupancy sql.NullFloat64
	if l.OccupancyPercentage != nil {
		occupancy = sql.NullFloat64{Float64: *l.OccupancyPercentage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, upsertListingSQL(s.table),
		l.ID,
		l.URL,
		l.Name,
		l.Location.Lat,
		l.Location.Lng,
		rate,
		currency,
		occupancy,
		l.ScrapedAt,
		string(payload),
	)
	return err
}

func upsertListingSQL(table string) string {
	return fmt.Sprintf(`
        INSERT INTO %s (id, url, name, lat, lng, nightly_rate, currency, occupancy, scraped_at, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET
            url = EXCLUDED.url,
            name = EXCLUDED.name,
            lat = EXCLUDED.lat,
            lng = EXCLUDED.lng,
            nightly_rate = EXCLUDED.nightly_rate,
            currency = EXCLUDED.currency,
            occupancy = EXCLUDED.occupancy,
            scraped_at = EXCLUDED.scraped_at,
            payload = EXCLUDED.payload
    `, pq.QuoteIdentifier(table))
}

func schemaSQL(table string) []string {
	quoted := pq.QuoteIdentifier(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		    id TEXT PRIMARY KEY,
		    url TEXT NOT NULL,
		    name TEXT,
		    lat DOUBLE PRECISION,
		    lng DOUBLE PRECISION,
		    nightly_rate NUMERIC,
		    currency TEXT,
		    occupancy NUMERIC,
		    scraped_at TIMESTAMPTZ,
		    payload JSONB NOT NULL
		)`, quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (scraped_at DESC)`,
			pq.QuoteIdentifier("idx_"+table+"_scraped_at"), quoted),
	}
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	for _, stmt := range schemaSQL(s.table) {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
