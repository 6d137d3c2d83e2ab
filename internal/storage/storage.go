package storage

import (
	"context"
	"errors"
	"fmt"

	"staycrawler/internal/config"
	"staycrawler/pkg/types"
)

// Sink receives enriched listings.
type Sink interface {
	Push(ctx context.Context, listing *types.EnrichedListing) error
	Close() error
}

// Pipeline fans every record out to all configured sinks.
type Pipeline struct {
	sinks []Sink
}

// NewPipeline constructs a fan-out over sinks, skipping nil entries.
func NewPipeline(sinks ...Sink) *Pipeline {
	p := &Pipeline{}
	for _, s := range sinks {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
	return p
}

// Open builds the sinks named in cfg.
func Open(cfg config.OutputConfig) (*Pipeline, error) {
	var sinks []Sink
	if cfg.JSONLPath != "" {
		w, err := NewJSONLWriter(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, w)
	}
	if cfg.DB.DSN != "" {
		w, err := NewSQLWriter(cfg.DB)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, w)
	}
	if len(sinks) == 0 {
		return nil, errors.New("no output sink configured")
	}
	return NewPipeline(sinks...), nil
}

// Push writes listing to every sink and joins their errors.
func (p *Pipeline) Push(ctx context.Context, listing *types.EnrichedListing) error {
	if listing == nil {
		return fmt.Errorf("push: nil listing")
	}
	var errs []error
	for _, s := range p.sinks {
		if err := s.Push(ctx, listing); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) Close() error {
	var errs []error
	for _, s := range p.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
