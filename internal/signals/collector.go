package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/storage"
)

// Recorder observes ingested signal counts.
type Recorder interface {
	ObserveSignals(source string, n int)
}

// Collector polls every source, drops recently seen signals and persists the rest.
type Collector struct {
	sources  []Source
	deduper  Deduper
	store    storage.SignalStore
	ttl      time.Duration
	bucket   float64
	recorder Recorder
	now      func() time.Time
	logger   zerolog.Logger
}

// CollectorOptions configure a Collector.
type CollectorOptions struct {
	DedupeTTL   time.Duration
	PriceBucket float64
	Recorder    Recorder
	Now         func() time.Time
}

// NewCollector wires sources to a signal store.
func NewCollector(sources []Source, deduper Deduper, store storage.SignalStore, opts CollectorOptions, logger zerolog.Logger) *Collector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if deduper == nil {
		deduper = NewMemoryDeduper(now)
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Collector{
		sources:  sources,
		deduper:  deduper,
		store:    store,
		ttl:      ttl,
		bucket:   opts.PriceBucket,
		recorder: opts.Recorder,
		now:      now,
		logger:   logger.With().Str("component", "signal_collector").Logger(),
	}
}

// Collect returns the newly persisted signals. A failing source is logged and skipped.
func (c *Collector) Collect(ctx context.Context) ([]storage.Signal, error) {
	var out []storage.Signal
	for _, src := range c.sources {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		polled, err := src.Poll(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", src.Name()).Msg("signal source poll failed")
			continue
		}

		added := 0
		for _, signal := range polled {
			seen, err := c.deduper.Seen(ctx, Key(signal, c.bucket), c.ttl)
			if err != nil {
				c.logger.Warn().Err(err).Str("source", src.Name()).Msg("signal dedupe unavailable")
			}
			if seen {
				continue
			}
			if signal.Source == "" {
				signal.Source = src.Name()
			}
			if signal.DetectedAt.IsZero() {
				signal.DetectedAt = c.now()
			}
			saved, err := c.store.InsertSignal(ctx, signal)
			if err != nil {
				return out, fmt.Errorf("persist signal from %s: %w", src.Name(), err)
			}
			out = append(out, saved)
			added++
		}
		if c.recorder != nil {
			c.recorder.ObserveSignals(src.Name(), added)
		}
		c.logger.Debug().Str("source", src.Name()).Int("polled", len(polled)).Int("new", added).Msg("signal source polled")
	}
	return out, nil
}

// StaticSource replays a fixed set of signals; used for manual enqueue and tests.
type StaticSource struct {
	name    string
	signals []storage.Signal
}

// NewStaticSource constructs a StaticSource.
func NewStaticSource(name string, signals ...storage.Signal) *StaticSource {
	return &StaticSource{name: name, signals: signals}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Poll implements Source.
func (s *StaticSource) Poll(context.Context) ([]storage.Signal, error) {
	out := make([]storage.Signal, len(s.signals))
	copy(out, s.signals)
	return out, nil
}

var _ Source = (*StaticSource)(nil)
