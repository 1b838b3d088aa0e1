package detect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// ErrInsufficientData is returned when a product has too little history for statistics.
var ErrInsufficientData = errors.New("detect: insufficient price history")

const (
	shortWindow = 7 * 24 * time.Hour
	longWindow  = 30 * 24 * time.Hour
)

// Statistics summarises a set of observed prices.
type Statistics struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// CV is the coefficient of variation.
func (s Statistics) CV() float64 {
	if s.Mean <= 0 {
		return 0
	}
	return s.StdDev / s.Mean
}

// BaselineCalculator derives rolling statistics from a product's price history.
// History slices are expected newest first, as returned by the price history store.
type BaselineCalculator struct {
	minObservations    int
	stabilityThreshold float64
	zThreshold         float64
	discountThreshold  float64
	now                func() time.Time
}

// NewBaselineCalculator constructs a calculator. now may be nil.
func NewBaselineCalculator(cfg config.BaselineConfig, now func() time.Time) *BaselineCalculator {
	if now == nil {
		now = time.Now
	}
	minObs := cfg.MinObservations
	if minObs <= 0 {
		minObs = 3
	}
	return &BaselineCalculator{
		minObservations:    minObs,
		stabilityThreshold: cfg.StabilityThreshold,
		zThreshold:         cfg.ZThreshold,
		discountThreshold:  cfg.DiscountThreshold,
		now:                now,
	}
}

// Statistics computes price statistics, optionally limited to the trailing window.
func (c *BaselineCalculator) Statistics(history []storage.PriceObservation, window time.Duration) (Statistics, error) {
	prices := c.prices(history, window)
	if len(prices) < c.minObservations {
		return Statistics{}, fmt.Errorf("%w: %d observations", ErrInsufficientData, len(prices))
	}
	return summarize(prices), nil
}

// Baseline selects the current baseline: the 7 day average when prices are stable,
// else the 30 day average, else the median of every observation.
func (c *BaselineCalculator) Baseline(productID int64, history []storage.PriceObservation) (storage.ProductBaseline, error) {
	all := c.prices(history, 0)
	if len(all) == 0 {
		return storage.ProductBaseline{}, fmt.Errorf("%w: no observations", ErrInsufficientData)
	}

	stats := summarize(all)
	stability := clamp(1-stats.CV(), 0, 1)

	avg7d := round2(mean(c.prices(history, shortWindow)))
	avg30d := round2(mean(c.prices(history, longWindow)))

	current := round2(stats.Median)
	switch {
	case avg7d > 0 && stability > c.stabilityThreshold:
		current = avg7d
	case avg30d > 0:
		current = avg30d
	}

	var last float64
	if len(history) > 0 {
		last = toFloat(history[0].Price)
	}

	return storage.ProductBaseline{
		ProductID:        productID,
		Avg7d:            avg7d,
		Avg30d:           avg30d,
		MinSeen:          round2(stats.Min),
		MaxSeen:          round2(stats.Max),
		StdDev:           stats.StdDev,
		CurrentBaseline:  current,
		Stability:        stability,
		ObservationCount: len(history),
		LastPrice:        last,
		LastCalculated:   c.now().UTC(),
	}, nil
}

// IsAnomaly checks a price against the product history and returns every matching reason.
func (c *BaselineCalculator) IsAnomaly(price float64, history []storage.PriceObservation) (bool, string, error) {
	stats, err := c.Statistics(history, 0)
	if err != nil {
		return false, "", err
	}
	baseline, err := c.Baseline(0, history)
	if err != nil {
		return false, "", err
	}

	reasons := make([]string, 0, 3)
	if price < baseline.MinSeen {
		pct := (1 - price/baseline.MinSeen) * 100
		reasons = append(reasons, fmt.Sprintf("below historical minimum ($%.2f) by %.1f%%", baseline.MinSeen, pct))
	}
	if stats.StdDev > 0 {
		z := (price - stats.Mean) / stats.StdDev
		if z < c.zThreshold {
			reasons = append(reasons, fmt.Sprintf("z-score %.2f (threshold %.2f)", z, c.zThreshold))
		}
	}
	if baseline.CurrentBaseline > 0 {
		discount := 1 - price/baseline.CurrentBaseline
		if discount >= c.discountThreshold {
			reasons = append(reasons, fmt.Sprintf("%.1f%% below baseline ($%.2f)", discount*100, baseline.CurrentBaseline))
		}
	}
	return len(reasons) > 0, strings.Join(reasons, "; "), nil
}

// prices returns the positive prices observed inside window. A zero window keeps everything.
func (c *BaselineCalculator) prices(history []storage.PriceObservation, window time.Duration) []float64 {
	var cutoff time.Time
	if window > 0 {
		cutoff = c.now().Add(-window)
	}
	out := make([]float64, 0, len(history))
	for _, obs := range history {
		if !cutoff.IsZero() && obs.FetchedAt.Before(cutoff) {
			continue
		}
		if obs.Price.Sign() > 0 {
			out = append(out, toFloat(obs.Price))
		}
	}
	return out
}

func summarize(prices []float64) Statistics {
	lo, hi := minMax(prices)
	return Statistics{
		Count:  len(prices),
		Mean:   mean(prices),
		Median: median(prices),
		StdDev: stdDev(prices),
		Min:    lo,
		Max:    hi,
	}
}
