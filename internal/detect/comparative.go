package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// Comparison places a price against the market for the same SKU.
type Comparison struct {
	Current       float64
	MarketAverage float64
	MarketMin     float64
	MarketMax     float64
	Deviation     float64 // percent below the market average
	ZScore        *float64
	IsAnomalous   bool
	Confidence    float64
	SampleSize    int
}

// ComparativeEngine compares prices across retailers and categories.
type ComparativeEngine struct {
	prices storage.PriceHistoryStore
	cfg    config.ComparativeConfig
	now    func() time.Time
}

// NewComparativeEngine constructs the engine. now may be nil.
func NewComparativeEngine(prices storage.PriceHistoryStore, cfg config.ComparativeConfig, now func() time.Time) *ComparativeEngine {
	if now == nil {
		now = time.Now
	}
	return &ComparativeEngine{prices: prices, cfg: cfg, now: now}
}

// Compare evaluates price against every store's observations of sku in the market window.
func (c *ComparativeEngine) Compare(ctx context.Context, price decimal.Decimal, sku string) (Comparison, error) {
	raw, err := c.prices.ListSKUPrices(ctx, sku, c.now().Add(-c.cfg.Window))
	if err != nil {
		return Comparison{}, fmt.Errorf("market prices for %s: %w", sku, err)
	}
	return c.compare(toFloats(raw), toFloat(price)), nil
}

func (c *ComparativeEngine) compare(market []float64, current float64) Comparison {
	out := Comparison{Current: current, SampleSize: len(market)}
	if len(market) < c.cfg.MinPrices || len(market) == 0 {
		return out
	}

	out.MarketAverage = mean(market)
	out.MarketMin, out.MarketMax = minMax(market)
	if out.MarketAverage > 0 {
		out.Deviation = (out.MarketAverage - current) / out.MarketAverage * 100
	}

	if len(market) >= c.cfg.MinPricesForZ {
		z := 0.0
		if sd := stdDev(market); sd > 0 {
			z = (current - out.MarketAverage) / sd
		}
		out.ZScore = &z
		if z < c.cfg.ZThreshold {
			out.IsAnomalous = true
			out.Confidence = math.Min(1, math.Abs(z)/math.Abs(c.cfg.ZThreshold))
		}
		return out
	}

	if out.Deviation > c.cfg.DeviationThreshold*100 {
		out.IsAnomalous = true
		out.Confidence = math.Min(1, out.Deviation/100)
	}
	return out
}

// CategoryStats returns the distribution of latest prices within a category.
func (c *ComparativeEngine) CategoryStats(ctx context.Context, category string) (CategoryStats, error) {
	raw, err := c.prices.ListCategoryPrices(ctx, category, c.now().Add(-c.cfg.Window))
	if err != nil {
		return CategoryStats{}, fmt.Errorf("category prices for %s: %w", category, err)
	}
	prices := toFloats(raw)
	if len(prices) < c.cfg.MinPrices || len(prices) == 0 {
		return CategoryStats{}, fmt.Errorf("%w: %d category prices", ErrInsufficientData, len(prices))
	}
	return CategoryStats{Count: len(prices), Mean: mean(prices), StdDev: stdDev(prices)}, nil
}
