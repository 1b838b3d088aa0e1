package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// BaselineJob keeps the baseline cache and product baseline prices current.
type BaselineJob struct {
	products storage.ProductStore
	history  storage.PriceHistoryStore
	cache    storage.BaselineCacheStore
	calc     *BaselineCalculator
	limit    int
	logger   zerolog.Logger
}

// NewBaselineJob constructs the job. limit caps the history read per product.
func NewBaselineJob(products storage.ProductStore, history storage.PriceHistoryStore, cache storage.BaselineCacheStore, calc *BaselineCalculator, limit int, logger zerolog.Logger) *BaselineJob {
	return &BaselineJob{
		products: products,
		history:  history,
		cache:    cache,
		calc:     calc,
		limit:    limit,
		logger:   logger.With().Str("component", "baseline_job").Logger(),
	}
}

// Recalculate recomputes one product's baseline and persists it.
func (j *BaselineJob) Recalculate(ctx context.Context, productID int64) (storage.ProductBaseline, error) {
	history, err := j.history.ListObservations(ctx, productID, time.Time{}, j.limit)
	if err != nil {
		return storage.ProductBaseline{}, fmt.Errorf("load history for %d: %w", productID, err)
	}
	baseline, err := j.calc.Baseline(productID, history)
	if err != nil {
		return storage.ProductBaseline{}, err
	}
	if err := j.cache.UpsertBaseline(ctx, baseline); err != nil {
		return storage.ProductBaseline{}, fmt.Errorf("cache baseline for %d: %w", productID, err)
	}
	price := decimal.NewFromFloat(baseline.CurrentBaseline).Round(2)
	if err := j.products.UpdateProductBaseline(ctx, productID, price); err != nil {
		return storage.ProductBaseline{}, fmt.Errorf("update baseline for %d: %w", productID, err)
	}
	return baseline, nil
}

// RecalculateAll recomputes every product with history. Individual failures are
// collected and do not stop the sweep.
func (j *BaselineJob) RecalculateAll(ctx context.Context) (int, error) {
	products, err := j.products.ListProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}

	updated := 0
	var errs []error
	for _, product := range products {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if _, err := j.Recalculate(ctx, product.ID); err != nil {
			if errors.Is(err, ErrInsufficientData) {
				continue
			}
			j.logger.Warn().Err(err).Int64("product_id", product.ID).Msg("baseline recalculation failed")
			errs = append(errs, err)
			continue
		}
		updated++
	}
	j.logger.Info().Int("products", len(products)).Int("updated", updated).Msg("baseline recalculation finished")
	return updated, errors.Join(errs...)
}

// TrainingSamples builds outlier model feature vectors from every product's history.
func (j *BaselineJob) TrainingSamples(ctx context.Context) ([][]float64, error) {
	products, err := j.products.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	samples := make([][]float64, 0)
	for _, product := range products {
		history, err := j.history.ListObservations(ctx, product.ID, time.Time{}, j.limit)
		if err != nil {
			return nil, fmt.Errorf("load history for %d: %w", product.ID, err)
		}
		baseline, err := j.calc.Baseline(product.ID, history)
		if err != nil {
			continue
		}
		for _, obs := range history {
			var original float64
			if positive(obs.OriginalPrice) {
				original = toFloat(*obs.OriginalPrice)
			}
			samples = append(samples, Features(toFloat(obs.Price), baseline, original))
		}
	}
	return samples, nil
}
