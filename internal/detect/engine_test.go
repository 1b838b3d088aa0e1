package detect

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/normalize"
	"pricewatch/internal/storage"
)

func detectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		OutOfStockMinConfidence: 0.8,
		BaselineWindow:          30 * 24 * time.Hour,
		BaselineMinConfidence:   0.7,
		VelocityWindow:          10 * time.Minute,
		VelocityMaxDistinct:     3,
		ConfidenceFactor:        0.9,
		MLBoostScore:            0.7,
		MLBoost:                 0.1,
		PennyExpectedMin:        50,
		Anomaly:                 anomalyConfig(),
	}
}

func anomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		ZThreshold:       -2.5,
		IQRMultiplier:    1.5,
		RateOfChange:     0.5,
		RecentWindow:     5,
		ScoreThreshold:   0.5,
		ModelThreshold:   0.5,
		TwoMethodBoost:   1.2,
		ThreeMethodBoost: 1.1,
	}
}

type engineFixture struct {
	store   *storage.MemoryStore
	product storage.Product
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	product, err := store.EnsureProduct(context.Background(), storage.Product{Store: "retailer-x", SKU: "P123", Category: "audio"})
	if err != nil {
		t.Fatalf("ensure product: %v", err)
	}
	return engineFixture{store: store, product: product}
}

func (f engineFixture) observe(t *testing.T, price float64, age time.Duration) {
	t.Helper()
	_, err := f.store.AddObservation(context.Background(), storage.PriceObservation{
		ProductID:  f.product.ID,
		Price:      decimal.NewFromFloat(price),
		Confidence: 0.9,
		FetchedAt:  testNow.Add(-age),
	})
	if err != nil {
		t.Fatalf("add observation: %v", err)
	}
}

func (f engineFixture) rule(t *testing.T, name, kind string, threshold float64, priority int) {
	t.Helper()
	err := f.store.EnsureRule(context.Background(), storage.RuleRecord{
		Name:      name,
		RuleType:  kind,
		Threshold: decimal.NewFromFloat(threshold),
		Enabled:   true,
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("ensure rule: %v", err)
	}
}

func inStock(price float64, confidence float64) normalize.Price {
	return normalize.Price{
		Price:        decimal.NewFromFloat(price),
		Availability: normalize.InStock,
		Confidence:   confidence,
		FetchedAt:    testNow,
	}
}

func TestEngineHighestPriorityRuleWins(t *testing.T) {
	f := newEngineFixture(t)
	for i := 1; i <= 3; i++ {
		f.observe(t, 49.99, days(i))
	}
	f.rule(t, "under ten", "absolute", 10, 1)
	f.rule(t, "half off", "percent_drop", 0.5, 5)

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 0.95)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.Triggered || res.Rule == nil {
		t.Fatalf("expected trigger, got %+v", res)
	}
	if res.Rule.Kind != RulePercentDrop {
		t.Fatalf("expected percent_drop to win, got %s", res.Rule.Kind)
	}
	if math.Abs(res.Confidence-0.855) > 1e-9 {
		t.Fatalf("expected confidence 0.855, got %f", res.Confidence)
	}
}

func TestEngineEqualPriorityBreaksTieByID(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, "first", "absolute", 10, 3)
	f.rule(t, "second", "absolute", 20, 3)

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 1)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Rule == nil || res.Rule.Name != "first" {
		t.Fatalf("expected lower id to win tie, got %+v", res.Rule)
	}
}

func TestEngineVelocityFlappingFallsThrough(t *testing.T) {
	f := newEngineFixture(t)
	for i, p := range []float64{47, 48, 49, 50} {
		f.observe(t, p, time.Duration(i+1)*time.Minute)
	}
	f.rule(t, "fast drop", "velocity", 0.5, 10)
	f.rule(t, "under ten", "absolute", 10, 1)

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 1)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.Triggered || res.Rule.Kind != RuleAbsolute {
		t.Fatalf("expected velocity rule to be skipped, got %+v", res)
	}
}

func TestEngineVelocityTriggersOnSteadyHistory(t *testing.T) {
	f := newEngineFixture(t)
	f.observe(t, 50, 2*time.Minute)
	f.observe(t, 50, time.Minute)
	f.rule(t, "fast drop", "velocity", 0.5, 10)

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 1)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.Triggered || res.Rule.Kind != RuleVelocity {
		t.Fatalf("expected velocity trigger, got %+v", res)
	}
}

func TestEngineSkipsLowConfidenceOutOfStock(t *testing.T) {
	f := newEngineFixture(t)
	f.rule(t, "under ten", "absolute", 10, 1)
	price := inStock(4.99, 0.5)
	price.Availability = normalize.OutOfStock

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: price})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Triggered || res.Reason != "product out of stock" {
		t.Fatalf("expected out of stock skip, got %+v", res)
	}
}

func TestEngineFallsBackToStoredBaseline(t *testing.T) {
	f := newEngineFixture(t)
	stored := decimal.NewFromInt(60)
	f.product.BaselinePrice = &stored
	f.rule(t, "half off", "percent_drop", 0.5, 5)

	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(20, 1)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.Triggered {
		t.Fatalf("expected stored baseline to be used, got %+v", res)
	}
}

func TestEngineAnomalyBoostsConfidence(t *testing.T) {
	f := newEngineFixture(t)
	for i, p := range []float64{50, 49, 51, 50, 50, 49, 51, 50, 50, 50} {
		f.observe(t, p, days(i+1))
	}
	f.rule(t, "under ten", "absolute", 10, 1)

	cfg := detectionConfig()
	calc := NewBaselineCalculator(baselineConfig(), fixedNow)
	anomaly := NewAnomalyDetector(f.store, calc, cfg.Anomaly, 100, zerolog.Nop())
	engine := NewEngine(f.store, f.store, anomaly, nil, cfg, fixedNow, zerolog.Nop())

	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 0.95)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Anomaly == nil || !res.Anomaly.IsAnomaly {
		t.Fatalf("expected anomaly result, got %+v", res.Anomaly)
	}
	if math.Abs(res.Confidence-0.955) > 1e-9 {
		t.Fatalf("expected boosted confidence 0.955, got %f", res.Confidence)
	}
}

func TestEngineNoRules(t *testing.T) {
	f := newEngineFixture(t)
	engine := NewEngine(f.store, f.store, nil, nil, detectionConfig(), fixedNow, zerolog.Nop())
	res, err := engine.Detect(context.Background(), Input{Product: f.product, Price: inStock(4.99, 1)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Triggered || res.Reason != "no rules configured" {
		t.Fatalf("unexpected result %+v", res)
	}
}
