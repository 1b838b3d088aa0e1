package detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

func comparativeConfig() config.ComparativeConfig {
	return config.ComparativeConfig{
		Window:             30 * 24 * time.Hour,
		MinPrices:          3,
		MinPricesForZ:      10,
		ZThreshold:         -3,
		DeviationThreshold: 0.5,
		CategoryZThreshold: 3,
	}
}

func TestCompareUsesDeviationForSmallSamples(t *testing.T) {
	c := NewComparativeEngine(storage.NewMemoryStore(), comparativeConfig(), fixedNow)

	cmp := c.compare([]float64{100, 100, 100}, 40)
	if !cmp.IsAnomalous || cmp.ZScore != nil {
		t.Fatalf("expected deviation-based anomaly, got %+v", cmp)
	}
	if cmp.Deviation != 60 || cmp.Confidence != 0.6 {
		t.Fatalf("unexpected deviation %.2f confidence %.2f", cmp.Deviation, cmp.Confidence)
	}

	if cmp := c.compare([]float64{100, 100}, 1); cmp.IsAnomalous || cmp.SampleSize != 2 {
		t.Fatalf("expected too few prices to be inconclusive, got %+v", cmp)
	}
}

func TestCompareUsesZScoreForLargeSamples(t *testing.T) {
	c := NewComparativeEngine(storage.NewMemoryStore(), comparativeConfig(), fixedNow)
	market := []float64{98, 102, 99, 101, 100, 100, 97, 103, 100, 100}

	cmp := c.compare(market, 80)
	if cmp.ZScore == nil || !cmp.IsAnomalous {
		t.Fatalf("expected z-score anomaly, got %+v", cmp)
	}
	if cmp.Confidence != 1 {
		t.Fatalf("expected capped confidence, got %f", cmp.Confidence)
	}

	// 45% below the average is not an anomaly once a z-score is available.
	cmp = c.compare([]float64{10, 200, 50, 150, 100, 20, 180, 90, 110, 90}, 55)
	if cmp.IsAnomalous {
		t.Fatalf("expected no anomaly for wide market, got %+v", cmp)
	}
}

func TestCategoryStatsFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for i, p := range []float64{90, 100, 110} {
		product, err := store.EnsureProduct(ctx, storage.Product{Store: "s", SKU: string(rune('A' + i)), Category: "audio"})
		if err != nil {
			t.Fatalf("ensure product: %v", err)
		}
		if _, err := store.AddObservation(ctx, storage.PriceObservation{ProductID: product.ID, Price: decimal.NewFromFloat(p), FetchedAt: testNow.Add(-time.Hour)}); err != nil {
			t.Fatalf("add observation: %v", err)
		}
	}

	c := NewComparativeEngine(store, comparativeConfig(), fixedNow)
	stats, err := c.CategoryStats(ctx, "audio")
	if err != nil {
		t.Fatalf("category stats: %v", err)
	}
	if stats.Count != 3 || stats.Mean != 100 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if _, err := c.CategoryStats(ctx, "empty"); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestMSRPServiceRefreshesFromKeepa(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/product" || r.URL.Query().Get("asin") != "B00TEST" || r.URL.Query().Get("domain") != "1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"products": []map[string]any{{"listPrice": 4999}}})
	}))
	defer srv.Close()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	product, err := store.EnsureProduct(ctx, storage.Product{Store: "amazon_us", SKU: "B00TEST"})
	if err != nil {
		t.Fatalf("ensure product: %v", err)
	}

	cfg := config.MSRPConfig{CacheTTL: 90 * 24 * time.Hour, DiscountThreshold: 0.9, KeepaStores: []string{"amazon_us"}}
	svc := NewMSRPService(store, NewKeepaClient("key", srv.URL, time.Second), cfg, fixedNow, zerolog.Nop())

	msrp, err := svc.MSRP(ctx, product)
	if err != nil {
		t.Fatalf("msrp: %v", err)
	}
	if msrp == nil || !msrp.Equal(decimal.RequireFromString("49.99")) {
		t.Fatalf("expected 49.99, got %v", msrp)
	}

	refreshed, err := store.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if refreshed.MSRPSource != "keepa" || refreshed.MSRPVerifiedAt == nil {
		t.Fatalf("expected msrp to be persisted, got %+v", refreshed)
	}

	anomalous, discount, err := svc.IsAnomalousDiscount(ctx, decimal.RequireFromString("4.99"), refreshed)
	if err != nil {
		t.Fatalf("anomalous discount: %v", err)
	}
	if !anomalous || discount < 90 {
		t.Fatalf("expected anomalous discount, got %v %.2f", anomalous, discount)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached msrp on second lookup, got %d requests", hits.Load())
	}
}

func TestMSRPServiceSkipsUnknownStores(t *testing.T) {
	svc := NewMSRPService(storage.NewMemoryStore(), NewKeepaClient("key", "http://127.0.0.1:1", time.Second), config.MSRPConfig{KeepaStores: []string{"amazon_us"}}, fixedNow, zerolog.Nop())
	stored := decimal.NewFromInt(80)

	msrp, err := svc.MSRP(context.Background(), storage.Product{Store: "other", SKU: "X", MSRP: &stored})
	if err != nil {
		t.Fatalf("msrp: %v", err)
	}
	if msrp == nil || !msrp.Equal(stored) {
		t.Fatalf("expected stored msrp, got %v", msrp)
	}
}

func TestDiscountNeverNegative(t *testing.T) {
	if d := Discount(decimal.NewFromInt(120), decimal.NewFromInt(100)); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	if d := Discount(decimal.NewFromInt(25), decimal.NewFromInt(100)); d != 75 {
		t.Fatalf("expected 75, got %f", d)
	}
}
