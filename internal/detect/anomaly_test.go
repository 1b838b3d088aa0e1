package detect

import (
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

func newDetector() *AnomalyDetector {
	return NewAnomalyDetector(storage.NewMemoryStore(), NewBaselineCalculator(baselineConfig(), fixedNow), anomalyConfig(), 100, zerolog.Nop())
}

func TestAggregateBoostsAgreement(t *testing.T) {
	d := newDetector()
	cases := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{name: "none", scores: nil, want: 0},
		{name: "single", scores: []float64{0.6}, want: 0.6},
		{name: "two methods", scores: []float64{0.6, 0.8}, want: 0.84},
		{name: "two capped", scores: []float64{0.9, 0.95}, want: 1},
		{name: "three methods", scores: []float64{0.3, 0.4, 0.5}, want: 0.4 * 1.2 * 1.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.aggregate(tc.scores)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("aggregate(%v) = %f, want %f", tc.scores, got, tc.want)
			}
		})
	}
}

func TestQuartilesUseFloorIndices(t *testing.T) {
	q1, q3 := quartiles([]float64{8, 1, 7, 2, 6, 3, 5, 4})
	if q1 != 3 || q3 != 7 {
		t.Fatalf("expected q1=3 q3=7, got %v %v", q1, q3)
	}
}

func TestEvaluateNormalPrice(t *testing.T) {
	d := newDetector()
	h := history(point{50, days(1)}, point{49, days(2)}, point{51, days(3)}, point{50, days(4)}, point{50, days(5)})

	res := d.Evaluate(h, 50, 0)
	if res.IsAnomaly || len(res.Methods) != 0 || res.Score != 0 {
		t.Fatalf("expected normal price, got %+v", res)
	}
	if res.ZScore == nil || res.RateOfChange == nil {
		t.Fatalf("expected z-score and rate of change to be reported, got %+v", res)
	}
	if math.Abs(res.Confidence-0.6) > 1e-9 {
		t.Fatalf("expected confidence 0.6 for short stable history, got %f", res.Confidence)
	}
}

func TestEvaluateFlagsDeepDrop(t *testing.T) {
	d := newDetector()
	h := history(
		point{50, days(1)}, point{49, days(2)}, point{51, days(3)}, point{50, days(4)}, point{50, days(5)},
		point{49, days(6)}, point{51, days(7)}, point{50, days(8)}, point{50, days(9)}, point{50, days(10)},
	)

	res := d.Evaluate(h, 4.99, 0)
	if !res.IsAnomaly || !res.IQROutlier {
		t.Fatalf("expected anomaly with iqr outlier, got %+v", res)
	}
	want := map[string]bool{MethodZScore: true, MethodIQR: true, MethodRateOfChange: true, MethodBelowMinimum: true}
	if len(res.Methods) != len(want) {
		t.Fatalf("unexpected methods %v", res.Methods)
	}
	for _, m := range res.Methods {
		if !want[m] {
			t.Fatalf("unexpected method %s", m)
		}
	}
	if res.Score != 1 {
		t.Fatalf("expected capped score 1, got %f", res.Score)
	}
	// 0.5 + 0.1 (10 observations) + 0.2 (>=3 methods) + 0.1 (stable)
	if math.Abs(res.Confidence-0.9) > 1e-9 {
		t.Fatalf("expected confidence 0.9, got %f", res.Confidence)
	}
}

func TestEvaluateRunsEnsembleScorers(t *testing.T) {
	d := newDetector()
	d.UseScorers(DefaultScorers()...)
	h := history(point{50, days(1)}, point{49, days(2)}, point{51, days(3)})

	res := d.Evaluate(h, 10, 0)
	found := map[string]bool{}
	for _, m := range res.Methods {
		found[m] = true
	}
	if !found["density"] || !found["reconstruction"] {
		t.Fatalf("expected ensemble scorers to fire, got %v", res.Methods)
	}
}

func TestLoadModelDegradesGracefully(t *testing.T) {
	d := newDetector()
	if d.LoadModel(filepath.Join(t.TempDir(), "missing.json")) {
		t.Fatal("missing model should not load")
	}

	corrupt := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if d.LoadModel(corrupt) {
		t.Fatal("corrupt model should not load")
	}

	h := history(point{50, days(1)}, point{49, days(2)}, point{51, days(3)}, point{50, days(4)})
	res := d.Evaluate(h, 5, 0)
	if !res.IsAnomaly || res.IsolationScore != nil {
		t.Fatalf("expected statistical detection without model, got %+v", res)
	}
}

func TestLoadModelRejectsUnscorableTrees(t *testing.T) {
	cases := []struct {
		name  string
		model string
	}{
		{name: "null tree", model: `{"sample_size":4,"trees":[null]}`},
		{name: "negative feature", model: `{"sample_size":4,"trees":[{"f":-1,"t":1,"l":{"n":1},"r":{"n":1}}]}`},
		{name: "feature out of range", model: `{"sample_size":4,"trees":[{"f":9,"t":1,"l":{"n":1},"r":{"n":1}}]}`},
		{name: "nested bad feature", model: `{"sample_size":4,"trees":[{"f":0,"t":1,"l":{"n":1},"r":{"f":-3,"t":2,"l":{"n":1},"r":{"n":1}}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.json")
			if err := os.WriteFile(path, []byte(tc.model), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadModel(path); !errors.Is(err, ErrCorruptModel) {
				t.Fatalf("LoadModel err = %v, want ErrCorruptModel", err)
			}
			d := newDetector()
			if d.LoadModel(path) {
				t.Fatal("corrupt model must not be attached")
			}
			h := history(point{50, days(1)}, point{49, days(2)}, point{51, days(3)}, point{50, days(4)})
			if res := d.Evaluate(h, 5, 0); !res.IsAnomaly || res.IsolationScore != nil {
				t.Fatalf("expected statistical detection, got %+v", res)
			}
		})
	}

	valid := filepath.Join(t.TempDir(), "valid.json")
	if err := os.WriteFile(valid, []byte(`{"sample_size":4,"trees":[{"f":0,"t":1,"l":{"n":1},"r":{"n":3}}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadModel(valid); err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}
}

func TestForestSeparatesOutliers(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	samples := make([][]float64, 0, 300)
	for range 300 {
		samples = append(samples, []float64{
			1 + rng.NormFloat64()*0.03,
			10 + rng.NormFloat64()*2,
			0.95,
			rng.NormFloat64() * 0.02,
			0.5 + rng.NormFloat64()*0.1,
		})
	}

	forest, err := Fit(samples, 100, 128, 42)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	inlier := forest.Score([]float64{1, 10, 0.95, 0, 0.5})
	outlier := forest.Score([]float64{0.1, 90, 0.95, 0.9, -4})
	if outlier <= inlier {
		t.Fatalf("expected outlier score %f above inlier score %f", outlier, inlier)
	}
	if outlier <= 0.5 {
		t.Fatalf("expected outlier score above 0.5, got %f", outlier)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := forest.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	d := newDetector()
	if !d.LoadModel(path) {
		t.Fatal("expected saved model to load")
	}
}

func TestFitRejectsTinySample(t *testing.T) {
	if _, err := Fit([][]float64{{1, 2}}, 10, 10, 1); err == nil {
		t.Fatal("expected error for a single sample")
	}
}

func TestCompositeWeightsAndConfidence(t *testing.T) {
	cfg := compositeConfig()
	components := map[string]float64{
		ComponentDiscount:    0.9,
		ComponentZScore:      1,
		ComponentPriceDrop:   0.9,
		ComponentVolatility:  0.1,
		ComponentComparative: 0,
		ComponentMSRP:        0.9,
	}
	got := weightedSum(components, cfg)
	want := 0.9*0.25 + 1*0.20 + 0.9*0.15 + 0.1*0.10 + 0.9*0.15
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("weighted sum %f, want %f", got, want)
	}
	if conf := compositeConfidence(components, 0.8, 0.9); math.Abs(conf-0.9) > 1e-9 {
		t.Fatalf("expected confidence 0.9, got %f", conf)
	}
	if conf := compositeConfidence(map[string]float64{ComponentDiscount: 0.8, ComponentZScore: 0.9}, 0.6, 0); math.Abs(conf-0.4) > 1e-9 {
		t.Fatalf("expected confidence 0.4, got %f", conf)
	}
}

func compositeConfig() config.CompositeConfig {
	return config.CompositeConfig{
		Threshold:         0.6,
		DiscountWeight:    0.25,
		ZWeight:           0.20,
		PriceDropWeight:   0.15,
		VolatilityWeight:  0.10,
		ComparativeWeight: 0.15,
		MSRPWeight:        0.15,
	}
}
