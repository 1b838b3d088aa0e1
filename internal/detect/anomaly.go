package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// Detection method names reported in AnomalyResult.Methods.
const (
	MethodZScore       = "z_score"
	MethodIQR          = "iqr"
	MethodIsolation    = "isolation_forest"
	MethodRateOfChange = "rate_of_change"
	MethodBelowMinimum = "below_minimum"
)

// AnomalyResult is the ensemble verdict for one price.
type AnomalyResult struct {
	IsAnomaly      bool
	Score          float64
	Methods        []string
	Confidence     float64
	ZScore         *float64
	IQROutlier     bool
	IsolationScore *float64
	RateOfChange   *float64
	Reasons        []string
}

// Significant reports agreement between methods or a high score.
func (r AnomalyResult) Significant() bool {
	return r.IsAnomaly && (len(r.Methods) >= 2 || r.Score >= 0.8)
}

// Summary renders the result for logs.
func (r AnomalyResult) Summary() string {
	if !r.IsAnomaly {
		return "normal price"
	}
	return fmt.Sprintf("anomaly detected by: %s (score: %.2f)", strings.Join(r.Methods, ", "), r.Score)
}

// AnomalyDetector combines statistical tests, an optional outlier model and optional
// ensemble scorers into one anomaly score.
type AnomalyDetector struct {
	history  storage.PriceHistoryStore
	baseline *BaselineCalculator
	cfg      config.AnomalyConfig
	limit    int
	model    *Forest
	scorers  []Scorer
	logger   zerolog.Logger
}

// NewAnomalyDetector constructs a detector without an outlier model.
func NewAnomalyDetector(history storage.PriceHistoryStore, baseline *BaselineCalculator, cfg config.AnomalyConfig, historyLimit int, logger zerolog.Logger) *AnomalyDetector {
	d := &AnomalyDetector{
		history:  history,
		baseline: baseline,
		cfg:      cfg,
		limit:    historyLimit,
		logger:   logger.With().Str("component", "anomaly_detector").Logger(),
	}
	if cfg.EnsembleEnabled {
		d.scorers = DefaultScorers()
	}
	return d
}

// LoadModel attaches the outlier model at path. Failures are logged and leave the
// detector on its statistical methods.
func (d *AnomalyDetector) LoadModel(path string) bool {
	if path == "" {
		return false
	}
	model, err := LoadModel(path)
	if err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("outlier model unavailable, using statistical methods only")
		return false
	}
	d.model = model
	d.logger.Info().Str("path", path).Int("trees", len(model.Trees)).Msg("loaded outlier model")
	return true
}

// UseModel attaches an in-memory model.
func (d *AnomalyDetector) UseModel(model *Forest) {
	d.model = model
}

// UseScorers replaces the ensemble scorers.
func (d *AnomalyDetector) UseScorers(scorers ...Scorer) {
	d.scorers = scorers
}

// Detect loads the product history and evaluates current against it.
func (d *AnomalyDetector) Detect(ctx context.Context, productID int64, current decimal.Decimal, original *decimal.Decimal) (AnomalyResult, error) {
	history, err := d.history.ListObservations(ctx, productID, time.Time{}, d.limit)
	if err != nil {
		return AnomalyResult{}, fmt.Errorf("anomaly history: %w", err)
	}
	var orig float64
	if positive(original) {
		orig = toFloat(*original)
	}
	return d.Evaluate(history, toFloat(current), orig), nil
}

// Evaluate scores current against history (newest first). original is zero when unknown.
func (d *AnomalyDetector) Evaluate(history []storage.PriceObservation, current, original float64) AnomalyResult {
	var res AnomalyResult
	scores := make([]float64, 0, 5)
	fire := func(method string, score float64, reason string) {
		res.Methods = append(res.Methods, method)
		res.Reasons = append(res.Reasons, reason)
		scores = append(scores, score)
	}

	prices := make([]float64, 0, len(history))
	for _, obs := range history {
		if obs.Price.Sign() > 0 {
			prices = append(prices, toFloat(obs.Price))
		}
	}

	stats, statsErr := d.baseline.Statistics(history, 0)
	if statsErr == nil && stats.StdDev > 0 {
		z := (current - stats.Mean) / stats.StdDev
		res.ZScore = &z
		if z < d.cfg.ZThreshold {
			fire(MethodZScore, math.Min(1, math.Abs(z)/4), fmt.Sprintf("z-score %.2f below threshold %.2f", z, d.cfg.ZThreshold))
		}
	}

	if len(prices) >= 4 {
		q1, q3 := quartiles(prices)
		lower := q1 - d.cfg.IQRMultiplier*(q3-q1)
		if current < lower {
			res.IQROutlier = true
			fire(MethodIQR, 0.7, fmt.Sprintf("below IQR lower bound ($%.2f)", lower))
		}
	}

	baseline, baselineErr := d.baseline.Baseline(0, history)
	if d.model != nil && baselineErr == nil {
		s := d.model.Score(Features(current, baseline, original))
		res.IsolationScore = &s
		if s > d.cfg.ModelThreshold {
			fire(MethodIsolation, s, fmt.Sprintf("isolation forest score: %.3f", s))
		}
	}

	for _, scorer := range d.scorers {
		triggered, s := scorer.Score(prices, current)
		if triggered {
			fire(scorer.Name(), clamp(s, 0, 1), fmt.Sprintf("%s score: %.3f", scorer.Name(), s))
		}
	}

	if len(history) >= 2 {
		recent := prices
		if window := d.cfg.RecentWindow; window > 0 && len(recent) > window {
			recent = recent[:window]
		}
		if avg := mean(recent); avg > 0 {
			roc := (avg - current) / avg * 100
			res.RateOfChange = &roc
			if roc >= d.cfg.RateOfChange*100 {
				fire(MethodRateOfChange, math.Min(1, roc/100), fmt.Sprintf("%.1f%% drop from recent average", roc))
			}
		}
	}

	if baselineErr == nil && baseline.MinSeen > 0 && current < baseline.MinSeen {
		discount := (1 - current/baseline.MinSeen) * 100
		fire(MethodBelowMinimum, math.Min(1, discount/50), fmt.Sprintf("below historical minimum by %.1f%%", discount))
	}

	res.Score = d.aggregate(scores)
	res.IsAnomaly = len(res.Methods) > 0 || res.Score > d.cfg.ScoreThreshold
	res.Confidence = detectionConfidence(len(history), len(res.Methods), baseline.Stability, baselineErr == nil)
	return res
}

// aggregate is the mean sub-score, boosted when several methods agree and capped at 1.
func (d *AnomalyDetector) aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	score := mean(scores)
	if len(scores) >= 2 {
		score = math.Min(1, score*d.cfg.TwoMethodBoost)
	}
	if len(scores) >= 3 {
		score = math.Min(1, score*d.cfg.ThreeMethodBoost)
	}
	return score
}

func detectionConfidence(historyCount, methods int, stability float64, haveBaseline bool) float64 {
	confidence := 0.5
	switch {
	case historyCount >= 20:
		confidence += 0.2
	case historyCount >= 10:
		confidence += 0.1
	}
	switch {
	case methods >= 3:
		confidence += 0.2
	case methods >= 2:
		confidence += 0.1
	}
	if haveBaseline && stability > 0.8 {
		confidence += 0.1
	}
	return math.Min(1, confidence)
}

// Composite component names.
const (
	ComponentDiscount    = "discount_percent"
	ComponentZScore      = "z_score"
	ComponentPriceDrop   = "price_drop"
	ComponentVolatility  = "volatility"
	ComponentComparative = "comparative"
	ComponentMSRP        = "msrp_deviation"
)

// CompositeResult blends independent price signals into one weighted score.
type CompositeResult struct {
	Score       float64
	Confidence  float64
	Components  map[string]float64
	IsAnomalous bool
	Threshold   float64
}

// CompositeScorer computes the weighted composite anomaly score.
type CompositeScorer struct {
	detector    *AnomalyDetector
	comparative *ComparativeEngine
	msrp        *MSRPService
	cfg         config.CompositeConfig
}

// NewCompositeScorer wires the composite score. comparative and msrp may be nil.
func NewCompositeScorer(detector *AnomalyDetector, comparative *ComparativeEngine, msrp *MSRPService, cfg config.CompositeConfig) *CompositeScorer {
	return &CompositeScorer{detector: detector, comparative: comparative, msrp: msrp, cfg: cfg}
}

// Score evaluates current for product.
func (c *CompositeScorer) Score(ctx context.Context, product storage.Product, current decimal.Decimal, original *decimal.Decimal) (CompositeResult, error) {
	components := make(map[string]float64, 6)
	price := toFloat(current)

	var orig float64
	components[ComponentDiscount] = 0
	if positive(original) {
		orig = toFloat(*original)
		components[ComponentDiscount] = clamp(1-price/orig, 0, 1)
	}

	history, err := c.detector.history.ListObservations(ctx, product.ID, time.Time{}, c.detector.limit)
	if err != nil {
		return CompositeResult{}, fmt.Errorf("composite history: %w", err)
	}
	anomaly := c.detector.Evaluate(history, price, orig)
	components[ComponentZScore] = 0
	if anomaly.ZScore != nil && *anomaly.ZScore < 0 {
		components[ComponentZScore] = math.Min(1, math.Abs(*anomaly.ZScore)/4)
	}

	components[ComponentPriceDrop] = 0
	if positive(product.BaselinePrice) {
		components[ComponentPriceDrop] = clamp(1-price/toFloat(*product.BaselinePrice), 0, 1)
	}

	components[ComponentVolatility] = 0
	if baseline, err := c.detector.baseline.Baseline(product.ID, history); err == nil {
		components[ComponentVolatility] = 1 - baseline.Stability
	}

	components[ComponentComparative] = 0
	comparativeConfidence := 0.0
	if c.comparative != nil && product.SKU != "" {
		cmp, err := c.comparative.Compare(ctx, current, product.SKU)
		if err != nil {
			return CompositeResult{}, err
		}
		comparativeConfidence = cmp.Confidence
		if cmp.IsAnomalous {
			components[ComponentComparative] = cmp.Confidence
		}
	}

	components[ComponentMSRP] = 0
	if c.msrp != nil {
		anomalous, discount, err := c.msrp.IsAnomalousDiscount(ctx, current, product)
		if err != nil {
			return CompositeResult{}, err
		}
		if anomalous {
			components[ComponentMSRP] = math.Min(1, discount/100)
		}
	}

	score := math.Min(1, weightedSum(components, c.cfg))
	return CompositeResult{
		Score:       score,
		Confidence:  compositeConfidence(components, anomaly.Confidence, comparativeConfidence),
		Components:  components,
		IsAnomalous: score >= c.cfg.Threshold,
		Threshold:   c.cfg.Threshold,
	}, nil
}

func weightedSum(components map[string]float64, cfg config.CompositeConfig) float64 {
	return components[ComponentDiscount]*cfg.DiscountWeight +
		components[ComponentZScore]*cfg.ZWeight +
		components[ComponentPriceDrop]*cfg.PriceDropWeight +
		components[ComponentVolatility]*cfg.VolatilityWeight +
		components[ComponentComparative]*cfg.ComparativeWeight +
		components[ComponentMSRP]*cfg.MSRPWeight
}

func compositeConfidence(components map[string]float64, anomalyConfidence, comparativeConfidence float64) float64 {
	confidence := anomalyConfidence * 0.5
	if comparativeConfidence > 0.7 {
		confidence += 0.3
	}
	high := 0
	for _, v := range components {
		if v > 0.7 {
			high++
		}
	}
	switch {
	case high >= 3:
		confidence += 0.2
	case high >= 2:
		confidence += 0.1
	}
	return math.Min(1, confidence)
}
