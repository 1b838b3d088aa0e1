package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/normalize"
	"pricewatch/internal/storage"
)

// Result is the outcome of evaluating rules against one normalized price.
type Result struct {
	Triggered  bool
	Rule       *Rule
	Reason     string
	Confidence float64
	Anomaly    *AnomalyResult
}

// Input is one price to evaluate.
type Input struct {
	Product    storage.Product
	Price      normalize.Price
	SignalType string
}

// Engine evaluates enabled rules in priority order; the first rule to trigger wins.
type Engine struct {
	rules       storage.RuleStore
	history     storage.PriceHistoryStore
	anomaly     *AnomalyDetector
	comparative *ComparativeEngine
	cfg         config.DetectionConfig
	now         func() time.Time
	logger      zerolog.Logger
}

// NewEngine wires the detection engine. anomaly and comparative may be nil.
func NewEngine(rules storage.RuleStore, history storage.PriceHistoryStore, anomaly *AnomalyDetector, comparative *ComparativeEngine, cfg config.DetectionConfig, now func() time.Time, logger zerolog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		rules:       rules,
		history:     history,
		anomaly:     anomaly,
		comparative: comparative,
		cfg:         cfg,
		now:         now,
		logger:      logger.With().Str("component", "detection_engine").Logger(),
	}
}

// Detect runs the rules against in.Price.
func (e *Engine) Detect(ctx context.Context, in Input) (Result, error) {
	price := in.Price
	if price.Availability == normalize.OutOfStock && price.Confidence < e.cfg.OutOfStockMinConfidence {
		return Result{Reason: "product out of stock", Confidence: price.Confidence}, nil
	}

	rules, err := e.loadRules(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(rules) == 0 {
		return Result{Reason: "no rules configured", Confidence: price.Confidence}, nil
	}

	ruleInput, err := e.buildInput(ctx, in, rules)
	if err != nil {
		return Result{}, err
	}

	for i := range rules {
		rule := rules[i]
		triggered, reason := rule.Evaluate(ruleInput)
		if !triggered {
			continue
		}

		if rule.Kind == RuleVelocity {
			ok, err := e.velocityOK(ctx, in.Product.ID)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				e.logger.Warn().Str("sku", in.Product.SKU).Str("rule", rule.Label()).Msg("velocity check failed, likely bad data")
				continue
			}
		}

		confidence := price.Confidence * e.cfg.ConfidenceFactor
		var anomaly *AnomalyResult
		if e.anomaly != nil {
			res, err := e.anomaly.Detect(ctx, in.Product.ID, price.Price, price.OriginalPrice)
			if err != nil {
				e.logger.Warn().Err(err).Int64("product_id", in.Product.ID).Msg("anomaly detection failed")
			} else {
				anomaly = &res
				if res.IsAnomaly && res.Score > e.cfg.MLBoostScore {
					confidence = math.Min(1, confidence+e.cfg.MLBoost)
					reason += fmt.Sprintf(" (anomaly score: %.2f)", res.Score)
				}
			}
		}

		e.logger.Info().
			Str("sku", in.Product.SKU).
			Str("rule", rule.Label()).
			Float64("confidence", confidence).
			Msg(reason)
		return Result{
			Triggered:  true,
			Rule:       &rule,
			Reason:     reason,
			Confidence: confidence,
			Anomaly:    anomaly,
		}, nil
	}

	return Result{Reason: "no rules triggered", Confidence: price.Confidence}, nil
}

func (e *Engine) loadRules(ctx context.Context) ([]Rule, error) {
	records, err := e.rules.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]Rule, 0, len(records))
	for _, rec := range records {
		rule, err := RuleFromRecord(rec)
		if err != nil {
			e.logger.Warn().Err(err).Msg("skip invalid rule")
			continue
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (e *Engine) buildInput(ctx context.Context, in Input, rules []Rule) (RuleInput, error) {
	ruleInput := RuleInput{
		Current:          in.Price.Price,
		MSRP:             in.Price.MSRP,
		PriceText:        in.Price.PriceText,
		SignalType:       in.SignalType,
		PennyExpectedMin: decimal.NewFromFloat(e.cfg.PennyExpectedMin),
	}
	if !positive(ruleInput.MSRP) {
		ruleInput.MSRP = in.Product.MSRP
	}

	baseline, err := e.baselinePrice(ctx, in.Product.ID)
	if err != nil {
		return RuleInput{}, err
	}
	if baseline == nil {
		baseline = in.Product.BaselinePrice
	}
	ruleInput.Baseline = baseline

	latest, err := e.history.ListObservations(ctx, in.Product.ID, time.Time{}, 1)
	if err != nil {
		return RuleInput{}, fmt.Errorf("previous price: %w", err)
	}
	if len(latest) == 1 {
		prev := latest[0].Price
		ruleInput.Previous = &prev
	}

	for _, rule := range rules {
		switch rule.Kind {
		case RuleVariantDiscrepancy:
			if ruleInput.Siblings != nil {
				continue
			}
			siblings, err := e.history.ListSiblingPrices(ctx, in.Product.Store, baseSKU(in.Product.SKU), in.Product.ID)
			if err != nil {
				return RuleInput{}, fmt.Errorf("sibling prices: %w", err)
			}
			ruleInput.Siblings = siblings
		case RuleCategoryOutlier:
			if ruleInput.Category != nil || e.comparative == nil || in.Product.Category == "" {
				continue
			}
			stats, err := e.comparative.CategoryStats(ctx, in.Product.Category)
			if err != nil && !errors.Is(err, ErrInsufficientData) {
				return RuleInput{}, err
			}
			if err == nil {
				ruleInput.Category = &stats
			}
		}
	}
	return ruleInput, nil
}

// baselinePrice averages high-confidence observations inside the baseline window.
func (e *Engine) baselinePrice(ctx context.Context, productID int64) (*decimal.Decimal, error) {
	since := e.now().Add(-e.cfg.BaselineWindow)
	history, err := e.history.ListObservations(ctx, productID, since, 0)
	if err != nil {
		return nil, fmt.Errorf("baseline history: %w", err)
	}
	sum := decimal.Zero
	n := 0
	for _, obs := range history {
		if obs.Confidence < e.cfg.BaselineMinConfidence {
			continue
		}
		sum = sum.Add(obs.Price)
		n++
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum.Div(decimal.NewFromInt(int64(n)))
	return &avg, nil
}

// velocityOK rejects products whose price flapped across too many values recently.
func (e *Engine) velocityOK(ctx context.Context, productID int64) (bool, error) {
	since := e.now().Add(-e.cfg.VelocityWindow)
	history, err := e.history.ListObservations(ctx, productID, since, 0)
	if err != nil {
		return false, fmt.Errorf("velocity history: %w", err)
	}
	distinct := make(map[string]struct{}, len(history))
	for _, obs := range history {
		distinct[obs.Price.StringFixed(2)] = struct{}{}
	}
	return len(distinct) <= e.cfg.VelocityMaxDistinct, nil
}

// baseSKU strips a trailing variant suffix such as "-RED" or "-XL".
func baseSKU(sku string) string {
	if i := strings.LastIndex(sku, "-"); i > 0 {
		return sku[:i]
	}
	return sku
}
