package candidate

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// Signal metadata keys read by the priority score.
const (
	MetaBaselinePrice  = "baseline_price"
	MetaMSRP           = "msrp"
	MetaPriceChanges24 = "price_change_count_24h"
)

// Priority scores a signal; higher scores are processed sooner.
func Priority(signal storage.Signal, cfg config.QueueConfig) int {
	score := 0
	price := signal.DetectedPrice

	if price != nil && price.LessThanOrEqual(decimal.NewFromFloat(cfg.PennyThreshold)) {
		score += cfg.PennyBonus
	}

	if discount, ok := inferDiscount(price, signal.Metadata); ok {
		switch {
		case discount >= 70:
			score += cfg.DeepDiscountBonus
		case discount >= 50:
			score += cfg.DiscountBonus
		}
	}

	if changes, ok := metaFloat(signal.Metadata, MetaPriceChanges24); ok && changes >= 2 {
		score += cfg.VolatilityBonus
	}

	if price != nil && price.GreaterThanOrEqual(decimal.NewFromFloat(cfg.HighPriceThreshold)) {
		score += cfg.HighPriceBonus
	}

	signalType := strings.ToLower(signal.SignalType)
	for _, fast := range cfg.FastSignalTypes {
		if signalType == strings.ToLower(fast) {
			score += cfg.FastSignalBonus
			break
		}
	}
	return score
}

// inferDiscount returns the percent below the reference price carried in metadata.
func inferDiscount(price *decimal.Decimal, meta map[string]any) (float64, bool) {
	if price == nil {
		return 0, false
	}
	reference, ok := metaFloat(meta, MetaBaselinePrice)
	if !ok || reference <= 0 {
		reference, ok = metaFloat(meta, MetaMSRP)
	}
	if !ok || reference <= 0 {
		return 0, false
	}
	p, _ := price.Float64()
	return (1 - p/reference) * 100, true
}

func metaFloat(meta map[string]any, key string) (float64, bool) {
	raw, ok := meta[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	default:
		return 0, false
	}
}
