package detect

import "pricewatch/internal/storage"

// FeatureNames labels the outlier model's input vector.
var FeatureNames = []string{"price_ratio", "discount_percent", "stability", "min_distance", "range_position"}

// Features builds the outlier model input for a price against a product baseline.
// original is the strikethrough price, or zero when unknown.
func Features(price float64, baseline storage.ProductBaseline, original float64) []float64 {
	ratio := 1.0
	if baseline.CurrentBaseline > 0 {
		ratio = price / baseline.CurrentBaseline
	}

	discount := 0.0
	if original > 0 {
		discount = (1 - price/original) * 100
	}

	minDistance := 0.0
	if baseline.MinSeen > 0 {
		minDistance = (baseline.MinSeen - price) / baseline.MinSeen
	}

	position := 0.5
	if spread := baseline.MaxSeen - baseline.MinSeen; spread > 0 {
		position = (price - baseline.MinSeen) / spread
	}

	return []float64{ratio, discount, baseline.Stability, minDistance, position}
}
