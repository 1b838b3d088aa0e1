package detect

import "math"

// Scorer is an optional ensemble method over a product's price history.
type Scorer interface {
	Name() string
	Score(history []float64, current float64) (bool, float64)
}

// DensityScorer flags prices below the mean whose Gaussian density, relative to the
// peak density, falls under MinRelativeDensity.
type DensityScorer struct {
	MinRelativeDensity float64
}

func (DensityScorer) Name() string { return "density" }

func (s DensityScorer) Score(history []float64, current float64) (bool, float64) {
	if len(history) < 3 {
		return false, 0
	}
	limit := s.MinRelativeDensity
	if limit <= 0 {
		limit = 0.05
	}
	m := mean(history)
	sd := stdDev(history)
	if sd == 0 {
		if current < m {
			return true, 1
		}
		return false, 0
	}
	z := (current - m) / sd
	relative := math.Exp(-z * z / 2)
	score := 1 - relative
	return current < m && relative < limit, score
}

// ReconstructionScorer treats the history mean as the reconstruction of a price and
// flags relative errors below the mean of at least Threshold.
type ReconstructionScorer struct {
	Threshold float64
}

func (ReconstructionScorer) Name() string { return "reconstruction" }

func (s ReconstructionScorer) Score(history []float64, current float64) (bool, float64) {
	if len(history) == 0 {
		return false, 0
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	m := mean(history)
	if m <= 0 {
		return false, 0
	}
	drop := (m - current) / m
	score := clamp(drop, 0, 1)
	return drop >= threshold, score
}

// DefaultScorers is the built-in ensemble.
func DefaultScorers() []Scorer {
	return []Scorer{DensityScorer{MinRelativeDensity: 0.05}, ReconstructionScorer{Threshold: 0.5}}
}
