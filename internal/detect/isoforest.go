package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
)

// eulerGamma approximates the harmonic number tail in c(n).
const eulerGamma = 0.5772156649

var (
	// ErrEmptyModel is returned when a model has no trees.
	ErrEmptyModel = errors.New("detect: outlier model has no trees")
	// ErrCorruptModel is returned when a model's trees cannot be scored.
	ErrCorruptModel = errors.New("detect: outlier model is corrupt")
)

type treeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Size      int       `json:"n,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
}

func (n *treeNode) leaf() bool {
	return n.Left == nil || n.Right == nil
}

// Forest is an isolation forest over baseline feature vectors.
type Forest struct {
	SampleSize int         `json:"sample_size"`
	Features   []string    `json:"features"`
	Trees      []*treeNode `json:"trees"`
}

// LoadModel reads a JSON forest from path.
func LoadModel(path string) (*Forest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var forest Forest
	if err := json.Unmarshal(raw, &forest); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(forest.Trees) == 0 {
		return nil, ErrEmptyModel
	}
	for i, tree := range forest.Trees {
		if err := validateTree(tree, len(FeatureNames)); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %w", ErrCorruptModel, i, err)
		}
	}
	return &forest, nil
}

func validateTree(n *treeNode, width int) error {
	if n == nil {
		return errors.New("null node")
	}
	if n.leaf() {
		if n.Size < 0 {
			return fmt.Errorf("negative leaf size %d", n.Size)
		}
		return nil
	}
	if n.Feature < 0 || n.Feature >= width {
		return fmt.Errorf("feature index %d outside [0, %d)", n.Feature, width)
	}
	if err := validateTree(n.Left, width); err != nil {
		return err
	}
	return validateTree(n.Right, width)
}

// Save writes the forest as JSON.
func (f *Forest) Save(path string) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// Fit trains a forest of trees, each grown on a random subsample of samples.
func Fit(samples [][]float64, trees, sampleSize int, seed uint64) (*Forest, error) {
	if len(samples) < 2 {
		return nil, fmt.Errorf("%w: %d samples", ErrInsufficientData, len(samples))
	}
	width := len(samples[0])
	for i, s := range samples {
		if len(s) != width {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(s), width)
		}
	}
	if trees <= 0 {
		trees = 100
	}
	if sampleSize <= 0 || sampleSize > len(samples) {
		sampleSize = min(256, len(samples))
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))

	forest := &Forest{SampleSize: sampleSize, Features: FeatureNames, Trees: make([]*treeNode, 0, trees)}
	for range trees {
		perm := rng.Perm(len(samples))[:sampleSize]
		rows := make([][]float64, sampleSize)
		for i, idx := range perm {
			rows[i] = samples[idx]
		}
		forest.Trees = append(forest.Trees, growTree(rng, rows, 0, heightLimit))
	}
	return forest, nil
}

func growTree(rng *rand.Rand, rows [][]float64, depth, limit int) *treeNode {
	if depth >= limit || len(rows) <= 1 {
		return &treeNode{Size: len(rows)}
	}

	width := len(rows[0])
	for _, feature := range rng.Perm(width) {
		lo, hi := rows[0][feature], rows[0][feature]
		for _, r := range rows[1:] {
			lo = math.Min(lo, r[feature])
			hi = math.Max(hi, r[feature])
		}
		if lo == hi {
			continue
		}
		threshold := lo + rng.Float64()*(hi-lo)
		left := make([][]float64, 0, len(rows))
		right := make([][]float64, 0, len(rows))
		for _, r := range rows {
			if r[feature] < threshold {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}
		return &treeNode{
			Feature:   feature,
			Threshold: threshold,
			Left:      growTree(rng, left, depth+1, limit),
			Right:     growTree(rng, right, depth+1, limit),
		}
	}
	return &treeNode{Size: len(rows)}
}

// Score returns the anomaly score s = 2^(-E[h(x)]/c(n)) in [0, 1].
func (f *Forest) Score(x []float64) float64 {
	if f == nil || len(f.Trees) == 0 {
		return 0
	}
	norm := averagePathLength(f.SampleSize)
	if norm <= 0 {
		return 0
	}
	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	return math.Pow(2, -(total/float64(len(f.Trees)))/norm)
}

func pathLength(n *treeNode, x []float64, depth int) float64 {
	for !n.leaf() {
		if n.Feature < 0 || n.Feature >= len(x) {
			break
		}
		if x[n.Feature] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		harmonic := math.Log(fn-1) + eulerGamma
		return 2*harmonic - 2*(fn-1)/fn
	}
}
