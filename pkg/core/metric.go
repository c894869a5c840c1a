package core

import (
	"fmt"
	"math"
	"strings"
)

// Metric selects how vector similarity is computed.
type Metric uint8

const (
	MetricCosine Metric = iota
	MetricL2
	MetricInnerProduct
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricInnerProduct:
		return "inner_product"
	default:
		return "cosine"
	}
}

// ParseMetric accepts "cosine", "l2"/"euclidean" and "inner_product"/"dot".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return MetricCosine, nil
	case "l2", "euclidean":
		return MetricL2, nil
	case "inner_product", "ip", "dot":
		return MetricInnerProduct, nil
	}
	return 0, fmt.Errorf("%w: unknown metric %q", ErrInvalidArgument, s)
}

// SimilarityFunc defines a function that calculates similarity between two vectors
type SimilarityFunc func(a, b []float32) float64

// Similarity returns the similarity function of m. Higher is more similar for every metric.
func (m Metric) Similarity() SimilarityFunc {
	switch m {
	case MetricL2:
		return EuclideanSimilarity
	case MetricInnerProduct:
		return DotProduct
	default:
		return CosineSimilarity
	}
}

// Confidence maps a similarity score of m onto [0, 1]. L2 scores, which are negated
// distances, become 1/(1+distance); cosine and inner product scores are clamped.
func (m Metric) Confidence(score float64) float64 {
	if m == MetricL2 {
		if math.IsInf(score, -1) {
			return 0
		}
		return 1 / (1 - score)
	}
	return Clamp01(score)
}

// CosineSimilarity calculates cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0.0 || normB == 0.0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product between two vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var result float64
	for i := range a {
		result += float64(a[i]) * float64(b[i])
	}
	return result
}

// EuclideanSimilarity returns the negative Euclidean distance so higher values are more similar.
func EuclideanSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(-1)
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return -math.Sqrt(sum)
}

// ValidateVector rejects empty vectors and vectors holding NaN or Inf.
func ValidateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidArgument)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: vector component %d is not finite", ErrInvalidArgument, i)
		}
	}
	return nil
}
