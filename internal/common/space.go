package common

import (
	stdmath "math"

	vmath "vectordb/internal/common/math"
)

// Distance returns the internal smaller-is-nearer distance between a and b.
// Euclidean distances are squared; Score takes the root.
func (m Metric) Distance(a, b []float32, normA, normB float32) float32 {
	switch m {
	case MetricEuclidean:
		return vmath.SquaredL2(a, b)
	case MetricDotProduct:
		return -vmath.Dot(a, b)
	default:
		return vmath.CosineDistance(a, b, normA, normB)
	}
}

// NeedsNorm reports whether Distance reads the cached norms.
func (m Metric) NeedsNorm() bool {
	return m == MetricCosine
}

// Score converts an internal distance to the value returned to clients:
// the L2 distance for Euclidean, the inner product for DotProduct and the
// cosine similarity for Cosine.
func (m Metric) Score(d float32) float32 {
	switch m {
	case MetricEuclidean:
		if d <= 0 {
			return 0
		}
		return float32(stdmath.Sqrt(float64(d)))
	case MetricDotProduct:
		return -d
	default:
		return 1 - d
	}
}
