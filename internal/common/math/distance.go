package math

import stdmath "math"

// Dot returns the inner product of a and b, which must have equal length.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	b = b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	b = b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}

func Norm(v []float32) float32 {
	return float32(stdmath.Sqrt(float64(Dot(v, v))))
}

// CosineDistance returns 1 - cos(a, b) given precomputed norms. A zero
// vector is at distance 1 from everything.
func CosineDistance(a, b []float32, normA, normB float32) float32 {
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - Dot(a, b)/(normA*normB)
}

// IsFinite reports whether every component of v is a finite number.
func IsFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if stdmath.IsNaN(f) || stdmath.IsInf(f, 0) {
			return false
		}
	}
	return true
}
