package embedding

import "math"

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsUnit reports whether v is L2-normalized within NormTolerance.
func IsUnit(v []float32) bool {
	return math.Abs(Norm(v)-1) <= NormTolerance
}

// Dot is the inner product; for unit vectors it equals cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales v in place to unit length. A zero vector is left as is
// and false is returned.
func Normalize(v []float32) bool {
	n := Norm(v)
	if n == 0 {
		return false
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return true
}
