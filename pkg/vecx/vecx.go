// Package vecx provides small fixed-length float64 vector helpers used by
// the adaptive engine. Vectors are short (one entry per latent concept), so
// plain slices beat a linear-algebra dependency.
package vecx

import "math"

// Dot returns the dot product over the shorter of the two vectors.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

// Scale returns v*s as a new slice.
func Scale(v []float64, s float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * s
	}
	return out
}

// Add returns a+b elementwise over the shorter length, keeping a's length.
func Add(a, b []float64) []float64 {
	out := make([]float64, len(a))
	copy(out, a)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		out[i] = a[i] + b[i]
	}
	return out
}

// Sub returns a-b elementwise over the shorter length, keeping a's length.
func Sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	copy(out, a)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		out[i] = a[i] - b[i]
	}
	return out
}

// Clamp bounds every element of v into [lo, hi], returning a new slice.
func Clamp(v []float64, lo, hi float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = ClampValue(x, lo, hi)
	}
	return out
}

// ClampValue bounds x into [lo, hi].
func ClampValue(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// MeanAbs returns the mean of absolute values, 0 for an empty slice.
func MeanAbs(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += math.Abs(x)
	}
	return s / float64(len(xs))
}

// Variance returns the population variance (divide by n), 0 for fewer than
// two samples.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var s float64
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return s / float64(len(xs))
}

// Norm returns the Euclidean norm.
func Norm(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return math.Sqrt(s)
}
