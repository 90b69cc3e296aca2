// Package similarity scores embedding vectors against each other.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch reports vectors of different length being compared.
// It points at a corpus or embedding-model version problem, not a transient fault.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Cosine returns the cosine similarity of a and b in [-1, 1].
// A zero-magnitude vector on either side scores 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(s) {
		return 0, nil
	}
	return math.Max(-1, math.Min(1, s)), nil
}

// Dims returns the shared length of vectors, or ErrDimensionMismatch when
// they disagree. An empty set has zero dims.
func Dims(vectors ...[]float64) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	want := len(vectors[0])
	for i, v := range vectors[1:] {
		if len(v) != want {
			return 0, fmt.Errorf("%w: vector %d has %d dims, want %d", ErrDimensionMismatch, i+1, len(v), want)
		}
	}
	return want, nil
}
