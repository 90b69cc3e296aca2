package similarity

import (
	"errors"
	"math"
	"testing"
)

func TestCosineProperties(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"scaled", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
		{"opposite", []float64{1, -2, 3}, []float64{-1, 2, -3}, -1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"zero left", []float64{0, 0, 0}, []float64{1, 2, 3}, 0},
		{"zero both", []float64{0, 0}, []float64{0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		got, err := Cosine(tc.a, tc.b)
		if err != nil {
			t.Fatalf("%s: Cosine() error = %v", tc.name, err)
		}
		if math.IsNaN(got) {
			t.Fatalf("%s: Cosine() = NaN", tc.name)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: Cosine() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCosineSymmetric(t *testing.T) {
	a := []float64{0.3, -1.2, 4.5, 0.01}
	b := []float64{2.2, 0.7, -0.4, 3.3}
	ab, err := Cosine(a, b)
	if err != nil {
		t.Fatalf("Cosine(a,b) error = %v", err)
	}
	ba, err := Cosine(b, a)
	if err != nil {
		t.Fatalf("Cosine(b,a) error = %v", err)
	}
	if ab != ba {
		t.Fatalf("Cosine not symmetric: %v vs %v", ab, ba)
	}
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float64{1, 2}, []float64{1, 2, 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestDims(t *testing.T) {
	n, err := Dims([]float64{1, 2}, []float64{3, 4})
	if err != nil || n != 2 {
		t.Fatalf("Dims() = %d, %v; want 2, nil", n, err)
	}
	if _, err := Dims([]float64{1, 2}, []float64{3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Dims() error = %v, want ErrDimensionMismatch", err)
	}
	if n, err := Dims(); n != 0 || err != nil {
		t.Fatalf("Dims() on empty = %d, %v", n, err)
	}
}
