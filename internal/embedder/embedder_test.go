package embedder

import (
	"math"
	"testing"
)

func TestNormalizeUnitLength(t *testing.T) {
	vec := []float32{3, 4}
	Normalize(vec)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("normalised vector has squared length %v, want 1", sum)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	vec := []float32{0, 0, 0}
	Normalize(vec)
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("zero vector mutated at index %d: %v", i, v)
		}
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Fatalf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "m", 8); err == nil {
		t.Fatal("expected error for empty api key")
	}
	if _, err := New("k", "m", 0); err == nil {
		t.Fatal("expected error for zero dims")
	}
	e, err := New("k", "text-embedding-3-small", 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Dims() != 1024 {
		t.Fatalf("Dims = %d, want 1024", e.Dims())
	}
}
