package service

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// normalizeL2 returns a unit-length copy of v. A zero vector is returned
// unchanged.
func normalizeL2(v []float32) []float32 {
	out := make([]float32, len(v))
	x := toFloat64(v)
	norm := floats.Norm(x, 2)
	if norm == 0 {
		copy(out, v)
		return out
	}
	floats.Scale(1/norm, x)
	for i, f := range x {
		out[i] = float32(f)
	}
	return out
}

// cosine returns the cosine similarity of a and b. Vectors of different
// length, empty vectors or vectors holding NaN are an error.
func cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errors.New("empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	va := mat.NewVecDense(len(a), toFloat64(a))
	vb := mat.NewVecDense(len(b), toFloat64(b))
	na, nb := mat.Norm(va, 2), mat.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	s := mat.Dot(va, vb) / (na * nb)
	if math.IsNaN(s) {
		return 0, errors.New("vector holds NaN")
	}
	return s, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// softmax applies a temperature-scaled softmax to logits.
func softmax(logits []float64, scale float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	copy(out, logits)
	floats.Scale(scale, out)
	floats.AddConst(-floats.Max(out), out)
	for i, x := range out {
		out[i] = math.Exp(x)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
