package vectors

import (
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CosineEpsilon guards the cosine similarity denominator against zero vectors.
const CosineEpsilon = 1e-8

// ToFloat64 widens a numeric slice for use with gonum.
func ToFloat64[T constraints.Integer | constraints.Float](v []T) []float64 {
	out := make([]float64, len(v))
	for i, e := range v {
		out[i] = float64(e)
	}
	return out
}

// Mean of a float32 vector.
func Mean(vector []float32) float32 {
	if len(vector) == 0 {
		return 0
	}
	return float32(stat.Mean(ToFloat64(vector), nil))
}

// MeanStdDev of a vector of float64 samples.
func MeanStdDev(samples []float64) (float64, float64) {
	if len(samples) < 2 {
		if len(samples) == 1 {
			return samples[0], 0
		}
		return 0, 0
	}
	return stat.MeanStdDev(samples, nil)
}

// MinMax returns the extremes of a non-empty vector.
func MinMax(v []float32) (float32, float32) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi := v[0], v[0]
	for _, e := range v[1:] {
		lo = min(lo, e)
		hi = max(hi, e)
	}
	return lo, hi
}

func Sigmoid(s []float32) []float32 {
	sigmoid := make([]float32, 0, len(s))

	for _, v := range s {
		v64 := float64(v)
		sigmoid = append(sigmoid, float32(1.0/(1.0+math.Exp(-v64))))
	}
	return sigmoid
}

// Norm is the euclidean norm of a vector.
func Norm(v []float32) float64 {
	return floats.Norm(ToFloat64(v), 2)
}

// Cosine similarity of two flattened vectors: a·b / (|a||b| + eps).
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity of vectors with different lengths %d and %d", len(a), len(b))
	}
	a64, b64 := ToFloat64(a), ToFloat64(b)
	return floats.Dot(a64, b64) / (floats.Norm(a64, 2)*floats.Norm(b64, 2) + CosineEpsilon), nil
}

// MSE is the mean squared element-wise difference of two vectors.
func MSE(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("mean squared error of vectors with different lengths %d and %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}
	diff := ToFloat64(a)
	floats.Sub(diff, ToFloat64(b))
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

// RandomNormal draws n standard normal values from a PCG generator seeded with seed.
func RandomNormal(n int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}
