package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// Regression returns n samples of y = x.w + bias + noise with x uniform in [-1,1].
func Regression(n int, weights []float64, bias, noise float64, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Sample, n)
	for i := range out {
		x := make([]float64, len(weights))
		y := bias + noise*rng.NormFloat64()
		for j, w := range weights {
			x[j] = rng.Float64()*2 - 1
			y += w * x[j]
		}
		out[i] = Sample{Key: fmt.Sprintf("reg-%06d", i), Input: x, Target: []float64{y}}
	}
	return out
}

// Blobs returns n samples drawn around one centre per class; the target is
// the class id.
func Blobs(n, classes, features int, spread float64, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	centres := make([][]float64, classes)
	for c := range centres {
		centres[c] = make([]float64, features)
		for j := range centres[c] {
			centres[c][j] = rng.Float64()*4 - 2
		}
	}
	out := make([]Sample, n)
	for i := range out {
		c := i % classes
		x := make([]float64, features)
		for j := range x {
			x[j] = centres[c][j] + spread*rng.NormFloat64()
		}
		out[i] = Sample{Key: fmt.Sprintf("blob-%06d", i), Input: x, Target: []float64{float64(c)}}
	}
	return out
}

// Echo returns n sequences of length steps whose target at t is half the
// input at t-1, a task that needs the recurrent state.
func Echo(n, steps int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Sample, n)
	for i := range out {
		x := make([]float64, steps)
		y := make([]float64, steps)
		for t := range x {
			x[t] = math.Round(rng.Float64()*2 - 1) // -1, 0 or 1
			if t > 0 {
				y[t] = 0.5 * x[t-1]
			}
		}
		out[i] = Sample{Key: fmt.Sprintf("echo-%06d", i), Input: x, Target: y}
	}
	return out
}
