package tensor

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

const maxHalf = 65504.0

// RoundHalf rounds v to the nearest IEEE 754 half-precision value.
// Magnitudes above the half range become infinite, subnormals flush to zero.
func RoundHalf(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return v
	}
	if math.Abs(v) > maxHalf {
		return math.Copysign(math.Inf(1), v)
	}
	if math.Abs(v) < 0x1p-14 {
		return math.Copysign(0, v)
	}
	frac, exp := math.Frexp(v)
	// frac is in [0.5, 1); half precision keeps 11 significant bits.
	frac = math.RoundToEven(frac*2048) / 2048
	return math.Ldexp(frac, exp)
}

// Autocast casts forward activations to half precision when enabled.
// Gradients pass straight through the cast.
type Autocast struct {
	Enabled bool
}

// Cast returns t unchanged when disabled, otherwise a half-precision copy.
func (a Autocast) Cast(t *Tensor) *Tensor {
	if !a.Enabled {
		return t
	}
	data := make([]float64, len(t.data))
	for i, v := range t.data {
		data[i] = RoundHalf(v)
	}
	out := derive(t.shape, data, t)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 { return [][]float64{g} }
	}
	return out
}

// GradNorms returns the normType-norm of every parameter gradient keyed
// grad_<p>_norm_<name>, plus grad_<p>_norm_total over all of them.
func GradNorms(params []*Tensor, normType float64) map[string]float64 {
	out := make(map[string]float64, len(params)+1)
	var all []float64
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		n := floats.Norm(p.grad, normType)
		out["grad_"+formatNorm(normType)+"_norm_"+p.name] = n
		all = append(all, n)
	}
	out["grad_"+formatNorm(normType)+"_norm_total"] = floats.Norm(all, normType)
	return out
}

func formatNorm(p float64) string {
	if math.IsInf(p, 1) {
		return "inf"
	}
	return trimFloat(p)
}

func trimFloat(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
