// Package guard detects non-finite values in the loss, parameters and
// gradients of a module.
package guard

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"loopforge/internal/errs"
	"loopforge/internal/tensor"
)

// Check returns a *errs.NonFiniteValueError naming the first of loss, a
// parameter value or a parameter gradient that holds NaN or Inf.
func Check(loss *tensor.Tensor, params []*tensor.Tensor) error {
	if loss != nil {
		if v, bad := firstNonFinite(loss.Data()); bad {
			return &errs.NonFiniteValueError{Tensor: "loss", Value: v}
		}
	}
	for i, p := range params {
		if v, bad := firstNonFinite(p.Data()); bad {
			return &errs.NonFiniteValueError{Tensor: "param " + name(p, i), Value: v}
		}
	}
	for i, p := range params {
		if v, bad := firstNonFinite(p.Grad()); bad {
			return &errs.NonFiniteValueError{Tensor: "grad " + name(p, i), Value: v}
		}
	}
	return nil
}

// Finite reports whether every value in data is finite.
func Finite(data []float64) bool {
	_, bad := firstNonFinite(data)
	return !bad
}

func firstNonFinite(data []float64) (float64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	if !floats.HasNaN(data) && !math.IsInf(floats.Max(data), 1) && !math.IsInf(floats.Min(data), -1) {
		return 0, false
	}
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

func name(p *tensor.Tensor, i int) string {
	if n := p.Name(); n != "" {
		return n
	}
	return "#" + strconv.Itoa(i)
}
