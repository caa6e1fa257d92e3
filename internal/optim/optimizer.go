// Package optim holds the optimizers, the per-batch optimizer schedule and
// the learning-rate schedulers driven by the training loop.
package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"loopforge/internal/tensor"
)

// Closure re-runs the forward and backward pass and returns the loss.
type Closure func() (float64, error)

// ParamGroup is a set of parameters sharing hyper-parameters.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float64
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// ParamGroups returns the groups owned by the optimizer.
	ParamGroups() []*ParamGroup
	// Step applies one update. First-order optimizers ignore closure;
	// optimizers needing fresh loss evaluations call it as often as they need.
	Step(closure Closure) error
	// ZeroGrad clears the gradients of every owned parameter.
	ZeroGrad()
}

// Params flattens the parameters of every group of opt.
func Params(opt Optimizer) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range opt.ParamGroups() {
		out = append(out, g.Params...)
	}
	return out
}

func zeroGroups(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ClipGradNorm rescales the gradients of params so their joint L2 norm is at
// most maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		if g := p.Grad(); g != nil {
			n := floats.Norm(g, 2)
			sq += n * n
		}
	}
	total := math.Sqrt(sq)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	scale := maxNorm / (total + 1e-6)
	for _, p := range params {
		if g := p.Grad(); g != nil {
			floats.Scale(scale, g)
		}
	}
	return total
}
