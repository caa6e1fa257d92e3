package accelerator

import (
	"gonum.org/v1/gonum/floats"

	"loopforge/internal/guard"
	"loopforge/internal/tensor"
)

// GradScaler implements dynamic loss scaling for half-precision training.
// The loss is multiplied by the scale before backward; gradients are divided
// by it before the optimizer step. The scale backs off when gradients
// overflow and grows after a run of clean steps.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int
}

// NewGradScaler returns a scaler with the usual defaults.
func NewGradScaler() *GradScaler {
	return &GradScaler{scale: 65536, growthFactor: 2, backoffFactor: 0.5, growthInterval: 2000}
}

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float64 { return s.scale }

// ScaleLoss returns loss multiplied by the scale, inside the graph.
func (s *GradScaler) ScaleLoss(loss *tensor.Tensor) *tensor.Tensor {
	return tensor.MulScalar(loss, s.scale)
}

// Unscale divides every gradient of params by the scale and reports whether
// all of them are finite.
func (s *GradScaler) Unscale(params []*tensor.Tensor) bool {
	inv := 1 / s.scale
	finite := true
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		floats.Scale(inv, g)
		if !guard.Finite(g) {
			finite = false
		}
	}
	return finite
}

// Update adjusts the scale after a step.
func (s *GradScaler) Update(foundInf bool) {
	if foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.growthInterval {
		s.scale *= s.growthFactor
		s.growthTracker = 0
	}
}
