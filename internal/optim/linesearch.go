package optim

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"loopforge/internal/tensor"
)

// LineSearchConfig configures the backtracking line search.
type LineSearchConfig struct {
	LR       float64 // initial step length
	Shrink   float64 // step multiplier after a rejected trial, in (0,1)
	Armijo   float64 // sufficient decrease constant, in (0,1)
	MaxEvals int
}

// LineSearch takes gradient steps whose length is chosen by backtracking
// until the Armijo condition holds. Every trial re-evaluates the closure, so
// it needs the loop to hand it a closure that recomputes loss and gradients.
type LineSearch struct {
	groups []*ParamGroup
	cfg    LineSearchConfig
	evals  int
}

// NewLineSearch builds a LineSearch optimizer over params.
func NewLineSearch(params []*tensor.Tensor, cfg LineSearchConfig) (*LineSearch, error) {
	if cfg.LR <= 0 {
		return nil, errors.Errorf("line search: learning rate must be > 0 (got %g)", cfg.LR)
	}
	if cfg.Shrink <= 0 || cfg.Shrink >= 1 {
		cfg.Shrink = 0.5
	}
	if cfg.Armijo <= 0 || cfg.Armijo >= 1 {
		cfg.Armijo = 1e-4
	}
	if cfg.MaxEvals <= 0 {
		cfg.MaxEvals = 10
	}
	return &LineSearch{groups: []*ParamGroup{{Params: params, LR: cfg.LR}}, cfg: cfg}, nil
}

// ParamGroups implements Optimizer.
func (l *LineSearch) ParamGroups() []*ParamGroup { return l.groups }

// ZeroGrad implements Optimizer.
func (l *LineSearch) ZeroGrad() { zeroGroups(l.groups) }

// Evaluations returns how many times the closure has been called.
func (l *LineSearch) Evaluations() int { return l.evals }

func (l *LineSearch) eval(closure Closure) (float64, error) {
	l.ZeroGrad()
	l.evals++
	return closure()
}

// Step implements Optimizer.
func (l *LineSearch) Step(closure Closure) error {
	if closure == nil {
		return errors.New("line search: Step requires a closure")
	}
	params := Params(l)
	f0, err := l.eval(closure)
	if err != nil {
		return err
	}
	start := make([][]float64, len(params))
	dir := make([][]float64, len(params))
	var gg float64
	for i, p := range params {
		start[i] = append([]float64(nil), p.Data()...)
		if g := p.Grad(); g != nil {
			dir[i] = append([]float64(nil), g...)
			gg += floats.Dot(g, g)
		}
	}
	if gg == 0 {
		return nil
	}
	step := l.groups[0].LR
	for trial := 1; trial < l.cfg.MaxEvals; trial++ {
		for i, p := range params {
			copy(p.Data(), start[i])
			if dir[i] != nil {
				floats.AddScaled(p.Data(), -step, dir[i])
			}
		}
		f, err := l.eval(closure)
		if err != nil {
			return err
		}
		if f <= f0-l.cfg.Armijo*step*gg {
			return nil
		}
		step *= l.cfg.Shrink
	}
	for i, p := range params {
		copy(p.Data(), start[i])
	}
	return nil
}
