package optim

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"loopforge/internal/tensor"
)

// SGDConfig configures stochastic gradient descent.
type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
}

// SGD is stochastic gradient descent with optional momentum and weight decay.
type SGD struct {
	groups   []*ParamGroup
	cfg      SGDConfig
	velocity map[*tensor.Tensor][]float64
}

// NewSGD builds an SGD optimizer over params.
func NewSGD(params []*tensor.Tensor, cfg SGDConfig) (*SGD, error) {
	if cfg.LR <= 0 {
		return nil, errors.Errorf("sgd: learning rate must be > 0 (got %g)", cfg.LR)
	}
	if len(params) == 0 {
		return nil, errors.New("sgd: no parameters to optimize")
	}
	return &SGD{
		groups:   []*ParamGroup{{Params: params, LR: cfg.LR}},
		cfg:      cfg,
		velocity: make(map[*tensor.Tensor][]float64),
	}, nil
}

// ParamGroups implements Optimizer.
func (s *SGD) ParamGroups() []*ParamGroup { return s.groups }

// ZeroGrad implements Optimizer.
func (s *SGD) ZeroGrad() { zeroGroups(s.groups) }

// Step implements Optimizer. The closure is not evaluated.
func (s *SGD) Step(Closure) error {
	for _, g := range s.groups {
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			d := append([]float64(nil), grad...)
			if s.cfg.WeightDecay != 0 {
				floats.AddScaled(d, s.cfg.WeightDecay, p.Data())
			}
			if s.cfg.Momentum != 0 {
				v, ok := s.velocity[p]
				if !ok {
					v = append([]float64(nil), d...)
					s.velocity[p] = v
				} else {
					floats.Scale(s.cfg.Momentum, v)
					floats.Add(v, d)
				}
				d = v
			}
			floats.AddScaled(p.Data(), -g.LR, d)
		}
	}
	return nil
}
