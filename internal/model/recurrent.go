package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// Recurrent is a single-unit tanh RNN regressing a target sequence from an
// input sequence. Batches are []any{inputs [n,T], targets [n,T]} and are
// meant to be split in time with truncated backprop; the hidden state
// [n,1] is handed between splits through StepArgs.Hiddens.
type Recurrent struct {
	InputWeight  *tensor.Tensor
	HiddenWeight *tensor.Tensor
	OutputWeight *tensor.Tensor
	Bias         *tensor.Tensor
	lr           float64
}

// NewRecurrent constructs the model with random initialization.
func NewRecurrent(lr float64, seed int64) *Recurrent {
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	w := func() []float64 { return []float64{(rng.Float64()*2 - 1) * 0.5} }
	return &Recurrent{
		InputWeight:  tensor.NewParameter("w_in", []int{1, 1}, w()),
		HiddenWeight: tensor.NewParameter("w_hidden", []int{1, 1}, w()),
		OutputWeight: tensor.NewParameter("w_out", []int{1, 1}, w()),
		Bias:         tensor.NewParameter("bias", []int{1}, []float64{0}),
		lr:           lr,
	}
}

// Parameters implements Module.
func (m *Recurrent) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.InputWeight, m.HiddenWeight, m.OutputWeight, m.Bias}
}

// ConfigureOptimizers implements Module.
func (m *Recurrent) ConfigureOptimizers() (OptimizerConfig, error) {
	opt, err := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: m.lr})
	if err != nil {
		return OptimizerConfig{}, err
	}
	return OptimizerConfig{Optimizers: []optim.Optimizer{opt}}, nil
}

// TrainingStep implements Module.
func (m *Recurrent) TrainingStep(args StepArgs) (result.Output, error) {
	x, y, err := pair(args.Batch)
	if err != nil {
		return result.Output{}, err
	}
	shape := x.Shape()
	if len(shape) != 2 {
		return result.Output{}, errors.Errorf("recurrent: expected inputs [n,T], got %v", shape)
	}
	n, steps := shape[0], shape[1]

	h, ok := args.Hiddens.(*tensor.Tensor)
	if !ok || h == nil {
		h = tensor.Zeros(n, 1)
	}
	var loss *tensor.Tensor
	for t := 0; t < steps; t++ {
		xt := args.Autocast.Cast(tensor.Narrow(x, 1, t, 1))
		pre := tensor.Add(tensor.MatMul(xt, m.InputWeight), tensor.MatMul(h, m.HiddenWeight))
		h = tensor.Tanh(tensor.AddRow(pre, m.Bias))
		pred := tensor.MatMul(h, m.OutputWeight)
		step := tensor.Mean(tensor.Square(tensor.Sub(pred, tensor.Narrow(y, 1, t, 1))))
		if loss == nil {
			loss = step
		} else {
			loss = tensor.Add(loss, step)
		}
	}
	loss = tensor.MulScalar(loss, 1/float64(steps))
	return result.Plain(result.Dict{
		result.KeyLoss:    loss,
		result.KeyHiddens: h.Detach(),
		result.KeyLog:     result.Metrics{"train_loss": loss.Item()},
	}), nil
}
