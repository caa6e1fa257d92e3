package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// Linear is a least-squares regressor y = xW + b. Batches are
// []any{inputs [n,in], targets [n,1]}.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	lr     float64
}

// NewLinear constructs the model with random initialization.
func NewLinear(inputSize int, lr float64, seed int64) *Linear {
	if inputSize <= 0 {
		inputSize = 1
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	w := make([]float64, inputSize)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &Linear{
		Weight: tensor.NewParameter("weight", []int{inputSize, 1}, w),
		Bias:   tensor.NewParameter("bias", []int{1}, []float64{0}),
		lr:     lr,
	}
}

// Parameters implements Module.
func (m *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.Weight, m.Bias}
}

// ConfigureOptimizers implements Module.
func (m *Linear) ConfigureOptimizers() (OptimizerConfig, error) {
	opt, err := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: m.lr})
	if err != nil {
		return OptimizerConfig{}, err
	}
	return OptimizerConfig{Optimizers: []optim.Optimizer{opt}}, nil
}

func (m *Linear) loss(args StepArgs) (*tensor.Tensor, error) {
	x, y, err := pair(args.Batch)
	if err != nil {
		return nil, err
	}
	x = args.Autocast.Cast(x)
	pred := tensor.AddRow(tensor.MatMul(x, args.Autocast.Cast(m.Weight)), m.Bias)
	return tensor.Mean(tensor.Square(tensor.Sub(pred, y))), nil
}

// TrainingStep implements Module.
func (m *Linear) TrainingStep(args StepArgs) (result.Output, error) {
	loss, err := m.loss(args)
	if err != nil {
		return result.Output{}, err
	}
	return result.Plain(result.Dict{
		result.KeyLoss:        loss,
		result.KeyLog:         result.Metrics{"train_loss": loss.Item()},
		result.KeyProgressBar: result.Metrics{"loss": loss.Item()},
	}), nil
}

// ValidationStep implements ValidationStepper.
func (m *Linear) ValidationStep(args StepArgs) (result.Output, error) {
	loss, err := m.loss(args)
	if err != nil {
		return result.Output{}, err
	}
	return result.Plain(result.Dict{"val_loss": loss.Detach()}), nil
}

// TestStep implements TestStepper.
func (m *Linear) TestStep(args StepArgs) (result.Output, error) {
	loss, err := m.loss(args)
	if err != nil {
		return result.Output{}, err
	}
	return result.Plain(result.Dict{"test_loss": loss.Detach()}), nil
}

func pair(batch any) (*tensor.Tensor, *tensor.Tensor, error) {
	items, ok := batch.([]any)
	if !ok || len(items) != 2 {
		return nil, nil, errors.Errorf("expected batch []any{inputs, targets}, got %T", batch)
	}
	x, ok1 := items[0].(*tensor.Tensor)
	y, ok2 := items[1].(*tensor.Tensor)
	if !ok1 || !ok2 {
		return nil, nil, errors.Errorf("expected tensor inputs and targets, got %T and %T", items[0], items[1])
	}
	return x, y, nil
}
