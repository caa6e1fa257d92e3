package model

import (
	"math/rand"

	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// Softmax is a linear classifier with softmax cross-entropy. Batches are
// []any{inputs [n,in], labels [n]} with labels stored as float class ids.
type Softmax struct {
	numClasses int
	Weight     *tensor.Tensor
	Bias       *tensor.Tensor
	lr         float64
}

// NewSoftmax constructs the model with random initialization.
func NewSoftmax(numClasses, inputSize int, lr float64, seed int64) *Softmax {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, inputSize*numClasses)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &Softmax{
		numClasses: numClasses,
		Weight:     tensor.NewParameter("weight", []int{inputSize, numClasses}, weights),
		Bias:       tensor.NewParameter("bias", []int{numClasses}, make([]float64, numClasses)),
		lr:         lr,
	}
}

// Parameters implements Module.
func (m *Softmax) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.Weight, m.Bias}
}

// ConfigureOptimizers implements Module.
func (m *Softmax) ConfigureOptimizers() (OptimizerConfig, error) {
	opt, err := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: m.lr})
	if err != nil {
		return OptimizerConfig{}, err
	}
	return OptimizerConfig{Optimizers: []optim.Optimizer{opt}}, nil
}

func (m *Softmax) forward(args StepArgs) (*tensor.Tensor, []int, error) {
	x, y, err := pair(args.Batch)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, y.Size())
	for i, v := range y.Data() {
		labels[i] = int(v)
	}
	logits := tensor.AddRow(tensor.MatMul(args.Autocast.Cast(x), args.Autocast.Cast(m.Weight)), m.Bias)
	return logits, labels, nil
}

// TrainingStep implements Module. It returns a structured result whose
// accuracy is reduced at the end of the epoch.
func (m *Softmax) TrainingStep(args StepArgs) (result.Output, error) {
	logits, labels, err := m.forward(args)
	if err != nil {
		return result.Output{}, err
	}
	loss := tensor.SoftmaxCrossEntropy(logits, labels)
	r := result.NewTrainResult(loss)
	r.Log("train_loss", loss.Item(), result.LogOptions{ProgBar: true})
	r.Log("train_acc", accuracy(logits, labels, m.numClasses), result.LogOptions{OnEpoch: true})
	r.SetCheckpointOn(loss.Item())
	return result.FromResult(r), nil
}

// ValidationStep implements ValidationStepper.
func (m *Softmax) ValidationStep(args StepArgs) (result.Output, error) {
	logits, labels, err := m.forward(args)
	if err != nil {
		return result.Output{}, err
	}
	return result.Plain(result.Dict{
		"val_loss": tensor.SoftmaxCrossEntropy(logits, labels).Item(),
		"val_acc":  accuracy(logits, labels, m.numClasses),
	}), nil
}

func accuracy(logits *tensor.Tensor, labels []int, numClasses int) float64 {
	data := logits.Data()
	correct := 0
	for i, label := range labels {
		row := data[i*numClasses : (i+1)*numClasses]
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		if best == label {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
