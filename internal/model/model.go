package model

import (
	"github.com/pkg/errors"

	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// ErrStopTraining may be returned by TrainingStep to end training
// gracefully: the loop sets ShouldStop and leaves the epoch.
var ErrStopTraining = errors.New("stop training")

// StepArgs are the arguments handed to a step method.
type StepArgs struct {
	Batch    any
	BatchIdx int
	// OptimizerIdx is only meaningful when the module runs several optimizers.
	OptimizerIdx int
	// Hiddens carries recurrent state between TBPTT splits; nil on the
	// first split of every batch.
	Hiddens       any
	DataloaderIdx int
	// Autocast is enabled when the backend runs the forward in half precision.
	Autocast tensor.Autocast
}

// OptimizerConfig is what ConfigureOptimizers returns.
type OptimizerConfig struct {
	Optimizers  []optim.Optimizer
	Schedulers  []optim.SchedulerConfig
	Frequencies []int
}

// Module is the model contract the trainer drives.
type Module interface {
	Parameters() []*tensor.Tensor
	ConfigureOptimizers() (OptimizerConfig, error)
	TrainingStep(args StepArgs) (result.Output, error)
}

// ValidationStepper is implemented by modules with a validation loop.
type ValidationStepper interface {
	ValidationStep(args StepArgs) (result.Output, error)
}

// TestStepper is implemented by modules with a test loop.
type TestStepper interface {
	TestStep(args StepArgs) (result.Output, error)
}

// TrainingEpochEnder reduces the retained training outputs of an epoch,
// one slice per optimizer index.
type TrainingEpochEnder interface {
	TrainingEpochEnd(outputs [][]any) (result.Output, error)
}

// ValidationEpochEnder reduces the outputs of a validation epoch.
type ValidationEpochEnder interface {
	ValidationEpochEnd(outputs []result.Output) (result.Output, error)
}

// TestEpochEnder reduces the outputs of a test epoch.
type TestEpochEnder interface {
	TestEpochEnd(outputs []result.Output) (result.Output, error)
}

// TBPTTSplitter splits a batch into time chunks for truncated backprop.
type TBPTTSplitter interface {
	TBPTTSplitBatch(batch any, steps int) ([]any, error)
}

// GradNormer reports gradient norms for logging.
type GradNormer interface {
	GradNorm(normType float64) map[string]float64
}

// BeforeZeroGrader is called right before an optimizer's gradients are cleared.
type BeforeZeroGrader interface {
	OnBeforeZeroGrad(opt optim.Optimizer)
}

// OptimizerIndexer must be implemented, returning true, by modules that
// configure more than one optimizer: their TrainingStep reads
// StepArgs.OptimizerIdx.
type OptimizerIndexer interface {
	UsesOptimizerIndex() bool
}

// GradNorm returns the gradient norms of m, using its own GradNorm when it
// has one.
func GradNorm(m Module, normType float64) map[string]float64 {
	if g, ok := m.(GradNormer); ok {
		return g.GradNorm(normType)
	}
	return tensor.GradNorms(m.Parameters(), normType)
}
