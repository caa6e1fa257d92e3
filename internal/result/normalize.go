package result

import (
	"loopforge/internal/errs"
	"loopforge/internal/tensor"
)

// Step is a normalized training step output for one optimizer invocation.
type Step struct {
	// ClosureLoss is the loss divided by the accumulation factor; it keeps the
	// graph so backward can run on it.
	ClosureLoss *tensor.Tensor
	// DetachedLoss is a graph-free copy of ClosureLoss taken before any
	// precision scaling.
	DetachedLoss *tensor.Tensor

	LogMetrics         Metrics
	ProgressBarMetrics Metrics
	CallbackMetrics    Metrics
	Hiddens            any

	// EpochEndSnapshot is nil unless the output has to be kept for an
	// epoch-end reduction.
	EpochEndSnapshot any

	EarlyStopOn  *float64
	CheckpointOn *float64
}

// NormalizeOptions configures Normalize.
type NormalizeOptions struct {
	AccumulateGradBatches int
	// KeepEpochEnd is set when the model reduces training outputs itself at
	// the end of the epoch.
	KeepEpochEnd bool
}

// Normalize turns a training step Output into a Step.
func Normalize(out Output, opts NormalizeOptions) (*Step, error) {
	accumulate := opts.AccumulateGradBatches
	if accumulate < 1 {
		return nil, errs.Configf("accumulate_grad_batches must be >= 1 (got %d)", accumulate)
	}

	var (
		step *Step
		loss *tensor.Tensor
		keep bool
	)
	switch out.kind {
	case kindPlain:
		d := out.dict
		l, ok := d[KeyLoss].(*tensor.Tensor)
		if !ok || l == nil {
			return nil, errs.Configf("training step output must hold a tensor under %q", KeyLoss)
		}
		loss = l
		step = normalizeDict(d)
		keep = opts.KeepEpochEnd
		if keep {
			step.EpochEndSnapshot = Detach(d)
		}
	case kindStructured:
		r := out.structured
		if r.Kind == KindEval {
			return nil, errs.Configf("training step cannot return an EvalResult, use a Dict or TrainResult instead")
		}
		if r.Minimize == nil {
			return nil, errs.Configf("training result has nothing to minimize")
		}
		loss = r.Minimize
		step = &Step{
			LogMetrics:         r.StepLog.Clone(),
			ProgressBarMetrics: r.ProgressBar.Clone(),
			CallbackMetrics:    r.Callback.Clone(),
			Hiddens:            r.Hiddens,
			EarlyStopOn:        r.EarlyStopOn,
			CheckpointOn:       r.CheckpointOn,
		}
		if opts.KeepEpochEnd || r.ReduceOnEpochEnd {
			step.EpochEndSnapshot = r.snapshot()
		}
	default:
		return nil, errs.Configf("training step returned no output")
	}

	if loss.Size() != 1 {
		return nil, errs.Configf("training loss must be a scalar, got shape %v", loss.Shape())
	}
	step.ClosureLoss = tensor.MulScalar(loss, 1/float64(accumulate))
	step.DetachedLoss = step.ClosureLoss.Detach().Clone()
	return step, nil
}

func normalizeDict(d Dict) *Step {
	step := &Step{
		LogMetrics:         MetricsOf(d[KeyLog]),
		ProgressBarMetrics: MetricsOf(d[KeyProgressBar]),
		CallbackMetrics:    Metrics{},
		Hiddens:            d[KeyHiddens],
	}
	for k, v := range d {
		switch k {
		case KeyLog, KeyProgressBar, KeyHiddens:
			continue
		}
		if f, ok := ToFloat(v); ok {
			step.CallbackMetrics[k] = f
		}
	}
	step.CallbackMetrics.Merge(step.ProgressBarMetrics)
	step.CallbackMetrics.Merge(step.LogMetrics)
	if v, ok := ToFloat(d[KeyEarlyStopOn]); ok {
		step.EarlyStopOn = &v
	}
	if v, ok := ToFloat(d[KeyCheckpoint]); ok {
		step.CheckpointOn = &v
	}
	return step
}
