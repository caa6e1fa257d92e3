// Package state holds the mutable training state shared by the loop, the
// backends and the callbacks for the lifetime of one fit.
package state

import "loopforge/internal/metrics"

// Training is created once per fit and passed by reference.
type Training struct {
	CurrentEpoch int
	// GlobalStep advances only on an accumulation boundary.
	GlobalStep int
	// TotalBatchIdx advances after every batch, across epochs.
	TotalBatchIdx int
	BatchIdx      int
	SplitIdx      int
	ShouldStop    bool
	// Hiddens is the recurrent state threaded between TBPTT splits.
	Hiddens any

	NumTrainingBatches    int
	AccumulateGradBatches int
	// MaxSteps is 0 when unlimited.
	MaxSteps  int
	MaxEpochs int

	// RunningLoss holds the displayed loss, one entry per optimizer step.
	RunningLoss *metrics.Running
	// CallbackMetrics is the last-writer-wins view callbacks read from.
	CallbackMetrics map[string]float64
	// Interrupted is set when the run was cancelled from outside.
	Interrupted bool
}

// New returns state for a fresh fit.
func New(maxEpochs, maxSteps int) *Training {
	return &Training{
		MaxEpochs:             maxEpochs,
		MaxSteps:              maxSteps,
		AccumulateGradBatches: 1,
		RunningLoss:           metrics.NewRunning(20),
		CallbackMetrics:       map[string]float64{},
	}
}

// ReachedMaxSteps reports whether the step budget is exhausted.
func (t *Training) ReachedMaxSteps() bool {
	return t.MaxSteps > 0 && t.GlobalStep >= t.MaxSteps
}

// Reset clears per-fit counters at the end of a fit.
func (t *Training) Reset() {
	t.BatchIdx = 0
	t.SplitIdx = 0
	t.Hiddens = nil
	t.RunningLoss.Reset()
}
