package trainer

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"loopforge/internal/callback"
	"loopforge/internal/dataset"
	"loopforge/internal/errs"
	"loopforge/internal/guard"
	"loopforge/internal/metrics"
	"loopforge/internal/model"
	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// batchOutput aggregates every split and optimizer of one batch.
type batchOutput struct {
	signal callback.Signal
	// stepped is set when the batch ended on an optimizer step.
	stepped         bool
	gradNorms       result.Metrics
	logMetrics      result.Metrics
	callbackMetrics result.Metrics
	// epochEndOutputs holds one slice of retained step outputs per
	// optimizer index.
	epochEndOutputs [][]any
}

// epochRun holds the containers that live for one epoch.
type epochRun struct {
	outputs       [][]any
	earlyStopOn   metrics.Accumulator
	checkpointOn  metrics.Accumulator
	accumulated   *metrics.Running
	valCheckBatch int
	window        metrics.Window
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, loader dataset.Loader) error {
	st := t.state
	st.CurrentEpoch = epoch
	st.AccumulateGradBatches = t.accumulationFor(epoch)
	if es, ok := loader.(dataset.EpochSetter); ok {
		es.SetEpoch(epoch)
	}
	n, err := t.numTrainingBatches(loader)
	if err != nil {
		return err
	}
	st.NumTrainingBatches = n
	valCheck, err := t.valCheckBatch(n)
	if err != nil {
		return err
	}
	run := &epochRun{
		outputs:       make([][]any, t.schedule.Len()),
		accumulated:   metrics.NewRunning(st.AccumulateGradBatches),
		valCheckBatch: valCheck,
	}
	if err := t.callbacks.EpochStart(t); err != nil {
		return err
	}

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, loadErr := loader.Batches(epochCtx)
	recv := func() (any, bool, time.Duration) {
		start := time.Now()
		b, ok := <-batches
		return b, ok, time.Since(start)
	}

	batch, more, dataTime := recv()
	for batchIdx := 0; more; batchIdx++ {
		if ctx.Err() != nil {
			st.Interrupted = true
			break
		}
		st.BatchIdx = batchIdx

		// One batch of lookahead tells whether this is the last batch of an
		// epoch of unknown length.
		var (
			next     any
			nextTime time.Duration
		)
		isLast := batchIdx+1 >= st.NumTrainingBatches
		if isLast {
			more = false
		} else {
			next, more, nextTime = recv()
			isLast = !more
		}

		computeStart := time.Now()
		out, err := t.runBatch(batch, batchIdx, isLast, run)
		if err != nil {
			return err
		}
		if out.signal == callback.Stop {
			log.Printf("epoch=%d batch=%d stopped by on_batch_start", epoch, batchIdx)
			st.ShouldStop = true
		}
		for i, o := range out.epochEndOutputs {
			run.outputs[i] = append(run.outputs[i], o...)
		}
		if err := t.callbacks.BatchEnd(t); err != nil {
			return err
		}

		st.TotalBatchIdx++
		if out.stepped {
			st.GlobalStep++
			monitor := result.MergeAll(st.CallbackMetrics, out.logMetrics)
			t.lr.updateLearningRates(optim.IntervalStep, st.GlobalStep, monitor)
		}

		if t.shouldCheckVal(batchIdx, isLast, run.valCheckBatch) {
			if _, err := t.evaluate(ctx, t.valLoader, false); err != nil {
				return err
			}
		}

		if err := t.logs.logTrainStep(out, batchIdx); err != nil {
			return err
		}
		if err := t.logs.saveOnBatchEnd(batchIdx); err != nil {
			return err
		}

		run.window.Record(dataTime, time.Since(computeStart), st.RunningLoss.Last())
		if (batchIdx+1)%t.cfg.RowLogInterval == 0 && t.IsGlobalZero() {
			snap := run.window.Snapshot()
			log.Printf("epoch=%d step=%d batch=%d batches_per_sec=%.1f data_ms=%.2f compute_ms=%.2f max_compute_ms=%.2f loss=%.4f",
				epoch,
				st.GlobalStep,
				batchIdx,
				snap.BatchesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.MaxComputeMS,
				snap.MeanLoss,
			)
		}

		if st.ShouldStop || st.ReachedMaxSteps() {
			break
		}
		batch, dataTime = next, nextTime
	}

	cancel()
	if err := <-loadErr; err != nil && !errors.Is(err, context.Canceled) {
		return errors.WithMessagef(err, "epoch %d: training loader", epoch)
	}
	if st.Interrupted {
		return nil
	}
	return t.endEpoch(run)
}

func (t *Trainer) endEpoch(run *epochRun) error {
	st := t.state
	epochMetrics, err := t.logs.reduceEpoch(run.outputs)
	if err != nil {
		return err
	}
	if run.earlyStopOn.Count() > 0 {
		epochMetrics[result.KeyEarlyStopOn] = run.earlyStopOn.Mean()
	}
	if run.checkpointOn.Count() > 0 {
		epochMetrics[result.KeyCheckpoint] = run.checkpointOn.Mean()
	}
	synced, err := t.backend.SyncMetrics(epochMetrics)
	if err != nil {
		return errors.WithMessage(err, "sync epoch metrics")
	}
	for k, v := range synced {
		st.CallbackMetrics[k] = v
	}
	if err := t.logs.logMetrics(synced); err != nil {
		return err
	}

	if t.valLoader == nil {
		if err := t.callbacks.Checkpoint(t); err != nil {
			return err
		}
	}
	if err := t.callbacks.EpochEnd(t); err != nil {
		return err
	}
	t.lr.updateLearningRates(optim.IntervalEpoch, st.CurrentEpoch+1, st.CallbackMetrics)
	return nil
}

func (t *Trainer) runBatch(batch any, batchIdx int, isLast bool, run *epochRun) (*batchOutput, error) {
	st := t.state
	out := &batchOutput{
		gradNorms:       result.Metrics{},
		logMetrics:      result.Metrics{},
		callbackMetrics: result.Metrics{},
		epochEndOutputs: make([][]any, t.schedule.Len()),
	}
	st.Hiddens = nil
	if isEmpty(batch) {
		if t.isBoundary(batchIdx, isLast) {
			t.dropAccumulated(batchIdx, run)
		}
		return out, nil
	}

	sig, err := t.callbacks.BatchStart(t, batch, batchIdx)
	if err != nil {
		return nil, err
	}
	if sig == callback.Stop {
		out.signal = callback.Stop
		return out, nil
	}

	splits, err := t.splitBatch(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "split batch")
	}
	active := t.schedule.Active(st.TotalBatchIdx)
	boundary := t.isBoundary(batchIdx, isLast)
	defer t.unfreeze()

	for splitIdx, split := range splits {
		st.SplitIdx = splitIdx
		for _, a := range active {
			c := &stepClosure{
				trainer:  t,
				batch:    split,
				batchIdx: batchIdx,
				optIdx:   a.Index,
				opt:      a.Optimizer,
				hiddens:  st.Hiddens,
			}
			step, err := c.run()
			if errors.Is(err, model.ErrStopTraining) {
				st.ShouldStop = true
				break
			}
			if err != nil {
				return nil, err
			}
			t.collect(step, a.Index, out, run)
			st.Hiddens = step.Hiddens

			if boundary {
				if err := t.optimizerStep(c, out, run); err != nil {
					if !errors.Is(err, model.ErrStopTraining) {
						return nil, err
					}
					st.ShouldStop = true
					break
				}
			}
		}
		if st.ShouldStop {
			break
		}
	}

	for k, v := range out.callbackMetrics {
		st.CallbackMetrics[k] = v
	}
	out.stepped = boundary && !st.ShouldStop
	return out, nil
}

// collect records what one step contributes to the batch and the epoch.
func (t *Trainer) collect(step *result.Step, optIdx int, out *batchOutput, run *epochRun) {
	run.accumulated.Append(step.DetachedLoss.Item())
	if step.EpochEndSnapshot != nil {
		out.epochEndOutputs[optIdx] = append(out.epochEndOutputs[optIdx], step.EpochEndSnapshot)
	}
	if step.EarlyStopOn != nil {
		run.earlyStopOn.Accumulate(*step.EarlyStopOn)
	}
	if step.CheckpointOn != nil {
		run.checkpointOn.Accumulate(*step.CheckpointOn)
	}
	out.logMetrics.Merge(step.LogMetrics)
	out.callbackMetrics.Merge(step.CallbackMetrics)
}

func (t *Trainer) optimizerStep(c *stepClosure, out *batchOutput, run *epochRun) error {
	st := t.state
	if t.cfg.TrackGradNorm > 0 && (c.batchIdx+1)%t.cfg.RowLogInterval == 0 {
		out.gradNorms.Merge(model.GradNorm(t.module, t.cfg.TrackGradNorm))
		out.logMetrics.Merge(out.gradNorms)
	}
	t.backend.ClipGradients(c.opt)
	if err := t.backend.OptimizerStep(c.opt, c.batchIdx, c.optIdx, c.evaluate); err != nil {
		return err
	}
	if z, ok := t.module.(model.BeforeZeroGrader); ok {
		z.OnBeforeZeroGrad(c.opt)
	}
	t.backend.OptimizerZeroGrad(c.batchIdx, c.opt, c.optIdx)

	st.RunningLoss.Append(run.accumulated.Mean() * float64(st.AccumulateGradBatches))
	run.accumulated.Reset()
	return nil
}

// dropAccumulated closes an accumulation window that ends on an empty
// batch: there is no closure to step with, so the gradients gathered so far
// are discarded instead of leaking into the next window.
func (t *Trainer) dropAccumulated(batchIdx int, run *epochRun) {
	if run.accumulated.Len() == 0 {
		return
	}
	log.Printf("epoch=%d batch=%d empty batch ends accumulation window, dropping %d pending steps",
		t.state.CurrentEpoch, batchIdx, run.accumulated.Len())
	for i, opt := range t.schedule.Optimizers() {
		t.backend.OptimizerZeroGrad(batchIdx, opt, i)
	}
	run.accumulated.Reset()
}

// stepClosure runs the forward and backward pass of one split for one
// optimizer. It keeps its own copy of the batch, the optimizer index and
// the incoming hidden state, so re-evaluations by the optimizer see the
// values of the step that created it.
type stepClosure struct {
	trainer  *Trainer
	batch    any
	batchIdx int
	optIdx   int
	opt      optim.Optimizer
	hiddens  any
	evals    int
}

func (c *stepClosure) run() (*result.Step, error) {
	t := c.trainer
	if t.schedule.Len() > 1 {
		t.freezeExcept(c.opt)
	}
	raw, err := t.backend.TrainingStep(model.StepArgs{
		Batch:        c.batch,
		BatchIdx:     c.batchIdx,
		OptimizerIdx: c.optIdx,
		Hiddens:      c.hiddens,
	})
	if err != nil {
		return nil, err
	}
	_, keep := t.module.(model.TrainingEpochEnder)
	step, err := result.Normalize(raw, result.NormalizeOptions{
		AccumulateGradBatches: t.state.AccumulateGradBatches,
		KeepEpochEnd:          keep,
	})
	if err != nil {
		return nil, err
	}
	if _, err := t.backend.Backward(step.ClosureLoss, c.opt, c.optIdx); err != nil {
		return nil, err
	}
	if err := t.callbacks.AfterBackward(t, c.optIdx); err != nil {
		return nil, err
	}
	if t.cfg.TerminateOnNaN {
		if err := guard.Check(step.DetachedLoss, t.module.Parameters()); err != nil {
			return nil, err
		}
	}
	return step, nil
}

// evaluate is the optim.Closure handed to the optimizer.
func (c *stepClosure) evaluate() (float64, error) {
	c.evals++
	step, err := c.run()
	if err != nil {
		return 0, err
	}
	return step.DetachedLoss.Item(), nil
}

// freezeExcept stops gradient tracking on every trainable parameter that
// opt does not own.
func (t *Trainer) freezeExcept(opt optim.Optimizer) {
	for _, p := range t.trainable {
		p.SetRequiresGrad(false)
	}
	for _, p := range optim.Params(opt) {
		if t.isTrainable(p) {
			p.SetRequiresGrad(true)
		}
	}
}

func (t *Trainer) unfreeze() {
	if t.schedule.Len() <= 1 {
		return
	}
	for _, p := range t.trainable {
		p.SetRequiresGrad(true)
	}
}

func (t *Trainer) isTrainable(p *tensor.Tensor) bool {
	for _, q := range t.trainable {
		if q == p {
			return true
		}
	}
	return false
}

// isBoundary reports whether the batch ends a gradient accumulation window.
func (t *Trainer) isBoundary(batchIdx int, isLast bool) bool {
	st := t.state
	return (batchIdx+1)%st.AccumulateGradBatches == 0 || batchIdx+1 == st.NumTrainingBatches || isLast
}

// shouldCheckVal decides whether validation runs after this batch.
func (t *Trainer) shouldCheckVal(batchIdx int, isLast bool, valCheckBatch int) bool {
	st := t.state
	canCheckVal := t.valLoader != nil && (st.CurrentEpoch+1)%t.cfg.CheckValEveryNEpoch == 0
	isValCheckBatch := valCheckBatch != unbounded && (batchIdx+1)%valCheckBatch == 0
	isLastBatchForUnbounded := isLast && valCheckBatch == unbounded
	return canCheckVal && (isValCheckBatch || st.ShouldStop || isLastBatchForUnbounded)
}

func (t *Trainer) splitBatch(batch any) ([]any, error) {
	steps := t.cfg.TruncatedBPTTSteps
	if steps <= 0 {
		return []any{batch}, nil
	}
	if s, ok := t.module.(model.TBPTTSplitter); ok {
		return s.TBPTTSplitBatch(batch, steps)
	}
	return model.SplitSequence(batch, steps)
}

// accumulationFor returns the accumulation factor in effect at epoch.
func (t *Trainer) accumulationFor(epoch int) int {
	k, from := t.cfg.AccumulateGradBatches, -1
	for e, factor := range t.cfg.AccumulateSchedule {
		if e <= epoch && e > from {
			k, from = factor, e
		}
	}
	return k
}

func (t *Trainer) numTrainingBatches(l dataset.Loader) (int, error) {
	n, known := l.Len()
	if !known {
		n = unbounded
	}
	limit := t.cfg.LimitTrainBatches
	switch {
	case t.cfg.FastDevRun:
		n = min(n, 1)
	case limit == 0:
	case limit <= 1:
		if !known {
			if limit < 1 {
				return 0, errs.Configf("limit_train_batches %g is a fraction but the training loader has no length", limit)
			}
			break
		}
		if n > 0 {
			n = max(1, int(float64(n)*limit))
		}
	default:
		n = min(n, int(limit))
	}
	return n, nil
}

// valCheckBatch converts val_check_interval into a batch count. A count
// larger than an epoch of known length would never fire and is rejected.
func (t *Trainer) valCheckBatch(numBatches int) (int, error) {
	if t.cfg.FastDevRun {
		return 1, nil
	}
	interval := t.cfg.ValCheckInterval
	if interval > 1 {
		every := int(interval)
		if numBatches != unbounded && every > numBatches {
			return 0, errs.Configf("val_check_interval (%d) must be <= the number of training batches (%d)", every, numBatches)
		}
		return every, nil
	}
	if numBatches == unbounded {
		return unbounded, nil
	}
	return max(1, int(float64(numBatches)*interval)), nil
}

func isEmpty(batch any) bool {
	switch b := batch.(type) {
	case nil:
		return true
	case []any:
		return len(b) == 0
	case map[string]any:
		return len(b) == 0
	}
	return false
}
