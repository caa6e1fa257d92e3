package trainer

import (
	"context"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"loopforge/internal/accelerator"
	"loopforge/internal/callback"
	"loopforge/internal/checkpoint"
	"loopforge/internal/dataset"
	"loopforge/internal/errs"
	"loopforge/internal/logger"
	"loopforge/internal/model"
	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/state"
	"loopforge/internal/tensor"
)

// toy is a configurable module for driving the loop.
type toy struct {
	params []*tensor.Tensor
	cfg    model.OptimizerConfig
	multi  bool
	step   func(args model.StepArgs) (result.Output, error)
	val    func(args model.StepArgs) (result.Output, error)
}

func (m *toy) Parameters() []*tensor.Tensor { return m.params }
func (m *toy) ConfigureOptimizers() (model.OptimizerConfig, error) {
	return m.cfg, nil
}
func (m *toy) TrainingStep(args model.StepArgs) (result.Output, error) { return m.step(args) }
func (m *toy) UsesOptimizerIndex() bool                                { return m.multi }

// validatingToy adds a validation step.
type validatingToy struct{ *toy }

func (m validatingToy) ValidationStep(args model.StepArgs) (result.Output, error) {
	return m.val(args)
}

// recordingOptimizer reports every step before delegating.
type recordingOptimizer struct {
	optim.Optimizer
	onStep func()
}

func (r *recordingOptimizer) Step(c optim.Closure) error {
	r.onStep()
	return r.Optimizer.Step(c)
}

func newSGD(t *testing.T, lr float64, params ...*tensor.Tensor) optim.Optimizer {
	t.Helper()
	opt, err := optim.NewSGD(params, optim.SGDConfig{LR: lr})
	if err != nil {
		t.Fatal(err)
	}
	return opt
}

// scalarToy minimizes sum(w*x) for a one-element weight.
func scalarToy(t *testing.T) (*toy, *tensor.Tensor) {
	w := tensor.NewParameter("w", []int{1}, []float64{1})
	m := &toy{params: []*tensor.Tensor{w}}
	m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 0.01, w)}}
	m.step = func(args model.StepArgs) (result.Output, error) {
		x := args.Batch.(*tensor.Tensor)
		return result.Plain(result.Dict{result.KeyLoss: tensor.Sum(tensor.Mul(w, x))}), nil
	}
	return m, w
}

func batches(n int) *dataset.List {
	out := make([]any, n)
	for i := range out {
		out[i] = tensor.New([]int{1}, []float64{float64(i + 1)})
	}
	return dataset.NewList(out...)
}

func newTrainer(t *testing.T, cfg Config, cbs ...callback.Callback) *Trainer {
	t.Helper()
	tr, err := New(cfg, nil, nil, cbs...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

// hookRecorder records validation and batch-start events.
type hookRecorder struct {
	callback.Base
	validations [][2]int
	stopAt      int
	started     int
	batchEnds   int
	epochEnds   int
}

func (h *hookRecorder) OnBatchEnd(callback.Host) error {
	h.batchEnds++
	return nil
}

func (h *hookRecorder) OnEpochEnd(callback.Host) error {
	h.epochEnds++
	return nil
}

func (h *hookRecorder) OnValidationStart(host callback.Host) error {
	st := host.State()
	h.validations = append(h.validations, [2]int{st.CurrentEpoch, st.BatchIdx})
	return nil
}

func (h *hookRecorder) OnBatchStart(_ callback.Host, _ any, batchIdx int) (callback.Signal, error) {
	h.started++
	if h.stopAt > 0 && batchIdx == h.stopAt {
		return callback.Stop, nil
	}
	return callback.Continue, nil
}

func TestAccumulationBoundaries(t *testing.T) {
	m, _ := scalarToy(t)
	var tr *Trainer
	var steppedAt []int
	m.cfg.Optimizers[0] = &recordingOptimizer{Optimizer: m.cfg.Optimizers[0], onStep: func() {
		steppedAt = append(steppedAt, tr.State().BatchIdx)
	}}
	tr = newTrainer(t, Config{MaxEpochs: 1, AccumulateGradBatches: 3})
	if err := tr.Fit(context.Background(), m, batches(10), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if want := []int{2, 5, 8, 9}; !reflect.DeepEqual(steppedAt, want) {
		t.Fatalf("optimizer stepped at %v, want %v", steppedAt, want)
	}
	st := tr.State()
	if st.GlobalStep != 4 || st.TotalBatchIdx != 10 {
		t.Fatalf("global_step=%d total_batch_idx=%d, want 4 and 10", st.GlobalStep, st.TotalBatchIdx)
	}
}

func TestAccumulationAtEndOfUnsizedEpoch(t *testing.T) {
	m, _ := scalarToy(t)
	tr := newTrainer(t, Config{MaxEpochs: 1, AccumulateGradBatches: 4})
	if err := tr.Fit(context.Background(), m, dataset.Unsized(batches(6)), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := tr.State().GlobalStep; got != 2 {
		t.Fatalf("global_step = %d, want 2", got)
	}
}

func TestOptimizerFrequencies(t *testing.T) {
	a := tensor.NewParameter("a", []int{1}, []float64{1})
	b := tensor.NewParameter("b", []int{1}, []float64{1})
	var seen []int
	m := &toy{params: []*tensor.Tensor{a, b}, multi: true}
	m.cfg = model.OptimizerConfig{
		Optimizers:  []optim.Optimizer{newSGD(t, 0.01, a), newSGD(t, 0.01, b)},
		Frequencies: []int{2, 1},
	}
	m.step = func(args model.StepArgs) (result.Output, error) {
		seen = append(seen, args.OptimizerIdx)
		return result.Plain(result.Dict{result.KeyLoss: tensor.Sum(tensor.Add(a, b))}), nil
	}
	tr := newTrainer(t, Config{MaxEpochs: 1})
	if err := tr.Fit(context.Background(), m, batches(6), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if want := []int{0, 0, 1, 0, 0, 1}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("optimizer sequence %v, want %v", seen, want)
	}
}

func TestGradientIsolationBetweenOptimizers(t *testing.T) {
	a := tensor.NewParameter("a", []int{1}, []float64{1})
	b := tensor.NewParameter("b", []int{1}, []float64{2})
	type flags struct {
		idx  int
		a, b bool
	}
	var seen []flags
	m := &toy{params: []*tensor.Tensor{a, b}, multi: true}
	m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 0.1, a), newSGD(t, 0.1, b)}}
	m.step = func(args model.StepArgs) (result.Output, error) {
		seen = append(seen, flags{args.OptimizerIdx, a.RequiresGrad(), b.RequiresGrad()})
		return result.Plain(result.Dict{result.KeyLoss: tensor.Sum(tensor.Mul(a, b))}), nil
	}
	tr := newTrainer(t, Config{MaxEpochs: 1})
	if err := tr.Fit(context.Background(), m, batches(2), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	want := []flags{{0, true, false}, {1, false, true}, {0, true, false}, {1, false, true}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("requires_grad during forward = %+v, want %+v", seen, want)
	}
	if !a.RequiresGrad() || !b.RequiresGrad() {
		t.Fatal("parameters must be unfrozen after the batch")
	}
}

func TestMultipleOptimizersNeedIndex(t *testing.T) {
	a := tensor.NewParameter("a", []int{1}, []float64{1})
	b := tensor.NewParameter("b", []int{1}, []float64{1})
	m := &toy{params: []*tensor.Tensor{a, b}}
	m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 0.1, a), newSGD(t, 0.1, b)}}
	err := newTrainer(t, Config{}).Fit(context.Background(), m, batches(1), nil)
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunningLossIsScalingInvariant(t *testing.T) {
	for _, precision := range []int{32, 16} {
		w := tensor.NewParameter("w", []int{1}, []float64{0.5})
		var raw []float64
		m := &toy{params: []*tensor.Tensor{w}}
		m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 1e-9, w)}}
		m.step = func(args model.StepArgs) (result.Output, error) {
			loss := tensor.Sum(tensor.Mul(w, args.Batch.(*tensor.Tensor)))
			raw = append(raw, loss.Item())
			return result.Plain(result.Dict{result.KeyLoss: loss}), nil
		}
		backend, err := accelerator.New(accelerator.Config{Accelerator: "gpu", Precision: precision})
		if err != nil {
			t.Fatal(err)
		}
		tr, err := New(Config{MaxEpochs: 1, AccumulateGradBatches: 2}, backend, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Fit(context.Background(), m, batches(4), nil); err != nil {
			t.Fatalf("precision %d: %v", precision, err)
		}
		want := (raw[2] + raw[3]) / 2
		if got := tr.State().RunningLoss.Last(); math.Abs(got-want) > 1e-6 {
			t.Fatalf("precision %d: displayed loss %f, want %f", precision, got, want)
		}
	}
}

func TestValidationTrigger(t *testing.T) {
	m, _ := scalarToy(t)
	vm := validatingToy{m}
	m.val = func(model.StepArgs) (result.Output, error) {
		return result.Plain(result.Dict{"val_loss": 1.0}), nil
	}
	rec := &hookRecorder{}
	tr := newTrainer(t, Config{MaxEpochs: 4, ValCheckInterval: 5, CheckValEveryNEpoch: 2}, rec)
	if err := tr.Fit(context.Background(), vm, batches(10), batches(2)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	want := [][2]int{{1, 4}, {1, 9}, {3, 4}, {3, 9}}
	if !reflect.DeepEqual(rec.validations, want) {
		t.Fatalf("validation ran at %v, want %v", rec.validations, want)
	}
	if tr.State().CallbackMetrics["val_loss"] != 1 {
		t.Fatalf("val_loss not published: %v", tr.State().CallbackMetrics)
	}
}

func TestValCheckIntervalBeyondEpochRejected(t *testing.T) {
	m, _ := scalarToy(t)
	tr := newTrainer(t, Config{MaxEpochs: 1, ValCheckInterval: 11})
	err := tr.Fit(context.Background(), validatingToy{m}, batches(10), batches(1))
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	// An epoch of unknown length accepts any count.
	tr = newTrainer(t, Config{MaxEpochs: 1, ValCheckInterval: 11})
	if err := tr.Fit(context.Background(), validatingToy{m}, dataset.Unsized(batches(10)), batches(1)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
}

func TestValidationOnceForUnsizedEpoch(t *testing.T) {
	m, _ := scalarToy(t)
	m.val = func(model.StepArgs) (result.Output, error) {
		return result.Plain(result.Dict{"val_loss": 0.5}), nil
	}
	rec := &hookRecorder{}
	tr := newTrainer(t, Config{MaxEpochs: 1}, rec)
	if err := tr.Fit(context.Background(), validatingToy{m}, dataset.Unsized(batches(7)), batches(1)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if want := [][2]int{{0, 6}}; !reflect.DeepEqual(rec.validations, want) {
		t.Fatalf("validation ran at %v, want %v", rec.validations, want)
	}
}

func TestShouldCheckVal(t *testing.T) {
	tr := newTrainer(t, Config{CheckValEveryNEpoch: 1})
	tr.state = state.New(1, 0)
	if tr.shouldCheckVal(4, false, 5) {
		t.Fatal("validation disabled without a loader")
	}
	tr.valLoader = batches(1)
	if !tr.shouldCheckVal(4, false, 5) || tr.shouldCheckVal(3, false, 5) {
		t.Fatal("interval check wrong")
	}
	if tr.shouldCheckVal(3, true, 5) {
		t.Fatal("the last batch only counts for unbounded intervals")
	}
	tr.state.ShouldStop = true
	if !tr.shouldCheckVal(3, false, 5) {
		t.Fatal("stop should trigger validation")
	}
}

func TestHiddensThreadedAcrossSplits(t *testing.T) {
	w := tensor.NewParameter("w", []int{1}, []float64{1})
	type call struct {
		batch int
		in    any
	}
	var calls []call
	m := &toy{params: []*tensor.Tensor{w}}
	m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 0.01, w)}}
	m.step = func(args model.StepArgs) (result.Output, error) {
		calls = append(calls, call{args.BatchIdx, args.Hiddens})
		return result.Plain(result.Dict{
			result.KeyLoss:    tensor.Sum(tensor.Square(w)),
			result.KeyHiddens: len(calls),
		}), nil
	}
	seq := func() any { return tensor.New([]int{1, 6}, []float64{1, 2, 3, 4, 5, 6}) }
	tr := newTrainer(t, Config{MaxEpochs: 1, TruncatedBPTTSteps: 2})
	if err := tr.Fit(context.Background(), m, dataset.NewList(seq(), seq()), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	want := []call{{0, nil}, {0, 1}, {0, 2}, {1, nil}, {1, 4}, {1, 5}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("hiddens = %+v, want %+v", calls, want)
	}
}

func TestHiddensThreadedBetweenOptimizers(t *testing.T) {
	a := tensor.NewParameter("a", []int{1}, []float64{1})
	b := tensor.NewParameter("b", []int{1}, []float64{1})
	type call struct {
		opt int
		in  any
	}
	var calls []call
	m := &toy{params: []*tensor.Tensor{a, b}, multi: true}
	m.cfg = model.OptimizerConfig{Optimizers: []optim.Optimizer{newSGD(t, 0.01, a), newSGD(t, 0.01, b)}}
	m.step = func(args model.StepArgs) (result.Output, error) {
		calls = append(calls, call{args.OptimizerIdx, args.Hiddens})
		return result.Plain(result.Dict{
			result.KeyLoss:    tensor.Sum(tensor.Add(a, b)),
			result.KeyHiddens: len(calls),
		}), nil
	}
	seq := tensor.New([]int{1, 4}, []float64{1, 2, 3, 4})
	tr := newTrainer(t, Config{MaxEpochs: 1, TruncatedBPTTSteps: 2})
	if err := tr.Fit(context.Background(), m, dataset.NewList(seq), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// Each optimizer sees the state left by the one before it, across splits.
	want := []call{{0, nil}, {1, 1}, {0, 2}, {1, 3}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("hiddens = %+v, want %+v", calls, want)
	}
}

func TestEmptyBatchClosingWindowDropsGradients(t *testing.T) {
	m, w := scalarToy(t)
	loader := dataset.NewList(
		tensor.New([]int{1}, []float64{1}),
		nil,
		tensor.New([]int{1}, []float64{2}),
		tensor.New([]int{1}, []float64{3}),
	)
	tr := newTrainer(t, Config{MaxEpochs: 1, AccumulateGradBatches: 2})
	if err := tr.Fit(context.Background(), m, loader, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := tr.State().GlobalStep; got != 1 {
		t.Fatalf("global_step = %d, want 1", got)
	}
	// Only batches 2 and 3 contribute: grad (2+3)/2, one step of lr 0.01.
	if got := w.Data()[0]; math.Abs(got-0.975) > 1e-12 {
		t.Fatalf("w = %f, want 0.975", got)
	}
}

func TestNonFiniteLossStopsBeforeStep(t *testing.T) {
	m, w := scalarToy(t)
	steps := 0
	m.cfg.Optimizers[0] = &recordingOptimizer{Optimizer: m.cfg.Optimizers[0], onStep: func() { steps++ }}
	m.step = func(args model.StepArgs) (result.Output, error) {
		loss := tensor.Sum(tensor.Mul(w, args.Batch.(*tensor.Tensor)))
		if args.BatchIdx == 2 {
			loss = tensor.MulScalar(loss, math.NaN())
		}
		return result.Plain(result.Dict{result.KeyLoss: loss}), nil
	}
	tr := newTrainer(t, Config{MaxEpochs: 1, TerminateOnNaN: true})
	err := tr.Fit(context.Background(), m, batches(5), nil)
	nf, ok := errs.AsNonFinite(err)
	if !ok || nf.Tensor != "loss" {
		t.Fatalf("expected a non-finite loss error, got %v", err)
	}
	if steps != 2 {
		t.Fatalf("optimizer stepped %d times, want 2", steps)
	}
}

func TestStopFromTrainingStep(t *testing.T) {
	m, w := scalarToy(t)
	m.step = func(args model.StepArgs) (result.Output, error) {
		if args.BatchIdx == 3 {
			return result.Output{}, model.ErrStopTraining
		}
		return result.Plain(result.Dict{result.KeyLoss: tensor.Sum(tensor.Mul(w, args.Batch.(*tensor.Tensor)))}), nil
	}
	tr := newTrainer(t, Config{MaxEpochs: 3})
	if err := tr.Fit(context.Background(), m, batches(10), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	st := tr.State()
	if !st.ShouldStop || st.CurrentEpoch != 0 || st.GlobalStep != 3 || st.TotalBatchIdx != 4 {
		t.Fatalf("stop not honoured: %+v", st)
	}
}

func TestBatchStartStopEndsTraining(t *testing.T) {
	m, _ := scalarToy(t)
	m.val = func(model.StepArgs) (result.Output, error) {
		return result.Plain(result.Dict{"val_loss": 1.0}), nil
	}
	rec := &hookRecorder{stopAt: 2}
	tr := newTrainer(t, Config{MaxEpochs: 3}, rec)
	if err := tr.Fit(context.Background(), validatingToy{m}, batches(5), batches(1)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	st := tr.State()
	if !st.ShouldStop || st.CurrentEpoch != 0 {
		t.Fatalf("should_stop=%t epoch=%d, want true and 0", st.ShouldStop, st.CurrentEpoch)
	}
	if st.GlobalStep != 2 || st.TotalBatchIdx != 3 || rec.started != 3 {
		t.Fatalf("global_step=%d total_batch_idx=%d started=%d, want 2, 3 and 3", st.GlobalStep, st.TotalBatchIdx, rec.started)
	}
	if want := [][2]int{{0, 2}}; !reflect.DeepEqual(rec.validations, want) {
		t.Fatalf("validation ran at %v, want %v", rec.validations, want)
	}
	if rec.batchEnds != 3 || rec.epochEnds != 1 {
		t.Fatalf("batch ends=%d epoch ends=%d, want 3 and 1", rec.batchEnds, rec.epochEnds)
	}
}

func TestOptimizerErrorSurfacesUnchanged(t *testing.T) {
	m, _ := scalarToy(t)
	boom := errors.New("optimizer exploded")
	m.cfg.Optimizers[0] = &failingStep{Optimizer: m.cfg.Optimizers[0], err: boom}
	err := newTrainer(t, Config{MaxEpochs: 1}).Fit(context.Background(), m, batches(3), nil)
	if err != boom {
		t.Fatalf("got %v, want the optimizer's error", err)
	}
}

type failingStep struct {
	optim.Optimizer
	err error
}

func (f *failingStep) Step(optim.Closure) error { return f.err }

func TestEvalResultFromTrainingStepRejected(t *testing.T) {
	m, _ := scalarToy(t)
	m.step = func(model.StepArgs) (result.Output, error) {
		return result.FromResult(result.NewEvalResult()), nil
	}
	err := newTrainer(t, Config{MaxEpochs: 1}).Fit(context.Background(), m, batches(1), nil)
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEmptyBatchIsSkipped(t *testing.T) {
	m, _ := scalarToy(t)
	calls := 0
	inner := m.step
	m.step = func(args model.StepArgs) (result.Output, error) {
		calls++
		return inner(args)
	}
	loader := dataset.NewList(tensor.New([]int{1}, []float64{1}), nil, tensor.New([]int{1}, []float64{2}))
	tr := newTrainer(t, Config{MaxEpochs: 1})
	if err := tr.Fit(context.Background(), m, loader, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if calls != 2 || tr.State().TotalBatchIdx != 3 {
		t.Fatalf("calls=%d total_batch_idx=%d", calls, tr.State().TotalBatchIdx)
	}
}

func TestAccumulationSchedule(t *testing.T) {
	m, _ := scalarToy(t)
	tr := newTrainer(t, Config{MaxEpochs: 3, AccumulateSchedule: map[int]int{0: 1, 1: 2, 2: 5}})
	if err := tr.Fit(context.Background(), m, batches(10), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := tr.State().GlobalStep; got != 10+5+2 {
		t.Fatalf("global_step = %d, want 17", got)
	}
}

func TestLimitAndMaxSteps(t *testing.T) {
	m, _ := scalarToy(t)
	tr := newTrainer(t, Config{MaxEpochs: 5, LimitTrainBatches: 0.5, MaxSteps: 7})
	if err := tr.Fit(context.Background(), m, batches(6), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if st := tr.State(); st.GlobalStep != 7 || st.CurrentEpoch != 2 || st.NumTrainingBatches != 3 {
		t.Fatalf("global_step=%d epoch=%d batches=%d", st.GlobalStep, st.CurrentEpoch, st.NumTrainingBatches)
	}

	err := newTrainer(t, Config{LimitTrainBatches: 0.5}).Fit(context.Background(), m, dataset.Unsized(batches(4)), nil)
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error for a fraction of an unsized loader, got %v", err)
	}
}

func TestFastDevRun(t *testing.T) {
	m, _ := scalarToy(t)
	m.val = func(model.StepArgs) (result.Output, error) {
		return result.Plain(result.Dict{"val_loss": 2.0}), nil
	}
	rec := &hookRecorder{}
	tr := newTrainer(t, Config{MaxEpochs: 10, FastDevRun: true}, rec)
	if err := tr.Fit(context.Background(), validatingToy{m}, batches(8), batches(8)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if st := tr.State(); st.GlobalStep != 1 || rec.started != 1 || len(rec.validations) != 1 {
		t.Fatalf("global_step=%d batches=%d validations=%d", st.GlobalStep, rec.started, len(rec.validations))
	}
}

func TestLearningRateSchedulers(t *testing.T) {
	m, _ := scalarToy(t)
	opt := m.cfg.Optimizers[0]
	m.cfg.Schedulers = []optim.SchedulerConfig{
		{Scheduler: optim.NewStepLR(opt, 1, 0.5), Interval: optim.IntervalStep, Frequency: 2},
	}
	tr := newTrainer(t, Config{MaxEpochs: 2})
	if err := tr.Fit(context.Background(), m, batches(4), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// 8 optimizer steps, the scheduler steps on every second one.
	if lr := opt.ParamGroups()[0].LR; math.Abs(lr-0.01/16) > 1e-15 {
		t.Fatalf("lr = %g, want %g", lr, 0.01/16)
	}

	m2, _ := scalarToy(t)
	opt2 := m2.cfg.Optimizers[0]
	m2.cfg.Schedulers = []optim.SchedulerConfig{{Scheduler: optim.NewStepLR(opt2, 1, 0.1)}}
	tr2 := newTrainer(t, Config{MaxEpochs: 3})
	if err := tr2.Fit(context.Background(), m2, batches(4), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if lr := opt2.ParamGroups()[0].LR; math.Abs(lr-0.01*1e-3) > 1e-15 {
		t.Fatalf("epoch scheduler lr = %g", lr)
	}
}

func TestClosureReevaluatedBySecondOrderOptimizer(t *testing.T) {
	w := tensor.NewParameter("w", []int{1}, []float64{3})
	opt, err := optim.NewLineSearch([]*tensor.Tensor{w}, optim.LineSearchConfig{LR: 4})
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	m := &toy{params: []*tensor.Tensor{w}, cfg: model.OptimizerConfig{Optimizers: []optim.Optimizer{opt}}}
	m.step = func(model.StepArgs) (result.Output, error) {
		calls++
		return result.Plain(result.Dict{result.KeyLoss: tensor.Sum(tensor.Square(w))}), nil
	}
	tr := newTrainer(t, Config{MaxEpochs: 1})
	if err := tr.Fit(context.Background(), m, batches(1), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if calls < 3 || opt.Evaluations() != calls-1 {
		t.Fatalf("training step ran %d times, closure evaluated %d times", calls, opt.Evaluations())
	}
	if math.Abs(w.Data()[0]) >= 3 {
		t.Fatalf("line search made no progress: w=%f", w.Data()[0])
	}
}

func TestEpochEndCheckpointAndLogger(t *testing.T) {
	dir := t.TempDir()
	m, w := scalarToy(t)
	m.step = func(args model.StepArgs) (result.Output, error) {
		loss := tensor.Sum(tensor.Mul(w, args.Batch.(*tensor.Tensor)))
		return result.Plain(result.Dict{
			result.KeyLoss:       loss,
			result.KeyCheckpoint: float64(10 - args.BatchIdx),
			result.KeyLog:        result.Metrics{"train_loss": loss.Item()},
		}), nil
	}
	lg, err := logger.NewJSONLines(filepath.Join(dir, "metrics.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	ckpt := checkpoint.NewModelCheckpoint(dir, "", callback.Min)
	ckpt.SaveLast = true
	tr, err := New(Config{MaxEpochs: 2, RowLogInterval: 1}, nil, lg, ckpt)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Fit(context.Background(), m, batches(4), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// checkpoint_on averages 10,9,8,7 in both epochs: only the first is an improvement.
	if filepath.Base(ckpt.BestPath()) != "epoch=0-step=4.ckpt" || ckpt.BestScore() != 8.5 {
		t.Fatalf("best = %s (%f)", ckpt.BestPath(), ckpt.BestScore())
	}
	records, err := logger.ReadRecords(lg.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) < 8 || records[len(records)-1].Status != "success" {
		t.Fatalf("unexpected log records: %d, last %+v", len(records), records[len(records)-1])
	}
	if _, ok := records[0].Metrics["train_loss"]; !ok {
		t.Fatalf("first record lacks train_loss: %+v", records[0])
	}

	last, err := checkpoint.Load(filepath.Join(dir, checkpoint.LastName))
	if err != nil {
		t.Fatal(err)
	}
	if last.Weights[0].Data[0] != w.Data()[0] {
		t.Fatalf("last checkpoint weight %f, want %f", last.Weights[0].Data[0], w.Data()[0])
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m, w := scalarToy(t)
	st := state.New(5, 0)
	st.CurrentEpoch, st.GlobalStep = 1, 8
	w.Data()[0] = 0.25
	path := filepath.Join(dir, "resume.ckpt")
	if err := checkpoint.Save(checkpoint.FromModule(m, st, "r"), path); err != nil {
		t.Fatal(err)
	}
	w.Data()[0] = 1

	var first float64
	inner := m.step
	m.step = func(args model.StepArgs) (result.Output, error) {
		if first == 0 {
			first = w.Data()[0]
		}
		return inner(args)
	}
	tr := newTrainer(t, Config{MaxEpochs: 3, ResumeFrom: path})
	if err := tr.Fit(context.Background(), m, batches(4), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if first != 0.25 {
		t.Fatalf("training started from w=%f, want 0.25", first)
	}
	if st := tr.State(); st.GlobalStep != 12 || st.CurrentEpoch != 2 {
		t.Fatalf("global_step=%d epoch=%d, want 12 and 2", st.GlobalStep, st.CurrentEpoch)
	}
}

func TestCancelledContextInterruptsFit(t *testing.T) {
	m, _ := scalarToy(t)
	ctx, cancel := context.WithCancel(context.Background())
	inner := m.step
	m.step = func(args model.StepArgs) (result.Output, error) {
		if args.BatchIdx == 1 {
			cancel()
		}
		return inner(args)
	}
	tr := newTrainer(t, Config{MaxEpochs: 2})
	err := tr.Fit(ctx, m, batches(5), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if st := tr.State(); !st.Interrupted || st.TotalBatchIdx != 2 {
		t.Fatalf("interrupted=%v total_batch_idx=%d", st.Interrupted, st.TotalBatchIdx)
	}
}

func TestValidateAndTest(t *testing.T) {
	m := model.NewLinear(1, 0.1, 3)
	data := dataset.NewSliceLoader(dataset.Regression(16, []float64{2}, 1, 0, 1), 4, false, 1)
	tr := newTrainer(t, Config{})
	val, err := tr.Validate(context.Background(), m, data)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	test, err := tr.Test(context.Background(), m, data)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if val["val_loss"] <= 0 || math.Abs(val["val_loss"]-test["test_loss"]) > 1e-12 {
		t.Fatalf("val=%v test=%v", val, test)
	}
	if _, err := tr.Test(context.Background(), &toy{}, data); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDataParallelTruncatedBPTTOddBatch(t *testing.T) {
	backend, err := accelerator.New(accelerator.Config{Accelerator: "dp", Devices: 2})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := New(Config{MaxEpochs: 2, TruncatedBPTTSteps: 2}, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	seq := func(seed int64) any {
		samples := dataset.Echo(3, 6, seed)
		b, err := dataset.Collate(samples)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	m := model.NewRecurrent(0.1, 1)
	if err := tr.Fit(context.Background(), m, dataset.NewList(seq(1), seq(2)), nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := tr.State().GlobalStep; got != 4 {
		t.Fatalf("global_step = %d, want 4", got)
	}
}

func TestDistributedRanksStayInSync(t *testing.T) {
	const world = 2
	groups := accelerator.NewLocalGroups(world)
	samples := dataset.Regression(32, []float64{1.5}, -0.5, 0, 4)
	weights := make([][]float64, world)
	errCh := make(chan error, world)

	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			backend, err := accelerator.New(accelerator.Config{Accelerator: "ddp", Group: groups[rank]})
			if err != nil {
				errCh <- err
				return
			}
			m := model.NewLinear(1, 0.1, int64(rank+10))
			tr, err := New(Config{MaxEpochs: 3}, backend, nil)
			if err != nil {
				errCh <- err
				return
			}
			train := dataset.NewSliceLoader(samples, 4, true, 7)
			val := dataset.NewSliceLoader(samples[:8], 4, false, 7)
			if err := tr.Fit(context.Background(), m, train, val); err != nil {
				errCh <- err
				return
			}
			weights[rank] = append(append([]float64(nil), m.Weight.Data()...), m.Bias.Data()...)
			if got := tr.State().GlobalStep; got != 3*4 {
				errCh <- errors.Errorf("rank %d global_step = %d", rank, got)
			}
		}(rank)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(weights[0], weights[1]) {
		t.Fatalf("ranks diverged: %v vs %v", weights[0], weights[1])
	}
}
