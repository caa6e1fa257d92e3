// Package trainer drives a model through epochs of training, validation
// and testing on an accelerator backend.
package trainer

import (
	"context"
	"log"
	"math"

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

// unbounded marks an epoch length or validation interval that is not known.
const unbounded = math.MaxInt

// Config captures the knobs of the training loop.
type Config struct {
	// MaxEpochs of 0 means no epoch limit; MaxSteps of 0 means no step limit.
	MaxEpochs int
	MaxSteps  int

	AccumulateGradBatches int
	// AccumulateSchedule maps an epoch to the accumulation factor used from
	// that epoch on.
	AccumulateSchedule map[int]int
	TruncatedBPTTSteps int

	// LimitTrainBatches in (0,1] is a fraction of the epoch, above 1 a
	// batch count; 0 trains on everything.
	LimitTrainBatches float64
	// ValCheckInterval in (0,1] is a fraction of the epoch, above 1 a
	// batch count.
	ValCheckInterval    float64
	CheckValEveryNEpoch int
	// FastDevRun runs a single training and validation batch.
	FastDevRun bool

	TerminateOnNaN bool
	// TrackGradNorm is the norm type logged every RowLogInterval batches;
	// 0 disables tracking.
	TrackGradNorm   float64
	RowLogInterval  int
	LogSaveInterval int

	// ResumeFrom restores weights and counters from a checkpoint before
	// training starts.
	ResumeFrom string
}

func (c *Config) setDefaults() {
	if c.AccumulateGradBatches <= 0 {
		c.AccumulateGradBatches = 1
	}
	if c.ValCheckInterval <= 0 {
		c.ValCheckInterval = 1
	}
	if c.CheckValEveryNEpoch <= 0 {
		c.CheckValEveryNEpoch = 1
	}
	if c.RowLogInterval <= 0 {
		c.RowLogInterval = 50
	}
	if c.LogSaveInterval <= 0 {
		c.LogSaveInterval = 100
	}
	if c.FastDevRun {
		c.MaxEpochs = 1
		c.MaxSteps = 0
	}
	if c.MaxEpochs <= 0 && c.MaxSteps <= 0 {
		c.MaxEpochs = 1
	}
}

// Trainer runs Fit, Validate and Test. A Trainer drives one module at a
// time and is not safe for concurrent use.
type Trainer struct {
	cfg       Config
	backend   accelerator.Backend
	callbacks *callback.Dispatcher
	logs      *loggerConnector

	module     model.Module
	state      *state.Training
	schedule   *optim.Schedule
	lr         *lrConnector
	trainable  []*tensor.Tensor
	valLoader  dataset.Loader
	setupDone  bool
	registered model.Module
}

// New returns a trainer. A nil backend runs on the host CPU and a nil lg
// discards metrics.
func New(cfg Config, backend accelerator.Backend, lg logger.Logger, cbs ...callback.Callback) (*Trainer, error) {
	cfg.setDefaults()
	if cfg.LimitTrainBatches < 0 {
		return nil, errs.Configf("limit_train_batches must be >= 0 (got %g)", cfg.LimitTrainBatches)
	}
	if cfg.ValCheckInterval > 1 && cfg.ValCheckInterval != math.Trunc(cfg.ValCheckInterval) {
		return nil, errs.Configf("val_check_interval above 1 must be a batch count (got %g)", cfg.ValCheckInterval)
	}
	if cfg.TruncatedBPTTSteps < 0 {
		return nil, errs.Configf("truncated_bptt_steps must be >= 0 (got %d)", cfg.TruncatedBPTTSteps)
	}
	for epoch, k := range cfg.AccumulateSchedule {
		if epoch < 0 || k < 1 {
			return nil, errs.Configf("invalid accumulation schedule entry %d:%d", epoch, k)
		}
	}
	if backend == nil {
		b, err := accelerator.New(accelerator.Config{})
		if err != nil {
			return nil, err
		}
		backend = b
	}
	if lg == nil {
		lg = logger.Nop{}
	}
	t := &Trainer{
		cfg:       cfg,
		backend:   backend,
		callbacks: callback.NewDispatcher(cbs...),
		state:     state.New(cfg.MaxEpochs, cfg.MaxSteps),
	}
	t.logs = &loggerConnector{trainer: t, logger: lg}
	return t, nil
}

// State implements callback.Host.
func (t *Trainer) State() *state.Training { return t.state }

// Module implements callback.Host.
func (t *Trainer) Module() model.Module { return t.module }

// IsGlobalZero implements callback.Host.
func (t *Trainer) IsGlobalZero() bool { return t.backend.IsGlobalZero() }

// Backend returns the backend the trainer runs on.
func (t *Trainer) Backend() accelerator.Backend { return t.backend }

// Fit trains m on train, validating on val when it is non-nil and m has a
// validation step.
func (t *Trainer) Fit(ctx context.Context, m model.Module, train, val dataset.Loader) (err error) {
	if train == nil {
		return errs.Configf("fit: no training loader")
	}
	t.state = state.New(t.cfg.MaxEpochs, t.cfg.MaxSteps)
	st := t.state
	st.AccumulateGradBatches = t.cfg.AccumulateGradBatches
	if t.cfg.ResumeFrom != "" {
		if err := t.resume(m); err != nil {
			return err
		}
	}
	if err := t.setup(m); err != nil {
		return err
	}

	train, err = t.backend.ProcessLoader(train)
	if err != nil {
		return errors.WithMessage(err, "fit: prepare training loader")
	}
	t.valLoader = nil
	if _, ok := m.(model.ValidationStepper); ok && val != nil {
		if t.valLoader, err = t.backend.ProcessLoader(val); err != nil {
			return errors.WithMessage(err, "fit: prepare validation loader")
		}
	}
	if _, ok := train.(dataset.EpochSetter); !ok {
		log.Printf("fit: training loader %T cannot reseed per epoch, order is fixed", train)
	}

	status := "failed"
	defer func() {
		if ferr := t.logs.finalize(status); ferr != nil && err == nil {
			err = ferr
		}
		if terr := t.backend.Teardown(); terr != nil && err == nil {
			err = errors.WithMessage(terr, "fit: teardown")
		}
		t.setupDone = false
		st.Reset()
	}()

	if err := t.callbacks.TrainStart(t); err != nil {
		return err
	}
	log.Printf("fit: backend=%s optimizers=%d max_epochs=%d max_steps=%d accumulate=%d",
		t.backend.Name(), t.schedule.Len(), st.MaxEpochs, st.MaxSteps, st.AccumulateGradBatches)

	for epoch := st.CurrentEpoch; st.MaxEpochs == 0 || epoch < st.MaxEpochs; epoch++ {
		if ctx.Err() != nil {
			st.Interrupted = true
			break
		}
		if err := t.runEpoch(ctx, epoch, train); err != nil {
			return err
		}
		if st.Interrupted || st.ShouldStop || st.ReachedMaxSteps() {
			break
		}
	}

	if err := t.callbacks.TrainEnd(t); err != nil {
		return err
	}
	if st.Interrupted {
		status = "interrupted"
		log.Printf("fit: interrupted epoch=%d step=%d", st.CurrentEpoch, st.GlobalStep)
		return ctx.Err()
	}
	status = "success"
	log.Printf("fit: done epoch=%d step=%d", st.CurrentEpoch, st.GlobalStep)
	return nil
}

// setup binds m to the trainer: optimizers, schedulers, callbacks and
// device placement. It runs once per module.
func (t *Trainer) setup(m model.Module) error {
	if m == nil {
		return errs.Configf("no module")
	}
	if t.setupDone && t.module == m {
		return nil
	}
	cfg, err := m.ConfigureOptimizers()
	if err != nil {
		return errors.WithMessage(err, "configure optimizers")
	}
	schedule, err := optim.NewSchedule(cfg.Optimizers, cfg.Frequencies)
	if err != nil {
		return err
	}
	if schedule.Len() > 1 {
		if oi, ok := m.(model.OptimizerIndexer); !ok || !oi.UsesOptimizerIndex() {
			return errs.Configf("module %T configures %d optimizers but its training step does not take an optimizer index", m, schedule.Len())
		}
	}
	for i := range cfg.Schedulers {
		if err := cfg.Schedulers[i].Validate(); err != nil {
			return errs.Configf("lr scheduler %d: %v", i, err)
		}
	}

	if err := t.backend.Setup(m); err != nil {
		return errors.WithMessage(err, "backend setup")
	}

	t.trainable = t.trainable[:0]
	for _, p := range m.Parameters() {
		if p.RequiresGrad() {
			t.trainable = append(t.trainable, p)
		}
	}
	if cb, ok := m.(callback.Callback); ok && t.registered != m {
		t.callbacks.Add(cb)
		t.registered = m
	}
	t.module = m
	t.schedule = schedule
	t.lr = &lrConnector{schedulers: cfg.Schedulers}
	t.setupDone = true
	return nil
}

// resume restores weights and counters before the backend places the
// module, so every rank starts from the restored weights.
func (t *Trainer) resume(m model.Module) error {
	ckpt, err := checkpoint.Load(t.cfg.ResumeFrom)
	if err != nil {
		return errors.WithMessage(err, "resume")
	}
	if err := ckpt.Restore(m); err != nil {
		return errors.WithMessage(err, "resume")
	}
	t.setupDone = false
	t.state.CurrentEpoch = ckpt.Progress.Epoch + 1
	t.state.GlobalStep = ckpt.Progress.GlobalStep
	log.Printf("resume: path=%s epoch=%d step=%d", t.cfg.ResumeFrom, t.state.CurrentEpoch, t.state.GlobalStep)
	return nil
}

// Validate runs one pass of the validation step over loader and returns the
// reduced metrics.
func (t *Trainer) Validate(ctx context.Context, m model.Module, loader dataset.Loader) (result.Metrics, error) {
	if _, ok := m.(model.ValidationStepper); !ok {
		return nil, errs.Configf("module %T has no validation step", m)
	}
	return t.standaloneEval(ctx, m, loader, false)
}

// Test runs one pass of the test step over loader and returns the reduced
// metrics.
func (t *Trainer) Test(ctx context.Context, m model.Module, loader dataset.Loader) (result.Metrics, error) {
	if _, ok := m.(model.TestStepper); !ok {
		return nil, errs.Configf("module %T has no test step", m)
	}
	return t.standaloneEval(ctx, m, loader, true)
}

func (t *Trainer) standaloneEval(ctx context.Context, m model.Module, loader dataset.Loader, test bool) (result.Metrics, error) {
	if loader == nil {
		return nil, errs.Configf("no evaluation loader")
	}
	if err := t.setup(m); err != nil {
		return nil, err
	}
	loader, err := t.backend.ProcessLoader(loader)
	if err != nil {
		return nil, err
	}
	out, err := t.evaluate(ctx, loader, test)
	if err != nil {
		return nil, err
	}
	if err := t.logs.save(); err != nil {
		return nil, err
	}
	return out, nil
}
