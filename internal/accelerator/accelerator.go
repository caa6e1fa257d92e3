// Package accelerator runs model steps, backward passes and optimizer steps
// on a compute topology: host CPU, one accelerator device, several devices
// in one process (data parallel) or one process per device (distributed).
package accelerator

import (
	"log"

	"github.com/pkg/errors"

	"loopforge/internal/dataset"
	"loopforge/internal/errs"
	"loopforge/internal/model"
	"loopforge/internal/optim"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// Backend executes the training loop's compute on one topology.
type Backend interface {
	Name() string
	Setup(m model.Module) error
	TrainingStep(args model.StepArgs) (result.Output, error)
	ValidationStep(args model.StepArgs) (result.Output, error)
	TestStep(args model.StepArgs) (result.Output, error)
	// Backward runs the backward pass of loss and returns the unscaled loss.
	Backward(loss *tensor.Tensor, opt optim.Optimizer, optimizerIdx int) (*tensor.Tensor, error)
	// OptimizerStep steps opt, returning its error unchanged.
	OptimizerStep(opt optim.Optimizer, batchIdx, optimizerIdx int, closure optim.Closure) error
	OptimizerZeroGrad(batchIdx int, opt optim.Optimizer, optimizerIdx int)
	ClipGradients(opt optim.Optimizer)
	ToDevice(batch any) any
	ProcessLoader(l dataset.Loader) (dataset.Loader, error)
	SyncMetrics(m result.Metrics) (result.Metrics, error)
	IsGlobalZero() bool
	Teardown() error
}

// Config selects and configures a backend.
type Config struct {
	// Accelerator is one of "cpu", "gpu", "dp" or "ddp".
	Accelerator string
	Devices     int
	// Precision is 32 or 16. 16 runs forwards under autocast with a
	// dynamic loss scaler.
	Precision       int
	GradientClipVal float64
	// Group connects the ranks of a "ddp" run.
	Group ProcessGroup
}

// New builds the backend described by cfg.
func New(cfg Config) (Backend, error) {
	if cfg.Precision == 0 {
		cfg.Precision = 32
	}
	if cfg.Precision != 16 && cfg.Precision != 32 {
		return nil, errs.Configf("precision must be 16 or 32 (got %d)", cfg.Precision)
	}
	if cfg.GradientClipVal < 0 {
		return nil, errs.Configf("gradient_clip_val must be >= 0 (got %g)", cfg.GradientClipVal)
	}
	var (
		b   Backend
		err error
	)
	switch cfg.Accelerator {
	case "", "cpu":
		b, err = NewCPU(cfg)
	case "gpu":
		b, err = NewGPU(cfg)
	case "dp":
		b, err = NewDataParallel(cfg)
	case "ddp":
		b, err = NewDistributed(cfg)
	default:
		err = errs.Configf("unknown accelerator %q", cfg.Accelerator)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// base implements the single-device behaviour shared by every backend.
type base struct {
	module    model.Module
	device    tensor.Device
	precision int
	clipVal   float64
	scaler    *GradScaler
	// unscaled records, per optimizer, that its gradients were unscaled
	// during the current step and whether they were finite.
	unscaled map[optim.Optimizer]bool
}

func newBase(cfg Config, device tensor.Device) base {
	b := base{device: device, precision: cfg.Precision, clipVal: cfg.GradientClipVal, unscaled: map[optim.Optimizer]bool{}}
	if cfg.Precision == 16 {
		b.scaler = NewGradScaler()
	}
	return b
}

// Scaler returns the loss scaler, nil at full precision.
func (b *base) Scaler() *GradScaler { return b.scaler }

func (b *base) Setup(m model.Module) error {
	if m == nil {
		return errors.New("setup: nil module")
	}
	b.module = m
	for _, p := range m.Parameters() {
		p.MoveTo(b.device)
	}
	return nil
}

func (b *base) autocast() tensor.Autocast {
	return tensor.Autocast{Enabled: b.precision == 16}
}

func (b *base) prepare(args model.StepArgs) model.StepArgs {
	args.Batch = b.ToDevice(args.Batch)
	args.Autocast = b.autocast()
	return args
}

func (b *base) TrainingStep(args model.StepArgs) (result.Output, error) {
	return b.module.TrainingStep(b.prepare(args))
}

func (b *base) ValidationStep(args model.StepArgs) (result.Output, error) {
	v, ok := b.module.(model.ValidationStepper)
	if !ok {
		return result.Output{}, errs.Configf("module %T has no validation step", b.module)
	}
	return v.ValidationStep(b.prepare(args))
}

func (b *base) TestStep(args model.StepArgs) (result.Output, error) {
	v, ok := b.module.(model.TestStepper)
	if !ok {
		return result.Output{}, errs.Configf("module %T has no test step", b.module)
	}
	return v.TestStep(b.prepare(args))
}

func (b *base) Backward(loss *tensor.Tensor, _ optim.Optimizer, optimizerIdx int) (*tensor.Tensor, error) {
	scaled := loss
	if b.scaler != nil {
		scaled = b.scaler.ScaleLoss(loss)
	}
	if err := scaled.Backward(); err != nil {
		return nil, errors.WithMessagef(err, "backward for optimizer %d", optimizerIdx)
	}
	return loss, nil
}

// unscale divides the gradients of opt by the loss scale once per step and
// reports whether they are finite.
func (b *base) unscale(opt optim.Optimizer) bool {
	if finite, done := b.unscaled[opt]; done {
		return finite
	}
	finite := b.scaler.Unscale(optim.Params(opt))
	b.unscaled[opt] = finite
	return finite
}

func (b *base) ClipGradients(opt optim.Optimizer) {
	if b.clipVal <= 0 {
		return
	}
	if b.scaler != nil && !b.unscale(opt) {
		return
	}
	optim.ClipGradNorm(optim.Params(opt), b.clipVal)
}

// OptimizerStep steps opt. Under loss scaling the gradients are unscaled
// first and the step is skipped when they are not finite; the closure is
// wrapped so gradients it recomputes are unscaled as well. Optimizers that
// evaluate the closure must clear gradients before each evaluation.
func (b *base) OptimizerStep(opt optim.Optimizer, batchIdx, optimizerIdx int, closure optim.Closure) error {
	if b.scaler == nil {
		return opt.Step(closure)
	}
	defer delete(b.unscaled, opt)
	if !b.unscale(opt) {
		b.scaler.Update(true)
		log.Printf("amp: skipped step optimizer=%d batch=%d scale=%g", optimizerIdx, batchIdx, b.scaler.Scale())
		return nil
	}
	wrapped := closure
	if closure != nil {
		wrapped = func() (float64, error) {
			loss, err := closure()
			if err != nil {
				return loss, err
			}
			b.scaler.Unscale(optim.Params(opt))
			return loss, nil
		}
	}
	err := opt.Step(wrapped)
	b.scaler.Update(false)
	return err
}

func (b *base) OptimizerZeroGrad(_ int, opt optim.Optimizer, _ int) {
	opt.ZeroGrad()
}

func (b *base) ToDevice(batch any) any {
	return ToDevice(batch, b.device)
}

func (b *base) ProcessLoader(l dataset.Loader) (dataset.Loader, error) {
	return l, nil
}

func (b *base) SyncMetrics(m result.Metrics) (result.Metrics, error) {
	return m, nil
}

func (b *base) IsGlobalZero() bool { return true }

func (b *base) Teardown() error {
	if b.module == nil {
		return nil
	}
	for _, p := range b.module.Parameters() {
		p.MoveTo(tensor.Host)
	}
	return nil
}
