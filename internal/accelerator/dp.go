package accelerator

import (
	"log"
	"sync"

	"github.com/pkg/errors"

	"loopforge/internal/errs"
	"loopforge/internal/model"
	"loopforge/internal/result"
	"loopforge/internal/tensor"
)

// DataParallel splits every batch across several devices of one process,
// runs the replica forwards concurrently and gathers their outputs. The
// replicas share the module's parameters, so backward and the optimizer
// step happen once, on the root device.
type DataParallel struct {
	base
	devices []tensor.Device
}

// NewDataParallel returns a backend over cfg.Devices devices.
func NewDataParallel(cfg Config) (*DataParallel, error) {
	if cfg.Devices < 1 {
		return nil, errs.Configf("dp needs at least one device (got %d)", cfg.Devices)
	}
	devices := make([]tensor.Device, cfg.Devices)
	for i := range devices {
		devices[i] = tensor.GPU(i)
	}
	return &DataParallel{base: newBase(cfg, devices[0]), devices: devices}, nil
}

func (d *DataParallel) Name() string { return "dp" }

func (d *DataParallel) Setup(m model.Module) error {
	log.Printf("backend=dp devices=%d precision=%d", len(d.devices), d.precision)
	return d.base.Setup(m)
}

type stepFunc func(args model.StepArgs) (result.Output, error)

func (d *DataParallel) TrainingStep(args model.StepArgs) (result.Output, error) {
	return d.parallel(args, d.module.TrainingStep)
}

func (d *DataParallel) ValidationStep(args model.StepArgs) (result.Output, error) {
	v, ok := d.module.(model.ValidationStepper)
	if !ok {
		return result.Output{}, errs.Configf("module %T has no validation step", d.module)
	}
	return d.parallel(args, v.ValidationStep)
}

func (d *DataParallel) TestStep(args model.StepArgs) (result.Output, error) {
	v, ok := d.module.(model.TestStepper)
	if !ok {
		return result.Output{}, errs.Configf("module %T has no test step", d.module)
	}
	return d.parallel(args, v.TestStep)
}

// parallel runs step on every replica. Hidden state with one row per
// sample is split like the batch so each replica continues its own rows.
func (d *DataParallel) parallel(args model.StepArgs, step stepFunc) (result.Output, error) {
	chunks := Scatter(args.Batch, len(d.devices))
	var hiddens []any
	if rows := leadingDim(args.Batch); rows > 0 && leadingDim(args.Hiddens) == rows {
		hiddens = Scatter(args.Hiddens, len(d.devices))
	}
	outs := make([]result.Output, len(chunks))
	failures := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk any) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					failures[i] = errors.Errorf("panic: %v", r)
				}
			}()
			a := args
			a.Batch = ToDevice(chunk, d.devices[i])
			if hiddens != nil {
				a.Hiddens = ToDevice(hiddens[i], d.devices[i])
			}
			a.Autocast = d.autocast()
			outs[i], failures[i] = step(a)
		}(i, chunk)
	}
	wg.Wait()
	for i, err := range failures {
		if err != nil {
			return result.Output{}, errors.WithMessagef(err, "replica %d", i)
		}
	}
	return result.Gather(outs)
}

// Scatter splits the tensor leaves of batch along axis 0 into at most n
// chunks. Other leaves are shared by every chunk. A batch without tensors,
// or with fewer rows than n, yields fewer chunks.
func Scatter(batch any, n int) []any {
	rows := leadingDim(batch)
	if rows <= 0 || n <= 1 {
		return []any{batch}
	}
	if n > rows {
		n = rows
	}
	size := (rows + n - 1) / n
	var chunks []any
	for start := 0; start < rows; start += size {
		length := size
		if start+length > rows {
			length = rows - start
		}
		chunks = append(chunks, narrowRows(batch, rows, start, length))
	}
	return chunks
}

func leadingDim(batch any) int {
	switch b := batch.(type) {
	case *tensor.Tensor:
		if b != nil {
			if s := b.Shape(); len(s) > 0 {
				return s[0]
			}
		}
	case []any:
		for _, v := range b {
			if n := leadingDim(v); n > 0 {
				return n
			}
		}
	case map[string]any:
		for _, v := range b {
			if n := leadingDim(v); n > 0 {
				return n
			}
		}
	}
	return 0
}

func narrowRows(batch any, rows, start, length int) any {
	switch b := batch.(type) {
	case *tensor.Tensor:
		if b != nil {
			if s := b.Shape(); len(s) > 0 && s[0] == rows {
				return tensor.Narrow(b, 0, start, length)
			}
		}
		return b
	case []any:
		out := make([]any, len(b))
		for i, v := range b {
			out[i] = narrowRows(v, rows, start, length)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(b))
		for k, v := range b {
			out[k] = narrowRows(v, rows, start, length)
		}
		return out
	default:
		return batch
	}
}
