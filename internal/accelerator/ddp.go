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

// Distributed runs one trainer per rank. Parameters are broadcast from rank
// 0 at setup, gradients are averaged after every backward pass, loaders are
// sharded by rank and epoch metrics are averaged before they are logged.
// Only rank 0 logs and checkpoints.
type Distributed struct {
	base
	group ProcessGroup
}

// NewDistributed returns the backend for the rank owning cfg.Group.
func NewDistributed(cfg Config) (*Distributed, error) {
	if cfg.Group == nil {
		return nil, errs.Configf("ddp needs a process group")
	}
	if cfg.Group.WorldSize() < 1 {
		return nil, errs.Configf("ddp world size must be >= 1 (got %d)", cfg.Group.WorldSize())
	}
	return &Distributed{base: newBase(cfg, tensor.GPU(cfg.Group.Rank())), group: cfg.Group}, nil
}

func (d *Distributed) Name() string { return "ddp" }

// Rank returns the process rank.
func (d *Distributed) Rank() int { return d.group.Rank() }

func (d *Distributed) Setup(m model.Module) error {
	if err := d.base.Setup(m); err != nil {
		return err
	}
	params := m.Parameters()
	flat := flatten(params, func(p *tensor.Tensor) []float64 { return p.Data() })
	if err := d.group.Broadcast(flat, 0); err != nil {
		return errors.WithMessage(err, "sync parameters")
	}
	unflatten(params, flat, func(p *tensor.Tensor) []float64 { return p.Data() })
	if d.IsGlobalZero() {
		log.Printf("backend=ddp world_size=%d precision=%d", d.group.WorldSize(), d.precision)
	}
	return nil
}

func (d *Distributed) Backward(loss *tensor.Tensor, opt optim.Optimizer, optimizerIdx int) (*tensor.Tensor, error) {
	out, err := d.base.Backward(loss, opt, optimizerIdx)
	if err != nil {
		return nil, err
	}
	params := withGrad(optim.Params(opt))
	flat := flatten(params, func(p *tensor.Tensor) []float64 { return p.Grad() })
	if err := d.group.AllReduceMean(flat); err != nil {
		return nil, errors.WithMessagef(err, "sync gradients of optimizer %d", optimizerIdx)
	}
	unflatten(params, flat, func(p *tensor.Tensor) []float64 { return p.Grad() })
	return out, nil
}

// OptimizerStep averages the closure loss over ranks so closure-evaluating
// optimizers take the same decisions everywhere.
func (d *Distributed) OptimizerStep(opt optim.Optimizer, batchIdx, optimizerIdx int, closure optim.Closure) error {
	if closure != nil {
		inner := closure
		closure = func() (float64, error) {
			loss, err := inner()
			if err != nil {
				return loss, err
			}
			v := []float64{loss}
			if err := d.group.AllReduceMean(v); err != nil {
				return loss, err
			}
			return v[0], nil
		}
	}
	return d.base.OptimizerStep(opt, batchIdx, optimizerIdx, closure)
}

func (d *Distributed) ProcessLoader(l dataset.Loader) (dataset.Loader, error) {
	return dataset.Shard(l, d.group.Rank(), d.group.WorldSize())
}

// SyncMetrics averages m over ranks. Every rank must report the same keys.
func (d *Distributed) SyncMetrics(m result.Metrics) (result.Metrics, error) {
	keys := m.Keys()
	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	if err := d.group.AllReduceMean(values); err != nil {
		return nil, errors.WithMessage(err, "sync metrics")
	}
	out := make(result.Metrics, len(keys))
	for i, k := range keys {
		out[k] = values[i]
	}
	return out, nil
}

func (d *Distributed) IsGlobalZero() bool { return d.group.Rank() == 0 }

func (d *Distributed) Teardown() error {
	if err := d.group.Barrier(); err != nil {
		return err
	}
	return d.base.Teardown()
}

// Abort releases the other ranks after a fatal error on this one.
func (d *Distributed) Abort(err error) { d.group.Abort(err) }

func withGrad(params []*tensor.Tensor) []*tensor.Tensor {
	out := params[:0:0]
	for _, p := range params {
		if p.Grad() != nil {
			out = append(out, p)
		}
	}
	return out
}

func flatten(params []*tensor.Tensor, get func(*tensor.Tensor) []float64) []float64 {
	var flat []float64
	for _, p := range params {
		flat = append(flat, get(p)...)
	}
	return flat
}

func unflatten(params []*tensor.Tensor, flat []float64, get func(*tensor.Tensor) []float64) {
	off := 0
	for _, p := range params {
		dst := get(p)
		copy(dst, flat[off:off+len(dst)])
		off += len(dst)
	}
}
