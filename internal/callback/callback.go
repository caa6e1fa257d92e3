// Package callback defines the lifecycle hooks the training loop invokes and
// the ordered dispatcher that runs them.
package callback

import (
	"github.com/pkg/errors"

	"loopforge/internal/model"
	"loopforge/internal/state"
)

// Signal is returned by hooks that may abort the current epoch.
type Signal int

const (
	Continue Signal = iota
	Stop
)

func (s Signal) String() string {
	if s == Stop {
		return "stop"
	}
	return "continue"
}

// Host is the view of the running trainer handed to every hook.
type Host interface {
	State() *state.Training
	Module() model.Module
	// IsGlobalZero is true on the process that owns logging and checkpoints.
	IsGlobalZero() bool
}

// Callback is the fixed hook surface. Embed Base to implement a subset.
type Callback interface {
	OnTrainStart(h Host) error
	OnTrainEnd(h Host) error
	OnEpochStart(h Host) error
	OnEpochEnd(h Host) error
	// OnBatchStart returning Stop ends the current epoch immediately.
	OnBatchStart(h Host, batch any, batchIdx int) (Signal, error)
	OnBatchEnd(h Host) error
	OnAfterBackward(h Host, optimizerIdx int) error
	OnValidationStart(h Host) error
	OnValidationEnd(h Host) error
}

// Checkpointer is a callback that persists the module. The loop calls
// Checkpoint directly at epoch end when the module has no validation loop.
type Checkpointer interface {
	Callback
	Checkpoint(h Host) error
}

// Base implements every hook as a no-op.
type Base struct{}

func (Base) OnTrainStart(Host) error                     { return nil }
func (Base) OnTrainEnd(Host) error                       { return nil }
func (Base) OnEpochStart(Host) error                     { return nil }
func (Base) OnEpochEnd(Host) error                       { return nil }
func (Base) OnBatchStart(Host, any, int) (Signal, error) { return Continue, nil }
func (Base) OnBatchEnd(Host) error                       { return nil }
func (Base) OnAfterBackward(Host, int) error             { return nil }
func (Base) OnValidationStart(Host) error                { return nil }
func (Base) OnValidationEnd(Host) error                  { return nil }

// Dispatcher invokes callbacks in registration order.
type Dispatcher struct {
	callbacks []Callback
}

// NewDispatcher returns a dispatcher over cbs.
func NewDispatcher(cbs ...Callback) *Dispatcher {
	d := &Dispatcher{}
	for _, cb := range cbs {
		d.Add(cb)
	}
	return d
}

// Add appends cb. Nil callbacks are ignored.
func (d *Dispatcher) Add(cb Callback) {
	if cb != nil {
		d.callbacks = append(d.callbacks, cb)
	}
}

// Len returns the number of registered callbacks.
func (d *Dispatcher) Len() int { return len(d.callbacks) }

func (d *Dispatcher) each(hook string, fn func(Callback) error) error {
	for i, cb := range d.callbacks {
		if err := fn(cb); err != nil {
			return errors.WithMessagef(err, "callback %d (%T) %s", i, cb, hook)
		}
	}
	return nil
}

func (d *Dispatcher) TrainStart(h Host) error {
	return d.each("on_train_start", func(cb Callback) error { return cb.OnTrainStart(h) })
}

func (d *Dispatcher) TrainEnd(h Host) error {
	return d.each("on_train_end", func(cb Callback) error { return cb.OnTrainEnd(h) })
}

func (d *Dispatcher) EpochStart(h Host) error {
	return d.each("on_epoch_start", func(cb Callback) error { return cb.OnEpochStart(h) })
}

func (d *Dispatcher) EpochEnd(h Host) error {
	return d.each("on_epoch_end", func(cb Callback) error { return cb.OnEpochEnd(h) })
}

// BatchStart stops at the first callback returning Stop.
func (d *Dispatcher) BatchStart(h Host, batch any, batchIdx int) (Signal, error) {
	for i, cb := range d.callbacks {
		sig, err := cb.OnBatchStart(h, batch, batchIdx)
		if err != nil {
			return Continue, errors.WithMessagef(err, "callback %d (%T) on_batch_start", i, cb)
		}
		if sig == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}

func (d *Dispatcher) BatchEnd(h Host) error {
	return d.each("on_batch_end", func(cb Callback) error { return cb.OnBatchEnd(h) })
}

func (d *Dispatcher) AfterBackward(h Host, optimizerIdx int) error {
	return d.each("on_after_backward", func(cb Callback) error { return cb.OnAfterBackward(h, optimizerIdx) })
}

func (d *Dispatcher) ValidationStart(h Host) error {
	return d.each("on_validation_start", func(cb Callback) error { return cb.OnValidationStart(h) })
}

func (d *Dispatcher) ValidationEnd(h Host) error {
	return d.each("on_validation_end", func(cb Callback) error { return cb.OnValidationEnd(h) })
}

// Checkpoint runs every registered Checkpointer.
func (d *Dispatcher) Checkpoint(h Host) error {
	return d.each("checkpoint", func(cb Callback) error {
		if c, ok := cb.(Checkpointer); ok {
			return c.Checkpoint(h)
		}
		return nil
	})
}
