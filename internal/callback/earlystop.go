package callback

import (
	"log"
	"math"

	"loopforge/internal/model"
)

// Mode tells monitor-based callbacks whether smaller or larger is better.
type Mode string

const (
	Min Mode = "min"
	Max Mode = "max"
)

// Improved reports whether current beats best by more than delta.
func (m Mode) Improved(current, best, delta float64) bool {
	if math.IsNaN(current) {
		return false
	}
	if math.IsInf(best, 0) || math.IsNaN(best) {
		return true
	}
	if m == Max {
		return current > best+delta
	}
	return current < best-delta
}

// EarlyStopping stops training when the monitored metric has not improved
// for Patience consecutive checks.
type EarlyStopping struct {
	Base
	Monitor  string
	MinDelta float64
	Patience int
	Mode     Mode

	best float64
	wait int
}

// NewEarlyStopping returns a callback monitoring key. An empty key monitors
// "early_stop_on".
func NewEarlyStopping(key string, patience int, mode Mode) *EarlyStopping {
	if key == "" {
		key = "early_stop_on"
	}
	if mode == "" {
		mode = Min
	}
	return &EarlyStopping{Monitor: key, Patience: patience, Mode: mode}
}

// Wait returns the number of checks without improvement.
func (e *EarlyStopping) Wait() int { return e.wait }

// Best returns the best value seen.
func (e *EarlyStopping) Best() float64 { return e.best }

func (e *EarlyStopping) OnTrainStart(Host) error {
	e.wait = 0
	e.best = math.Inf(1)
	if e.Mode == Max {
		e.best = math.Inf(-1)
	}
	return nil
}

func (e *EarlyStopping) OnValidationEnd(h Host) error {
	e.check(h)
	return nil
}

// OnEpochEnd only checks when the module has no validation loop.
func (e *EarlyStopping) OnEpochEnd(h Host) error {
	if _, ok := h.Module().(model.ValidationStepper); !ok {
		e.check(h)
	}
	return nil
}

func (e *EarlyStopping) check(h Host) {
	st := h.State()
	current, ok := st.CallbackMetrics[e.Monitor]
	if !ok {
		log.Printf("early stopping: metric %q not available, skipping", e.Monitor)
		return
	}
	if e.Mode.Improved(current, e.best, e.MinDelta) {
		e.best = current
		e.wait = 0
		return
	}
	e.wait++
	if e.wait >= e.Patience {
		log.Printf("early stopping: epoch=%d %s=%.4f best=%.4f wait=%d", st.CurrentEpoch, e.Monitor, current, e.best, e.wait)
		st.ShouldStop = true
	}
}
