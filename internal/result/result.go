// Package result models what a model step returns and normalizes training
// step output into the form consumed by the training loop.
package result

import (
	"sort"

	"loopforge/internal/tensor"
)

// Reserved keys of a plain step output.
const (
	KeyLoss        = "loss"
	KeyHiddens     = "hiddens"
	KeyLog         = "log"
	KeyProgressBar = "progress_bar"
	KeyEarlyStopOn = "early_stop_on"
	KeyCheckpoint  = "checkpoint_on"
)

// Metrics maps metric names to scalar values.
type Metrics map[string]float64

// Merge copies other into m; keys in other win.
func (m Metrics) Merge(other Metrics) {
	for k, v := range other {
		m[k] = v
	}
}

// Clone returns a copy of m.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	out.Merge(m)
	return out
}

// Keys returns the metric names in sorted order.
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeAll merges ms in order, later mappings winning on duplicate keys.
func MergeAll(ms ...Metrics) Metrics {
	out := Metrics{}
	for _, m := range ms {
		out.Merge(m)
	}
	return out
}

// Dict is a plain step output.
type Dict map[string]any

// Kind distinguishes training from evaluation results.
type Kind int

const (
	KindTrain Kind = iota
	KindEval
)

// Structured is a step result object carrying the same information as a
// plain Dict with explicit fields.
type Structured struct {
	Kind             Kind
	Minimize         *tensor.Tensor
	Hiddens          any
	StepLog          Metrics
	EpochLog         Metrics
	ProgressBar      Metrics
	Callback         Metrics
	EarlyStopOn      *float64
	CheckpointOn     *float64
	ReduceOnEpochEnd bool
}

// NewTrainResult returns a training result minimizing loss.
func NewTrainResult(minimize *tensor.Tensor) *Structured {
	return &Structured{Kind: KindTrain, Minimize: minimize, StepLog: Metrics{}, EpochLog: Metrics{},
		ProgressBar: Metrics{}, Callback: Metrics{}}
}

// NewEvalResult returns an evaluation result.
func NewEvalResult() *Structured {
	r := NewTrainResult(nil)
	r.Kind = KindEval
	return r
}

// LogOptions selects where a logged value goes.
type LogOptions struct {
	OnEpoch  bool
	ProgBar  bool
	NoOnStep bool
}

// Log records a metric. OnEpoch values are reduced at the end of the epoch,
// which makes the loop retain this result until then.
func (r *Structured) Log(name string, value float64, opts LogOptions) {
	if !opts.NoOnStep {
		r.StepLog[name] = value
	}
	if opts.OnEpoch {
		r.EpochLog[name] = value
		r.ReduceOnEpochEnd = true
	}
	if opts.ProgBar {
		r.ProgressBar[name] = value
	}
	r.Callback[name] = value
}

// SetEarlyStopOn sets the value tracked by early stopping.
func (r *Structured) SetEarlyStopOn(v float64) { r.EarlyStopOn = &v }

// SetCheckpointOn sets the value tracked by checkpointing.
func (r *Structured) SetCheckpointOn(v float64) { r.CheckpointOn = &v }

// snapshot returns a detached deep copy without hidden state.
func (r *Structured) snapshot() *Structured {
	out := &Structured{
		Kind:             r.Kind,
		StepLog:          r.StepLog.Clone(),
		EpochLog:         r.EpochLog.Clone(),
		ProgressBar:      r.ProgressBar.Clone(),
		Callback:         r.Callback.Clone(),
		ReduceOnEpochEnd: r.ReduceOnEpochEnd,
	}
	if r.Minimize != nil {
		out.Minimize = r.Minimize.Detach().Clone()
	}
	if r.EarlyStopOn != nil {
		v := *r.EarlyStopOn
		out.EarlyStopOn = &v
	}
	if r.CheckpointOn != nil {
		v := *r.CheckpointOn
		out.CheckpointOn = &v
	}
	return out
}

type outputKind int

const (
	kindNone outputKind = iota
	kindPlain
	kindStructured
)

// Output is what a step returns: either a plain Dict or a Structured result.
type Output struct {
	kind       outputKind
	dict       Dict
	structured *Structured
}

// Plain wraps a Dict.
func Plain(d Dict) Output { return Output{kind: kindPlain, dict: d} }

// FromResult wraps a Structured result.
func FromResult(r *Structured) Output { return Output{kind: kindStructured, structured: r} }

// IsZero reports whether the step returned nothing.
func (o Output) IsZero() bool { return o.kind == kindNone }

// Dict returns the plain output, if that is what o holds.
func (o Output) Dict() (Dict, bool) { return o.dict, o.kind == kindPlain }

// Structured returns the structured result, if that is what o holds.
func (o Output) Structured() (*Structured, bool) { return o.structured, o.kind == kindStructured }

// ToFloat converts a scalar metric value to float64. Tensors reduce to the
// mean of their values.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case *tensor.Tensor:
		if x == nil || x.Size() == 0 {
			return 0, false
		}
		var sum float64
		for _, f := range x.Data() {
			sum += f
		}
		return sum / float64(x.Size()), true
	default:
		return 0, false
	}
}

// MetricsOf converts a metric mapping held in a Dict to Metrics, dropping
// non-numeric values.
func MetricsOf(v any) Metrics {
	out := Metrics{}
	switch m := v.(type) {
	case Metrics:
		out.Merge(m)
	case map[string]float64:
		out.Merge(m)
	case Dict:
		fill(out, m)
	case map[string]any:
		fill(out, m)
	}
	return out
}

func fill(out Metrics, m map[string]any) {
	for k, v := range m {
		if f, ok := ToFloat(v); ok {
			out[k] = f
		}
	}
}

// Detach returns a copy of v in which every tensor is detached and copied,
// recursing through Dicts, maps and slices.
func Detach(v any) any {
	switch x := v.(type) {
	case *tensor.Tensor:
		if x == nil {
			return x
		}
		return x.Detach().Clone()
	case Dict:
		out := make(Dict, len(x))
		for k, e := range x {
			out[k] = Detach(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Detach(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Detach(e)
		}
		return out
	case Metrics:
		return x.Clone()
	case *Structured:
		return x.snapshot()
	default:
		return v
	}
}
