package result

import (
	"github.com/pkg/errors"

	"loopforge/internal/tensor"
)

// Gather combines the outputs of data-parallel replicas into one output.
// Losses are averaged inside the graph and metrics are averaged per key.
// Tensor hidden states are stacked along axis 0 in replica order, matching
// the row split of the batch; any other hidden state comes from the first
// replica.
func Gather(outs []Output) (Output, error) {
	if len(outs) == 0 {
		return Output{}, errors.New("gather: no replica outputs")
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	kind := outs[0].kind
	for i, o := range outs {
		if o.kind != kind {
			return Output{}, errors.Errorf("gather: replica %d returned a different output type", i)
		}
	}
	switch kind {
	case kindPlain:
		merged := Dict{}
		var losses []*tensor.Tensor
		logs := make([]Metrics, len(outs))
		bars := make([]Metrics, len(outs))
		scalars := make([]Metrics, len(outs))
		for i, o := range outs {
			if l, ok := o.dict[KeyLoss].(*tensor.Tensor); ok && l != nil {
				losses = append(losses, l)
			}
			logs[i] = MetricsOf(o.dict[KeyLog])
			bars[i] = MetricsOf(o.dict[KeyProgressBar])
			scalars[i] = Metrics{}
			for k, v := range o.dict {
				if k == KeyLoss || k == KeyLog || k == KeyProgressBar || k == KeyHiddens {
					continue
				}
				if f, ok := ToFloat(v); ok {
					scalars[i][k] = f
				} else if _, seen := merged[k]; !seen {
					merged[k] = v
				}
			}
		}
		if len(losses) > 0 {
			merged[KeyLoss] = tensor.MeanOf(losses...)
		}
		hs := make([]any, len(outs))
		found := false
		for i, o := range outs {
			h, ok := o.dict[KeyHiddens]
			hs[i] = h
			found = found || ok
		}
		if found {
			h, err := gatherHiddens(hs)
			if err != nil {
				return Output{}, err
			}
			merged[KeyHiddens] = h
		}
		merged[KeyLog] = Mean(logs)
		merged[KeyProgressBar] = Mean(bars)
		for k, v := range Mean(scalars) {
			merged[k] = v
		}
		return Plain(merged), nil
	case kindStructured:
		first := outs[0].structured
		hs := make([]any, len(outs))
		for i, o := range outs {
			hs[i] = o.structured.Hiddens
		}
		hiddens, err := gatherHiddens(hs)
		if err != nil {
			return Output{}, err
		}
		r := &Structured{
			Kind:             first.Kind,
			Hiddens:          hiddens,
			ReduceOnEpochEnd: first.ReduceOnEpochEnd,
		}
		var losses []*tensor.Tensor
		var steps, epochs, bars, cbs []Metrics
		for _, o := range outs {
			s := o.structured
			if s.Minimize != nil {
				losses = append(losses, s.Minimize)
			}
			steps = append(steps, s.StepLog)
			epochs = append(epochs, s.EpochLog)
			bars = append(bars, s.ProgressBar)
			cbs = append(cbs, s.Callback)
		}
		if len(losses) > 0 {
			r.Minimize = tensor.MeanOf(losses...)
		}
		r.StepLog, r.EpochLog, r.ProgressBar, r.Callback = Mean(steps), Mean(epochs), Mean(bars), Mean(cbs)
		r.EarlyStopOn = first.EarlyStopOn
		r.CheckpointOn = first.CheckpointOn
		return FromResult(r), nil
	default:
		return Output{}, errors.New("gather: replicas returned no output")
	}
}

func gatherHiddens(hs []any) (any, error) {
	parts := make([]*tensor.Tensor, 0, len(hs))
	for _, h := range hs {
		t, ok := h.(*tensor.Tensor)
		if !ok || t == nil {
			return hs[0], nil
		}
		parts = append(parts, t)
	}
	if len(parts[0].Shape()) == 0 {
		return nil, errors.Errorf("gather: replica 0 hiddens have shape %v", parts[0].Shape())
	}
	trailing := parts[0].Shape()[1:]
	for i, p := range parts {
		s := p.Shape()
		if len(s) == 0 || len(s[1:]) != len(trailing) {
			return nil, errors.Errorf("gather: replica %d hiddens have shape %v", i, s)
		}
		for j := range trailing {
			if s[j+1] != trailing[j] {
				return nil, errors.Errorf("gather: replica %d hiddens have shape %v", i, s)
			}
		}
	}
	return tensor.ConcatRows(parts...), nil
}

// Mean averages each key over the mappings that contain it.
func Mean(ms []Metrics) Metrics {
	sums := Metrics{}
	counts := map[string]int{}
	for _, m := range ms {
		for k, v := range m {
			sums[k] += v
			counts[k]++
		}
	}
	for k := range sums {
		sums[k] /= float64(counts[k])
	}
	return sums
}

// EvalMetrics extracts every numeric metric of an evaluation output,
// logged and progress-bar values included.
func EvalMetrics(o Output) Metrics {
	if d, ok := o.Dict(); ok {
		out := Metrics{}
		for k, v := range d {
			if k == KeyLog || k == KeyProgressBar || k == KeyHiddens {
				continue
			}
			if f, ok := ToFloat(v); ok {
				out[k] = f
			}
		}
		out.Merge(MetricsOf(d[KeyProgressBar]))
		out.Merge(MetricsOf(d[KeyLog]))
		return out
	}
	if r, ok := o.Structured(); ok {
		return MergeAll(r.Callback, r.StepLog, r.EpochLog)
	}
	return Metrics{}
}
