package model

import (
	"github.com/pkg/errors"

	"loopforge/internal/tensor"
)

// SplitSequence is the default TBPTT splitter. Tensor leaves are split along
// the time axis (axis 1); [][]float64 leaves hold one sequence per sample and
// are sliced the same way. Other leaves are repeated in every split.
func SplitSequence(batch any, steps int) ([]any, error) {
	if steps <= 0 {
		return nil, errors.Errorf("tbptt: split size must be > 0 (got %d)", steps)
	}
	items, isList := batch.([]any)
	if !isList {
		items = []any{batch}
	}
	timeLen := -1
	for _, it := range items {
		switch x := it.(type) {
		case *tensor.Tensor:
			if s := x.Shape(); len(s) >= 2 {
				timeLen = s[1]
			}
		case [][]float64:
			if len(x) > 0 {
				timeLen = len(x[0])
			}
		}
		if timeLen >= 0 {
			break
		}
	}
	if timeLen < 0 {
		return nil, errors.New("tbptt: batch has no sequence to split")
	}

	var splits []any
	for start := 0; start < timeLen; start += steps {
		n := steps
		if start+n > timeLen {
			n = timeLen - start
		}
		split := make([]any, len(items))
		for i, it := range items {
			switch x := it.(type) {
			case *tensor.Tensor:
				if s := x.Shape(); len(s) >= 2 && s[1] == timeLen {
					split[i] = tensor.Narrow(x, 1, start, n)
					continue
				}
				split[i] = x
			case [][]float64:
				rows := make([][]float64, len(x))
				for r, seq := range x {
					if len(seq) < start+n {
						return nil, errors.Errorf("tbptt: sequence %d has length %d, want %d", r, len(seq), timeLen)
					}
					rows[r] = seq[start : start+n]
				}
				split[i] = rows
			default:
				split[i] = it
			}
		}
		if isList {
			splits = append(splits, split)
		} else {
			splits = append(splits, split[0])
		}
	}
	return splits, nil
}
