package optim

import (
	"sort"

	"loopforge/internal/errs"
)

// Indexed pairs an optimizer with its declaration index.
type Indexed struct {
	Index     int
	Optimizer Optimizer
}

// Schedule decides which optimizers run on a given batch.
type Schedule struct {
	optimizers []Optimizer
	cumsum     []int
}

// NewSchedule validates the optimizer frequencies. With no frequencies every
// optimizer runs on every batch; otherwise optimizer i owns freq[i]
// consecutive batches of a repeating period of sum(freq).
func NewSchedule(optimizers []Optimizer, frequencies []int) (*Schedule, error) {
	if len(optimizers) == 0 {
		return nil, errs.Configf("no optimizers configured")
	}
	s := &Schedule{optimizers: optimizers}
	if len(frequencies) == 0 {
		return s, nil
	}
	if len(frequencies) != len(optimizers) {
		return nil, errs.Configf("got %d optimizer frequencies for %d optimizers", len(frequencies), len(optimizers))
	}
	total := 0
	for i, f := range frequencies {
		if f <= 0 {
			return nil, errs.Configf("optimizer %d frequency must be a positive integer (got %d)", i, f)
		}
		total += f
		s.cumsum = append(s.cumsum, total)
	}
	return s, nil
}

// Len returns the number of optimizers.
func (s *Schedule) Len() int { return len(s.optimizers) }

// Optimizers returns every optimizer in declaration order.
func (s *Schedule) Optimizers() []Optimizer { return s.optimizers }

// Active returns the optimizers to run for the batch at totalBatchIdx.
func (s *Schedule) Active(totalBatchIdx int) []Indexed {
	if len(s.cumsum) == 0 {
		out := make([]Indexed, len(s.optimizers))
		for i, opt := range s.optimizers {
			out[i] = Indexed{Index: i, Optimizer: opt}
		}
		return out
	}
	period := s.cumsum[len(s.cumsum)-1]
	pos := totalBatchIdx % period
	i := sort.Search(len(s.cumsum), func(i int) bool { return s.cumsum[i] > pos })
	return []Indexed{{Index: i, Optimizer: s.optimizers[i]}}
}
