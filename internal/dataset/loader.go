// Package dataset provides the data loaders the training loop iterates.
package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"loopforge/internal/tensor"
)

// Loader yields the batches of one pass over the data. The batch channel
// is closed when the pass ends; at most one error is delivered.
type Loader interface {
	Batches(ctx context.Context) (<-chan any, <-chan error)
	// Len returns the number of batches per pass and whether it is known.
	Len() (int, bool)
}

// EpochSetter is implemented by loaders that reseed their order per epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// List is a loader over a fixed sequence of batches.
type List struct {
	batches []any
}

// NewList returns a loader yielding batches in order.
func NewList(batches ...any) *List {
	return &List{batches: batches}
}

// Len implements Loader.
func (l *List) Len() (int, bool) { return len(l.batches), true }

// Batches implements Loader.
func (l *List) Batches(ctx context.Context) (<-chan any, <-chan error) {
	return emit(ctx, len(l.batches), func(i int) (any, error) { return l.batches[i], nil })
}

// SliceLoader batches in-memory samples, reshuffling every epoch when
// Shuffle is set.
type SliceLoader struct {
	Samples   []Sample
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64

	epoch int
}

// NewSliceLoader returns a loader over samples.
func NewSliceLoader(samples []Sample, batchSize int, shuffle bool, seed int64) *SliceLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &SliceLoader{Samples: samples, BatchSize: batchSize, Shuffle: shuffle, Seed: seed}
}

// SetEpoch implements EpochSetter.
func (l *SliceLoader) SetEpoch(epoch int) { l.epoch = epoch }

// Len implements Loader.
func (l *SliceLoader) Len() (int, bool) {
	n := len(l.Samples) / l.BatchSize
	if !l.DropLast && len(l.Samples)%l.BatchSize != 0 {
		n++
	}
	return n, true
}

// Batches implements Loader.
func (l *SliceLoader) Batches(ctx context.Context) (<-chan any, <-chan error) {
	order := make([]int, len(l.Samples))
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewSource(l.Seed + int64(l.epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	n, _ := l.Len()
	return emit(ctx, n, func(i int) (any, error) {
		end := (i + 1) * l.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch := make([]Sample, 0, end-i*l.BatchSize)
		for _, idx := range order[i*l.BatchSize : end] {
			batch = append(batch, l.Samples[idx])
		}
		return Collate(batch)
	})
}

func emit(ctx context.Context, n int, get func(i int) (any, error)) (<-chan any, <-chan error) {
	out := make(chan any)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i := 0; i < n; i++ {
			batch, err := get(i)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh
}

// Collate stacks samples into []any{inputs [n,in], targets [n,out]}.
func Collate(samples []Sample) (any, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	in, out := len(samples[0].Input), len(samples[0].Target)
	xs := make([]float64, 0, len(samples)*in)
	ys := make([]float64, 0, len(samples)*out)
	for _, s := range samples {
		if len(s.Input) != in || len(s.Target) != out {
			return nil, errors.Errorf("collate: sample %q has shape %d/%d, want %d/%d",
				s.Key, len(s.Input), len(s.Target), in, out)
		}
		xs = append(xs, s.Input...)
		ys = append(ys, s.Target...)
	}
	return []any{
		tensor.New([]int{len(samples), in}, xs),
		tensor.New([]int{len(samples), out}, ys),
	}, nil
}

// Unsized hides the length of l, as for a streaming source.
func Unsized(l Loader) Loader {
	return unsized{l}
}

type unsized struct {
	Loader
}

func (unsized) Len() (int, bool) { return 0, false }

func (u unsized) SetEpoch(epoch int) {
	if s, ok := u.Loader.(EpochSetter); ok {
		s.SetEpoch(epoch)
	}
}
