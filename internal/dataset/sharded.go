package dataset

import (
	"context"

	"github.com/pkg/errors"
)

// Sharded hands rank its share of the batches of an inner loader: batch j
// goes to rank j mod worldSize. Ranks that come up short are padded by
// wrapping around to the first batches so that every rank runs the same
// number of steps.
type Sharded struct {
	inner     Loader
	rank      int
	worldSize int
}

// Shard wraps l for rank out of worldSize.
func Shard(l Loader, rank, worldSize int) (*Sharded, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("shard: invalid rank %d for world size %d", rank, worldSize)
	}
	return &Sharded{inner: l, rank: rank, worldSize: worldSize}, nil
}

// Len implements Loader.
func (s *Sharded) Len() (int, bool) {
	n, ok := s.inner.Len()
	if !ok {
		return 0, false
	}
	return (n + s.worldSize - 1) / s.worldSize, true
}

// SetEpoch forwards to the inner loader when it reseeds per epoch.
func (s *Sharded) SetEpoch(epoch int) {
	if es, ok := s.inner.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
}

// Batches implements Loader.
func (s *Sharded) Batches(ctx context.Context) (<-chan any, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	in, inErr := s.inner.Batches(ctx)
	out := make(chan any)
	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)

		send := func(b any) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- b:
				return true
			}
		}

		head := make([]any, 0, s.worldSize)
		seen, mine := 0, 0
		for b := range in {
			if len(head) < s.worldSize {
				head = append(head, b)
			}
			if seen%s.worldSize == s.rank {
				if !send(b) {
					return
				}
				mine++
			}
			seen++
		}
		if err := <-inErr; err != nil {
			errCh <- err
			return
		}
		if seen == 0 {
			return
		}
		want := (seen + s.worldSize - 1) / s.worldSize
		for mine < want {
			idx := (mine*s.worldSize + s.rank) % seen
			if idx >= len(head) {
				idx %= len(head)
			}
			if !send(head[idx]) {
				return
			}
			mine++
		}
	}()
	return out, errCh
}
