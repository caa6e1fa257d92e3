package accelerator

import (
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ProcessGroup connects the ranks of a distributed run. Every collective
// blocks until all ranks have called it.
type ProcessGroup interface {
	Rank() int
	WorldSize() int
	// AllReduceMean replaces values with their element-wise mean over ranks.
	AllReduceMean(values []float64) error
	// Broadcast overwrites values with those of root.
	Broadcast(values []float64, root int) error
	Barrier() error
	// Abort fails every pending and future collective with err.
	Abort(err error)
}

// LocalGroup is a ProcessGroup whose ranks are goroutines of one process.
type LocalGroup struct {
	rank int
	hub  *hub
}

// NewLocalGroups returns one connected group handle per rank.
func NewLocalGroups(worldSize int) []*LocalGroup {
	h := &hub{parts: make([][]float64, worldSize)}
	h.cond = sync.NewCond(&h.mu)
	groups := make([]*LocalGroup, worldSize)
	for i := range groups {
		groups[i] = &LocalGroup{rank: i, hub: h}
	}
	return groups
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return len(g.hub.parts) }

func (g *LocalGroup) AllReduceMean(values []float64) error {
	out, err := g.hub.exchange(g.rank, values, mean)
	if err != nil {
		return errors.WithMessage(err, "all-reduce")
	}
	copy(values, out)
	return nil
}

func (g *LocalGroup) Broadcast(values []float64, root int) error {
	if root < 0 || root >= g.WorldSize() {
		return errors.Errorf("broadcast: invalid root %d", root)
	}
	out, err := g.hub.exchange(g.rank, values, func(parts [][]float64) ([]float64, error) {
		return append([]float64(nil), parts[root]...), nil
	})
	if err != nil {
		return errors.WithMessage(err, "broadcast")
	}
	if len(out) != len(values) {
		return errors.Errorf("broadcast: root sent %d values, rank %d expects %d", len(out), g.rank, len(values))
	}
	copy(values, out)
	return nil
}

func (g *LocalGroup) Barrier() error {
	_, err := g.hub.exchange(g.rank, nil, func([][]float64) ([]float64, error) { return nil, nil })
	return errors.WithMessage(err, "barrier")
}

func (g *LocalGroup) Abort(err error) { g.hub.abort(err) }

type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parts   [][]float64
	arrived int
	gen     int
	result  []float64
	err     error
	aborted error
}

func (h *hub) exchange(rank int, values []float64, reduce func([][]float64) ([]float64, error)) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted != nil {
		return nil, h.aborted
	}
	gen := h.gen
	h.parts[rank] = values
	h.arrived++
	if h.arrived == len(h.parts) {
		h.result, h.err = reduce(h.parts)
		h.parts = make([][]float64, len(h.parts))
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return h.result, h.err
	}
	for h.gen == gen && h.aborted == nil {
		h.cond.Wait()
	}
	if h.gen == gen {
		return nil, h.aborted
	}
	return h.result, h.err
}

func (h *hub) abort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted == nil {
		if err == nil {
			err = errors.New("process group aborted")
		}
		h.aborted = err
	}
	h.cond.Broadcast()
}

func mean(parts [][]float64) ([]float64, error) {
	n := len(parts[0])
	sum := make([]float64, n)
	for rank, p := range parts {
		if len(p) != n {
			return nil, errors.Errorf("rank %d contributed %d values, rank 0 contributed %d", rank, len(p), n)
		}
		floats.Add(sum, p)
	}
	floats.Scale(1/float64(len(parts)), sum)
	return sum, nil
}
