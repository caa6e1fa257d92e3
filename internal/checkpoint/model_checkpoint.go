package checkpoint

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"loopforge/internal/callback"
)

// LastName is the file the final state is written to when SaveLast is set.
const LastName = "last.ckpt"

// ModelCheckpoint keeps the best checkpoint according to a monitored
// metric, and optionally the last one.
type ModelCheckpoint struct {
	callback.Base
	Dir      string
	Monitor  string
	Mode     callback.Mode
	SaveLast bool
	RunID    string

	best     float64
	bestPath string
}

// NewModelCheckpoint returns a callback writing into dir. An empty monitor
// tracks "checkpoint_on".
func NewModelCheckpoint(dir, monitor string, mode callback.Mode) *ModelCheckpoint {
	if monitor == "" {
		monitor = "checkpoint_on"
	}
	if mode == "" {
		mode = callback.Min
	}
	return &ModelCheckpoint{Dir: dir, Monitor: monitor, Mode: mode, RunID: uuid.NewString(), best: math.NaN()}
}

// BestPath returns the path of the best checkpoint so far.
func (c *ModelCheckpoint) BestPath() string { return c.bestPath }

// BestScore returns the monitored value of the best checkpoint.
func (c *ModelCheckpoint) BestScore() float64 { return c.best }

func (c *ModelCheckpoint) OnTrainStart(callback.Host) error {
	c.best = math.Inf(1)
	if c.Mode == callback.Max {
		c.best = math.Inf(-1)
	}
	c.bestPath = ""
	return nil
}

func (c *ModelCheckpoint) OnValidationEnd(h callback.Host) error {
	return c.Checkpoint(h)
}

// Checkpoint saves a new best checkpoint when the monitored metric improved.
func (c *ModelCheckpoint) Checkpoint(h callback.Host) error {
	if !h.IsGlobalZero() {
		return nil
	}
	st := h.State()
	current, ok := st.CallbackMetrics[c.Monitor]
	if !ok {
		log.Printf("checkpoint: metric %q not available, skipping", c.Monitor)
		return nil
	}
	if !c.Mode.Improved(current, c.best, 0) {
		return nil
	}
	path := filepath.Join(c.Dir, fmt.Sprintf("epoch=%d-step=%d.ckpt", st.CurrentEpoch, st.GlobalStep))
	ckpt := FromModule(h.Module(), st, c.RunID)
	ckpt.Progress.Monitor = c.Monitor
	ckpt.Progress.BestScore = current
	if err := Save(ckpt, path); err != nil {
		return errors.WithMessage(err, "save best checkpoint")
	}
	if c.bestPath != "" && c.bestPath != path {
		if err := os.Remove(c.bestPath); err != nil && !os.IsNotExist(err) {
			log.Printf("checkpoint: remove %s: %v", c.bestPath, err)
		}
	}
	log.Printf("checkpoint: epoch=%d step=%d %s=%.4f path=%s", st.CurrentEpoch, st.GlobalStep, c.Monitor, current, path)
	c.best = current
	c.bestPath = path
	return nil
}

func (c *ModelCheckpoint) OnTrainEnd(h callback.Host) error {
	if !c.SaveLast || !h.IsGlobalZero() {
		return nil
	}
	ckpt := FromModule(h.Module(), h.State(), c.RunID)
	ckpt.Progress.Monitor = c.Monitor
	ckpt.Progress.BestScore = c.best
	return errors.WithMessage(Save(ckpt, filepath.Join(c.Dir, LastName)), "save last checkpoint")
}
