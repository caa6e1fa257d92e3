package metrics

import (
	"math"
	"time"
)

// Window accumulates per-batch timing between two log rows. Losses that are
// not yet available (NaN) are skipped.
type Window struct {
	batches   int
	data      time.Duration
	compute   time.Duration
	slowest   time.Duration
	lossSum   float64
	lossCount int
}

// Record adds the timing and displayed loss of one batch.
func (w *Window) Record(dataTime, computeTime time.Duration, loss float64) {
	w.batches++
	w.data += dataTime
	w.compute += computeTime
	if computeTime > w.slowest {
		w.slowest = computeTime
	}
	if !math.IsNaN(loss) {
		w.lossSum += loss
		w.lossCount++
	}
}

// Snapshot aggregates the window and resets it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{MeanLoss: math.NaN(), MaxComputeMS: ms(w.slowest)}
	if total := w.data + w.compute; total > 0 {
		snap.BatchesPerSec = float64(w.batches) / total.Seconds()
	}
	if w.batches > 0 {
		snap.AvgDataMS = ms(w.data) / float64(w.batches)
		snap.AvgComputeMS = ms(w.compute) / float64(w.batches)
	}
	if w.lossCount > 0 {
		snap.MeanLoss = w.lossSum / float64(w.lossCount)
	}
	*w = Window{}
	return snap
}

func ms(d time.Duration) float64 { return d.Seconds() * 1000 }

// Snapshot represents one log row of timing metrics.
type Snapshot struct {
	BatchesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	MaxComputeMS  float64
	MeanLoss      float64
}
