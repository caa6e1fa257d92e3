package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Interval says when a scheduler advances.
type Interval string

const (
	IntervalStep  Interval = "step"
	IntervalEpoch Interval = "epoch"
)

// Scheduler adjusts learning rates each time it is stepped.
type Scheduler interface {
	Step()
}

// MetricScheduler is a scheduler driven by a monitored metric.
type MetricScheduler interface {
	StepMetric(value float64)
}

// SchedulerConfig binds a scheduler to an interval. Frequency is the number
// of intervals between two steps; Monitor names the metric a
// MetricScheduler reads.
type SchedulerConfig struct {
	Scheduler any
	Interval  Interval
	Frequency int
	Monitor   string
}

// Validate checks the scheduler type and fills defaults.
func (c *SchedulerConfig) Validate() error {
	switch c.Scheduler.(type) {
	case Scheduler, MetricScheduler:
	default:
		return errors.Errorf("lr scheduler %T implements neither Scheduler nor MetricScheduler", c.Scheduler)
	}
	if c.Interval == "" {
		c.Interval = IntervalEpoch
	}
	if c.Interval != IntervalStep && c.Interval != IntervalEpoch {
		return errors.Errorf("lr scheduler interval must be %q or %q (got %q)", IntervalStep, IntervalEpoch, c.Interval)
	}
	if c.Frequency <= 0 {
		c.Frequency = 1
	}
	if _, ok := c.Scheduler.(MetricScheduler); ok && c.Monitor == "" {
		c.Monitor = "val_loss"
	}
	return nil
}

func setLR(opt Optimizer, lr float64) {
	for _, g := range opt.ParamGroups() {
		g.LR = lr
	}
}

// StepLR multiplies the learning rate by Gamma every StepSize steps.
type StepLR struct {
	opt      Optimizer
	base     float64
	stepSize int
	gamma    float64
	count    int
}

// NewStepLR builds a StepLR over opt.
func NewStepLR(opt Optimizer, stepSize int, gamma float64) *StepLR {
	if stepSize < 1 {
		stepSize = 1
	}
	return &StepLR{opt: opt, base: opt.ParamGroups()[0].LR, stepSize: stepSize, gamma: gamma}
}

// Step implements Scheduler.
func (s *StepLR) Step() {
	s.count++
	setLR(s.opt, s.base*math.Pow(s.gamma, float64(s.count/s.stepSize)))
}

// ReduceOnPlateau lowers the learning rate by Factor once the monitored
// metric fails to improve for more than Patience steps.
type ReduceOnPlateau struct {
	opt      Optimizer
	factor   float64
	patience int
	minLR    float64
	best     float64
	bad      int
}

// NewReduceOnPlateau builds a ReduceOnPlateau over opt minimizing the metric.
func NewReduceOnPlateau(opt Optimizer, factor float64, patience int, minLR float64) *ReduceOnPlateau {
	return &ReduceOnPlateau{opt: opt, factor: factor, patience: patience, minLR: minLR, best: math.Inf(1)}
}

// StepMetric implements MetricScheduler.
func (r *ReduceOnPlateau) StepMetric(v float64) {
	if v < r.best {
		r.best = v
		r.bad = 0
		return
	}
	r.bad++
	if r.bad > r.patience {
		for _, g := range r.opt.ParamGroups() {
			g.LR = math.Max(g.LR*r.factor, r.minLR)
		}
		r.bad = 0
	}
}
