package trainer

import (
	"log"

	"github.com/pkg/errors"

	"loopforge/internal/logger"
	"loopforge/internal/model"
	"loopforge/internal/optim"
	"loopforge/internal/result"
)

// loggerConnector owns when metrics reach the logger. Only the global zero
// process writes.
type loggerConnector struct {
	trainer *Trainer
	logger  logger.Logger
}

func (c *loggerConnector) logMetrics(m result.Metrics) error {
	if len(m) == 0 || !c.trainer.IsGlobalZero() {
		return nil
	}
	st := c.trainer.state
	rec := m.Clone()
	rec["epoch"] = float64(st.CurrentEpoch)
	return errors.WithMessage(c.logger.LogMetrics(rec, st.GlobalStep), "log metrics")
}

// logTrainStep logs the batch metrics every row_log_interval batches and on
// stop.
func (c *loggerConnector) logTrainStep(out *batchOutput, batchIdx int) error {
	t := c.trainer
	if (batchIdx+1)%t.cfg.RowLogInterval != 0 && !t.state.ShouldStop {
		return nil
	}
	return c.logMetrics(result.MergeAll(out.logMetrics, out.gradNorms))
}

// saveOnBatchEnd flushes the logger every log_save_interval batches, on
// stop and on every batch of a fast dev run.
func (c *loggerConnector) saveOnBatchEnd(batchIdx int) error {
	t := c.trainer
	if (batchIdx+1)%t.cfg.LogSaveInterval == 0 || t.state.ShouldStop || t.cfg.FastDevRun {
		return c.save()
	}
	return nil
}

func (c *loggerConnector) save() error {
	if !c.trainer.IsGlobalZero() {
		return nil
	}
	return errors.WithMessage(c.logger.Save(), "save logger")
}

func (c *loggerConnector) finalize(status string) error {
	if !c.trainer.IsGlobalZero() {
		return nil
	}
	return errors.WithMessage(c.logger.Finalize(status), "finalize logger")
}

// reduceEpoch turns the retained training outputs of an epoch into epoch
// metrics: through the module's TrainingEpochEnd when it has one, else by
// averaging the epoch logs of structured results that asked for it.
func (c *loggerConnector) reduceEpoch(outputs [][]any) (result.Metrics, error) {
	if ender, ok := c.trainer.module.(model.TrainingEpochEnder); ok {
		out, err := ender.TrainingEpochEnd(outputs)
		if err != nil {
			return nil, errors.WithMessage(err, "training epoch end")
		}
		return result.EvalMetrics(out), nil
	}
	var logs []result.Metrics
	for _, perOptimizer := range outputs {
		for _, o := range perOptimizer {
			if r, ok := o.(*result.Structured); ok && r.ReduceOnEpochEnd {
				logs = append(logs, r.EpochLog)
			}
		}
	}
	return result.Mean(logs), nil
}

// lrConnector steps the learning-rate schedulers of the module.
type lrConnector struct {
	schedulers []optim.SchedulerConfig
}

// updateLearningRates steps every scheduler bound to interval whose
// frequency divides count. Metric-driven schedulers read their monitor
// from monitor and are skipped while it is missing.
func (c *lrConnector) updateLearningRates(interval optim.Interval, count int, monitor result.Metrics) {
	for i := range c.schedulers {
		s := &c.schedulers[i]
		if s.Interval != interval || count%s.Frequency != 0 {
			continue
		}
		switch sch := s.Scheduler.(type) {
		case optim.MetricScheduler:
			v, ok := monitor[s.Monitor]
			if !ok {
				log.Printf("lr scheduler %d: metric %q not available, skipping", i, s.Monitor)
				continue
			}
			sch.StepMetric(v)
		case optim.Scheduler:
			sch.Step()
		}
	}
}
