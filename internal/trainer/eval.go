package trainer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"

	"loopforge/internal/dataset"
	"loopforge/internal/model"
	"loopforge/internal/result"
)

// evaluate runs the validation or test step over one pass of loader,
// reduces the outputs and publishes the synced metrics to the callback
// metrics and the logger.
func (t *Trainer) evaluate(ctx context.Context, loader dataset.Loader, test bool) (result.Metrics, error) {
	stage := "validation"
	if test {
		stage = "test"
	}
	if !test {
		if err := t.callbacks.ValidationStart(t); err != nil {
			return nil, err
		}
	}

	limit := unbounded
	if t.cfg.FastDevRun {
		limit = 1
	}
	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, loadErr := loader.Batches(evalCtx)

	var outputs []result.Output
	idx := 0
	for batch := range batches {
		if idx >= limit || ctx.Err() != nil {
			break
		}
		if isEmpty(batch) {
			idx++
			continue
		}
		args := model.StepArgs{Batch: batch, BatchIdx: idx}
		var (
			out result.Output
			err error
		)
		if test {
			out, err = t.backend.TestStep(args)
		} else {
			out, err = t.backend.ValidationStep(args)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "%s step %d", stage, idx)
		}
		if !out.IsZero() {
			outputs = append(outputs, out)
		}
		idx++
	}
	cancel()
	if err := <-loadErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, errors.WithMessagef(err, "%s loader", stage)
	}

	reduced, err := t.reduceEval(outputs, test)
	if err != nil {
		return nil, err
	}
	synced, err := t.backend.SyncMetrics(reduced)
	if err != nil {
		return nil, errors.WithMessagef(err, "sync %s metrics", stage)
	}
	for k, v := range synced {
		t.state.CallbackMetrics[k] = v
	}
	if err := t.logs.logMetrics(synced); err != nil {
		return nil, err
	}
	if t.IsGlobalZero() {
		log.Printf("%s: epoch=%d step=%d batches=%d %s", stage, t.state.CurrentEpoch, t.state.GlobalStep, idx, formatMetrics(synced))
	}

	if !test {
		if err := t.callbacks.ValidationEnd(t); err != nil {
			return nil, err
		}
	}
	return synced, nil
}

// reduceEval applies the module's epoch-end reduction, or averages every
// metric over the batches when it has none.
func (t *Trainer) reduceEval(outputs []result.Output, test bool) (result.Metrics, error) {
	var (
		out    result.Output
		err    error
		reduce bool
	)
	if test {
		if e, ok := t.module.(model.TestEpochEnder); ok {
			out, err = e.TestEpochEnd(outputs)
			reduce = true
		}
	} else if e, ok := t.module.(model.ValidationEpochEnder); ok {
		out, err = e.ValidationEpochEnd(outputs)
		reduce = true
	}
	if err != nil {
		return nil, errors.WithMessage(err, "evaluation epoch end")
	}
	if reduce {
		return result.EvalMetrics(out), nil
	}
	ms := make([]result.Metrics, len(outputs))
	for i, o := range outputs {
		ms[i] = result.EvalMetrics(o)
	}
	return result.Mean(ms), nil
}

func formatMetrics(m result.Metrics) string {
	parts := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, m[k]))
	}
	return strings.Join(parts, " ")
}
