package callback

import (
	"testing"

	"github.com/pkg/errors"

	"loopforge/internal/model"
	"loopforge/internal/state"
)

type fakeHost struct {
	st  *state.Training
	mod model.Module
}

func (f *fakeHost) State() *state.Training { return f.st }
func (f *fakeHost) Module() model.Module   { return f.mod }
func (f *fakeHost) IsGlobalZero() bool     { return true }

type recorder struct {
	Base
	name  string
	calls *[]string
	stop  bool
	fail  error
}

func (r *recorder) OnBatchStart(Host, any, int) (Signal, error) {
	*r.calls = append(*r.calls, r.name)
	if r.stop {
		return Stop, nil
	}
	return Continue, nil
}

func (r *recorder) OnEpochEnd(Host) error {
	*r.calls = append(*r.calls, r.name)
	return r.fail
}

func TestDispatcherOrderAndStop(t *testing.T) {
	var calls []string
	d := NewDispatcher(
		&recorder{name: "a", calls: &calls},
		&recorder{name: "b", calls: &calls, stop: true},
		&recorder{name: "c", calls: &calls},
	)
	sig, err := d.BatchStart(&fakeHost{st: state.New(1, 0)}, nil, 0)
	if err != nil {
		t.Fatalf("batch start: %v", err)
	}
	if sig != Stop {
		t.Fatalf("signal = %v, want stop", sig)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDispatcherPropagatesErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	d := NewDispatcher(&recorder{name: "a", calls: &calls, fail: boom}, &recorder{name: "b", calls: &calls})
	err := d.EpochEnd(&fakeHost{st: state.New(1, 0)})
	if errors.Cause(err) != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("later callbacks should not run, calls = %v", calls)
	}
}

func TestDispatcherIgnoresNil(t *testing.T) {
	d := NewDispatcher(nil)
	if d.Len() != 0 {
		t.Fatalf("len = %d", d.Len())
	}
}

func TestEarlyStoppingPatience(t *testing.T) {
	st := state.New(10, 0)
	h := &fakeHost{st: st, mod: model.NewLinear(1, 0.1, 1)}
	es := NewEarlyStopping("val_loss", 2, Min)
	if err := es.OnTrainStart(h); err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{1.0, 0.5, 0.6, 0.7} {
		st.CallbackMetrics["val_loss"] = v
		if err := es.OnValidationEnd(h); err != nil {
			t.Fatal(err)
		}
		if i < 3 && st.ShouldStop {
			t.Fatalf("stopped too early at check %d", i)
		}
	}
	if !st.ShouldStop {
		t.Fatal("expected should_stop after patience ran out")
	}
	if es.Best() != 0.5 {
		t.Fatalf("best = %f", es.Best())
	}
}

func TestEarlyStoppingMissingMetric(t *testing.T) {
	st := state.New(10, 0)
	h := &fakeHost{st: st, mod: model.NewLinear(1, 0.1, 1)}
	es := NewEarlyStopping("", 0, "")
	_ = es.OnTrainStart(h)
	_ = es.OnValidationEnd(h)
	if st.ShouldStop || es.Wait() != 0 {
		t.Fatal("missing metric should be skipped")
	}
}

func TestModeImproved(t *testing.T) {
	if !Max.Improved(2, 1, 0) || Max.Improved(1, 2, 0) {
		t.Fatal("max mode comparison wrong")
	}
	if !Min.Improved(1, 2, 0) || Min.Improved(1.95, 2, 0.1) {
		t.Fatal("min mode comparison wrong")
	}
}
