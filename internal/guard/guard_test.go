package guard

import (
	"math"
	"testing"

	"loopforge/internal/errs"
	"loopforge/internal/tensor"
)

func TestCheckNamesOffendingTensor(t *testing.T) {
	w := tensor.NewParameter("w", []int{2}, []float64{1, 2})
	b := tensor.NewParameter("b", []int{1}, []float64{0})

	if err := Check(tensor.Scalar(0.5), []*tensor.Tensor{w, b}); err != nil {
		t.Fatalf("finite values flagged: %v", err)
	}

	err := Check(tensor.Scalar(math.NaN()), []*tensor.Tensor{w, b})
	nf, ok := errs.AsNonFinite(err)
	if !ok || nf.Tensor != "loss" {
		t.Fatalf("expected loss error, got %v", err)
	}

	b.Data()[0] = math.Inf(1)
	nf, ok = errs.AsNonFinite(Check(tensor.Scalar(1), []*tensor.Tensor{w, b}))
	if !ok || nf.Tensor != "param b" {
		t.Fatalf("expected param b, got %+v", nf)
	}
	b.Data()[0] = 0

	loss := tensor.Sum(tensor.MulScalar(w, math.Inf(1)))
	_ = loss.Backward()
	nf, ok = errs.AsNonFinite(Check(tensor.Scalar(1), []*tensor.Tensor{w, b}))
	if !ok || nf.Tensor != "grad w" {
		t.Fatalf("expected grad w, got %+v", nf)
	}
}

func TestCheckUnnamedParameter(t *testing.T) {
	p := tensor.New([]int{1}, []float64{math.NaN()})
	nf, ok := errs.AsNonFinite(Check(nil, []*tensor.Tensor{p}))
	if !ok || nf.Tensor != "param #0" {
		t.Fatalf("got %+v", nf)
	}
	if Finite([]float64{1, math.Inf(-1)}) {
		t.Fatal("Finite should reject -Inf")
	}
}
