package errs

import (
	"testing"

	"github.com/pkg/errors"
)

func TestConfigurationErrorSurvivesWrapping(t *testing.T) {
	err := errors.WithMessage(Configf("frequency %d must be positive", 0), "build schedule")
	if !IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if IsConfiguration(errors.New("plain")) {
		t.Fatal("plain error classified as configuration error")
	}
}

func TestAsNonFinite(t *testing.T) {
	err := errors.Wrap(&NonFiniteValueError{Tensor: "loss"}, "batch 3")
	nf, ok := AsNonFinite(err)
	if !ok || nf.Tensor != "loss" {
		t.Fatalf("unexpected result %v %v", nf, ok)
	}
}
