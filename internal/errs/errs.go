// Package errs defines the fatal error kinds raised by the training core.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid setup: optimizer frequencies, step
// return types, missing step arguments and similar. It is never retried.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return "misconfiguration: " + e.msg }

// Configf builds a ConfigurationError carrying a stack trace.
func Configf(format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{msg: fmt.Sprintf(format, args...)})
}

// NonFiniteValueError reports the first tensor found holding NaN or Inf.
type NonFiniteValueError struct {
	// Tensor names the offending value: "loss", "param <name>" or "grad <name>".
	Tensor string
	Value  float64
}

func (e *NonFiniteValueError) Error() string {
	return fmt.Sprintf("non-finite value %v detected in %s", e.Value, e.Tensor)
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// AsNonFinite extracts a NonFiniteValueError from err.
func AsNonFinite(err error) (*NonFiniteValueError, bool) {
	var target *NonFiniteValueError
	ok := errors.As(err, &target)
	return target, ok
}
