// Package fatal defines the error taxonomy of the embedding planning layer and
// the helpers that raise them as exceptions (panics with a typed error value,
// in the style of github.com/gomlx/exceptions).
//
// Every failure in this layer is fatal for the current training step: there is
// no retry and no partial recovery, on the principle that half-built plans or
// half-copied gradients are worse than a hard stop. Three categories exist:
//
//   - ConfigurationError: the static configuration is invalid (unsupported
//     combiner, malformed shard matrix, ...). Raised at construction time.
//   - ContractViolationError: a caller broke an API ordering or sizing
//     contract (binding data before indices, querying a shard that doesn't
//     exist). Indicates a programming error, never a runtime condition.
//   - ResourceError: a device copy or allocation failed; wraps the underlying
//     transport error.
//
// All three are raised by panicking with the typed error value, so callers can
// selectively recover with exceptions.TryCatch at the step boundary:
//
//	if e := exceptions.TryCatch[*fatal.ConfigurationError](build); e != nil { ... }
package fatal

import (
	"github.com/pkg/errors"
)

// ConfigurationError reports invalid static configuration. Always raised
// during construction, before any device state is touched.
type ConfigurationError struct {
	err error
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.err.Error() }

// Unwrap returns the underlying error, which carries a stack trace.
func (e *ConfigurationError) Unwrap() error { return e.err }

// ContractViolationError reports a broken API contract: the caller invoked
// operations out of order or with impossible arguments.
type ContractViolationError struct {
	err error
}

func (e *ContractViolationError) Error() string { return "contract violation: " + e.err.Error() }

// Unwrap returns the underlying error, which carries a stack trace.
func (e *ContractViolationError) Unwrap() error { return e.err }

// ResourceError reports a failed device operation (allocation or copy),
// wrapping the transport's error.
type ResourceError struct {
	err error
}

func (e *ResourceError) Error() string { return "resource error: " + e.err.Error() }

// Unwrap returns the wrapped transport error.
func (e *ResourceError) Unwrap() error { return e.err }

// Configf raises a ConfigurationError built from the given format and args.
func Configf(format string, args ...any) {
	panic(&ConfigurationError{err: errors.Errorf(format, args...)})
}

// Contractf raises a ContractViolationError built from the given format and args.
func Contractf(format string, args ...any) {
	panic(&ContractViolationError{err: errors.Errorf(format, args...)})
}

// Resourcef raises a ResourceError wrapping cause with the given context.
func Resourcef(cause error, format string, args ...any) {
	panic(&ResourceError{err: errors.Wrapf(cause, format, args...)})
}
