// Package errdefs defines the sentinel error values shared across webservd's
// packages, along with the Is* helpers used to classify a wrapped error.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a route, file, or config entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConfigMissing is returned when no ServerConfig is registered for a port.
	ErrConfigMissing = errors.New("config missing for port")
	// ErrCGIMalformedOutput is returned when a CGI child's output lacks a
	// header terminator or a Status field.
	ErrCGIMalformedOutput = errors.New("malformed cgi output")
	// ErrCGITimeout is returned when a CGI child exceeds its wall-clock budget.
	ErrCGITimeout = errors.New("cgi timeout")
	// ErrUnknown is returned when an error does not map to any of the above.
	ErrUnknown = errors.New("unknown")
)

// IsNotFoundError returns true if the unwrapped error is ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigMissingError returns true if the unwrapped error is ErrConfigMissing.
func IsConfigMissingError(err error) bool {
	return errors.Is(err, ErrConfigMissing)
}

// IsCGIMalformedOutputError returns true if the unwrapped error is ErrCGIMalformedOutput.
func IsCGIMalformedOutputError(err error) bool {
	return errors.Is(err, ErrCGIMalformedOutput)
}

// IsCGITimeoutError returns true if the unwrapped error is ErrCGITimeout.
func IsCGITimeoutError(err error) bool {
	return errors.Is(err, ErrCGITimeout)
}
