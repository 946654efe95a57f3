package controlplane

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the circuit breaker blocks an outbound
// request before any network attempt is made.
var ErrCircuitOpen = errors.New("circuit breaker open, control plane request blocked")

// StatusError is a non-2xx response from the control plane. 4xx responses are
// terminal: the request is malformed or rejected and retrying cannot help.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %d for %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

// Terminal reports whether the error is a client error that must not be
// retried.
func (e *StatusError) Terminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
