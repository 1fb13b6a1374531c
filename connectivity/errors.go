package connectivity

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a breaker rejects a call without trying it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// StatusError is returned by HTTPPost for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connectivity: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying (429 and 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// Permanent marks an error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err was marked with Permanent, is a
// non-temporary StatusError, or is an open circuit.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return true
	}
	var st *StatusError
	if errors.As(err, &st) {
		return !st.Temporary()
	}
	return false
}
