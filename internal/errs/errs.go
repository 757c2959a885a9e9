// Package errs defines the error kinds the server core distinguishes,
// per the error handling design: transport, protocol, backend, cancel,
// timeout, and logic errors. Each type implements error; the two that
// carry a lower-level Cause (TransportError, ProtocolError) also
// implement Unwrap. The set follows the style of joeycumines-go-utilpkg/eventloop's typed error set
// (TypeError, RangeError, TimeoutError), but naming the domain kinds
// the mail server core actually distinguishes instead of JavaScript's.
package errs

import "fmt"

// TransportError indicates a backend or client socket failure. A Handle
// that observes one transitions to Broken and fails every Query it owns
// with a TransportError.
type TransportError struct {
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return "transport: " + e.Message + ": " + e.Cause.Error()
	}
	return "transport: " + e.Message
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ProtocolError indicates malformed wire data, from either the backend
// or a client connection. On an IMAP Connection this produces a tagged
// BAD response; it never closes the Connection by itself.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return "protocol: " + e.Message + ": " + e.Cause.Error()
	}
	return "protocol: " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// BackendError wraps an ErrorResponse received from the database
// backend. If the owning Handle was InTransaction, receiving one also
// transitions the Handle to FailedTransaction.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return "backend [" + e.Code + "]: " + e.Message
	}
	return "backend: " + e.Message
}

// CancelError marks a Query as Cancelled. It is not an error for a
// caller unless they asked for the result.
type CancelError struct {
	Message string
}

func (e *CancelError) Error() string {
	if e.Message == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Message
}

// TimeoutError indicates a deadline was reached, on a Connection or a
// higher-level caller-set timer. There is no global per-Query timeout;
// this is only raised by components that set their own.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "timed out"
	}
	return "timed out: " + e.Message
}

// LogicError indicates a programmer error, such as binding a parameter
// out of range, or submitting an already-Submitted Query. It is never
// wrapped around a lower-level cause; it is always raised directly.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string { return "logic: " + e.Message }

// Wrap is a convenience for building a TransportError/ProtocolError-style
// wrapped message, mirroring eventloop.WrapError's %w-based composition.
func Wrap(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
