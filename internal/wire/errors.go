// Package wire defines the request/response envelopes, error taxonomy and
// small encodings shared by the OJP client dispatcher and proxy server —
// the two ends of the AMQP RPC fabric.
package wire

import "fmt"

// ErrorKind classifies a WireError. The classification drives retry
// eligibility and endpoint-health bookkeeping on the client side; it
// never depends on the message text.
type ErrorKind string

const (
	// KindTransportUnavailable covers peer-unreachable and transport-level
	// timeouts: the endpoint is marked unhealthy and, for non-sticky
	// requests, retried elsewhere.
	KindTransportUnavailable ErrorKind = "TransportUnavailable"
	// KindSessionServerUnavailable is returned when a session's sticky
	// endpoint is already known unhealthy; the caller must reconnect.
	KindSessionServerUnavailable ErrorKind = "SessionServerUnavailable"
	// KindSessionInvalidated means the server-side session is missing or
	// expired. Accounted like a connection-class error but surfaced
	// distinctly so the caller does not assume a transport fault.
	KindSessionInvalidated ErrorKind = "SessionInvalidated"
	// KindDatabase covers syntax, constraint and data-type errors from the
	// upstream engine. Never affects endpoint health.
	KindDatabase ErrorKind = "Database"
	// KindCircuitOpen is returned by the breaker while a statement
	// fingerprint is in its cooldown window.
	KindCircuitOpen ErrorKind = "CircuitOpen"
	// KindDeadline means the RPC deadline elapsed before a result arrived.
	KindDeadline ErrorKind = "Deadline"
	// KindPoolExhausted means a connection or XA pool borrow timed out.
	KindPoolExhausted ErrorKind = "PoolExhausted"
	// KindXaProtocolViolation reports an illegal XA state transition for
	// the offending Xid. The transaction registry does not remove the
	// binding when it returns this error; the binding keeps its state.
	KindXaProtocolViolation ErrorKind = "XaProtocolViolation"
	// KindConfiguration covers a bad client URL or unknown property; fatal
	// at startup, or a rejected call if raised mid-session.
	KindConfiguration ErrorKind = "Configuration"
)

// WireError is the structured error metadata attached to a response. It
// implements the error interface so normal Go error handling (errors.Is/As,
// %w wrapping) works across the wire boundary.
type WireError struct {
	Kind       ErrorKind `json:"kind"`
	SQLState   string    `json:"sqlState,omitempty"`
	VendorCode int       `json:"vendorCode,omitempty"`
	Message    string    `json:"message"`
}

func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	if e.SQLState != "" {
		return fmt.Sprintf("%s: %s (sqlstate=%s)", e.Kind, e.Message, e.SQLState)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a WireError of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *WireError {
	return &WireError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsConnectionLevel reports whether err warrants marking the responsible
// endpoint unhealthy.
func IsConnectionLevel(err error) bool {
	we, ok := asWireError(err)
	if !ok {
		return false
	}
	switch we.Kind {
	case KindTransportUnavailable, KindSessionInvalidated:
		return true
	default:
		return false
	}
}

// IsSessionInvalidation reports whether err represents a server-side
// session loss, which is accounted as connection-class but surfaced to
// the caller as a distinct kind rather than silently retried.
func IsSessionInvalidation(err error) bool {
	we, ok := asWireError(err)
	return ok && we.Kind == KindSessionInvalidated
}

// IsRetryable reports whether the classifier allows a non-sticky retry
// for this error on another healthy endpoint.
func IsRetryable(err error) bool {
	we, ok := asWireError(err)
	if !ok {
		return false
	}
	return we.Kind == KindTransportUnavailable
}

func asWireError(err error) (*WireError, bool) {
	if err == nil {
		return nil, false
	}
	we, ok := err.(*WireError)
	return we, ok
}
