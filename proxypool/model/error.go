package model

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

const (
	// ErrConnect indicates the proxy could not be reached at the TCP level.
	ErrConnect = ErrorKind("ErrConnect")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = ErrorKind("ErrTimeout")

	// ErrProtocol covers handshake, TLS, unexpected status and malformed
	// echo responses.
	ErrProtocol = ErrorKind("ErrProtocol")

	// ErrMaskingCheckFailed indicates every origin reported by the echo
	// endpoint belongs to this host, i.e. the proxy is transparent.
	ErrMaskingCheckFailed = ErrorKind("ErrMaskingCheckFailed")

	// ErrStore indicates the persistent store failed.
	ErrStore = ErrorKind("ErrStore")

	// ErrPoolEmpty indicates the relay had no live proxy to try.
	ErrPoolEmpty = ErrorKind("ErrPoolEmpty")

	// ErrRelayExhausted indicates every relay attempt failed.
	ErrRelayExhausted = ErrorKind("ErrRelayExhausted")

	// ErrUnknownProxyType indicates a proxy type name could not be parsed.
	ErrUnknownProxyType = ErrorKind("ErrUnknownProxyType")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to proxy validation, storage or relaying.
// It has full support for errors.Is and errors.As, so the caller can ascertain
// the specific reason for the error by checking the underlying error.
type Error struct {
	Err         error
	RawErr      error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// MakeError creates an Error given a set of arguments.
func MakeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

// WrapError creates an Error of the given kind that keeps raw as the
// underlying cause.
func WrapError(kind ErrorKind, desc string, raw error) Error {
	if raw != nil {
		desc = desc + ": " + raw.Error()
	}
	return Error{Err: kind, RawErr: raw, Description: desc}
}
