package tds

import (
	"fmt"

	"github.com/gotds/tds/internal/tderrors"
)

// ConnectionError reports a failure establishing, negotiating, or
// maintaining a connection: socket errors, instance lookup failures,
// TLS handshake failures, and login failures all surface as one of these.
type ConnectionError struct {
	// Code is a short, stable string identifying the failure class, for
	// callers that branch on error kind (ETIMEOUT, ESOCKET, EINSTLOOKUP,
	// ELOGIN, EINVALIDSTATE).
	Code string
	Err  *tderrors.Error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tds: connection error [%s]: %s", e.Code, e.Err.Error())
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func newConnError(code string, b *tderrors.Builder) *ConnectionError {
	return &ConnectionError{Code: code, Err: b.WithField("code", code).Build()}
}

// RequestError reports a failure executing, canceling, or completing a
// request: protocol errors returned by the server, request timeouts, and
// requests issued while the connection is in the wrong state.
type RequestError struct {
	// Code is a short, stable string identifying the failure class
	// (EREQUEST, ECANCEL, ETIMEOUT, ENOTRNINPROG, EINVALIDSTATE).
	Code string
	Err  *tderrors.Error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("tds: request error [%s]: %s", e.Code, e.Err.Error())
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func newRequestError(code string, b *tderrors.Builder) *RequestError {
	return &RequestError{Code: code, Err: b.WithField("code", code).Build()}
}

// Well-known error codes, matching the string codes historically used by
// TDS client drivers so callers porting existing error-handling logic do
// not need to change their code-comparison strings.
const (
	CodeTimeout          = "ETIMEOUT"
	CodeSocket           = "ESOCKET"
	CodeInstanceLookup    = "EINSTLOOKUP"
	CodeLogin            = "ELOGIN"
	CodeRequest          = "EREQUEST"
	CodeCancel           = "ECANCEL"
	CodeNoTransaction    = "ENOTRNINPROG"
	CodeInvalidState     = "EINVALIDSTATE"
)

// ServerError represents an ERROR token received from the server in
// response to a request; it is wrapped by RequestError.Err's cause chain
// so callers can errors.As for it to inspect the SQL-level detail.
type ServerError struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tds: server error %d, severity %d, state %d: %s", e.Number, e.Class, e.State, e.Message)
}
