// Package errors holds the error taxonomy of the engine and re-exports the
// github.com/pkg/errors helpers so callers need a single import.
//
// Local failures are RPCError values carrying a Code. Failures raised by a
// remote target travel as RemoteError and surface on the client either as a
// declared error type or as a RemoteServiceError.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type ErrorCode int

const (
	ProtocolError        ErrorCode = 1000
	InvocationError      ErrorCode = 2000
	EncodingError        ErrorCode = 3000
	TransportFailure     ErrorCode = 4000
	Timeout              ErrorCode = 5000
	InvalidConfiguration ErrorCode = 6000
	InternalError        ErrorCode = 9000
)

func (c ErrorCode) String() string {
	switch c {
	case ProtocolError:
		return "protocol"
	case InvocationError:
		return "invocation"
	case EncodingError:
		return "encoding"
	case TransportFailure:
		return "transport"
	case Timeout:
		return "timeout"
	case InvalidConfiguration:
		return "configuration"
	case InternalError:
		return "internal"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

type RPCError struct {
	Code ErrorCode
	Msg  string
}

func (e RPCError) Error() string {
	return e.Msg
}

func NewRPCError(code ErrorCode, msg string) RPCError {
	return RPCError{Code: code, Msg: msg}
}

func NewRPCErrorf(code ErrorCode, msgFormat string, args ...interface{}) RPCError {
	return RPCError{Code: code, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInternalError(errReference string) RPCError {
	return NewRPCErrorf(InternalError, "internal error - reference: %s please consult server logs for details", errReference)
}

func NewInvalidConfigurationError(msg string) RPCError {
	return NewRPCErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewTimeoutError(correlationID uint64, service string, method string) RPCError {
	return NewRPCErrorf(Timeout, "request %d to %s.%s timed out", correlationID, service, method)
}

func NewTransportFailure(address string, cause error) RPCError {
	return NewRPCErrorf(TransportFailure, "transport to %s failed: %v", address, cause)
}

// CodeOf returns the code of the first RPCError or RemoteError in the chain of
// err, or 0 if there is none.
func CodeOf(err error) ErrorCode {
	var rpcErr RPCError
	if As(err, &rpcErr) {
		return rpcErr.Code
	}
	var remote *RemoteServiceError
	if As(err, &remote) {
		return remote.Code
	}
	return 0
}

func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// RemoteError is the wire form of a failure raised on the server.
type RemoteError struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    []byte    `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// RemoteServiceError is returned to callers when the remote failure does not
// match any error type declared for the method.
type RemoteServiceError struct {
	Type    string
	Code    ErrorCode
	Message string
}

func (e *RemoteServiceError) Error() string {
	if e.Type == "" {
		return "remote service error: " + e.Message
	}
	return fmt.Sprintf("remote service error (%s): %s", e.Type, e.Message)
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Cause(err error) error {
	return pkgerrors.Cause(err)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}
