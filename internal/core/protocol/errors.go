package protocol

import (
	"errors"
	"time"
)

// Core channel errors
var (
	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")

	// Channel errors

	ErrAckTimeout     = errors.New("acknowledgment timeout")
	ErrRefreshTimeout = errors.New("refresh timeout")
	ErrGuardRejected  = errors.New("event rejected by guard")

	// Session errors

	ErrSessionFrozen       = errors.New("session frozen, reload required")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")

	// Transport errors

	ErrTransportClosed = errors.New("transport is closed")
	ErrDialFailed      = errors.New("dial failed")
)

// ErrorCode represents a numeric error code for efficient error handling.
// Codes below 1000 are HTTP-style codes surfaced by the server's info signal.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Server info codes

	ErrorCodeForbidden   ErrorCode = 403
	ErrorCodeNotFound    ErrorCode = 404
	ErrorCodeServerError ErrorCode = 500

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeConnectionTimeout ErrorCode = 1002
	ErrorCodeConnectionLost    ErrorCode = 1004
	ErrorCodeNotConnected      ErrorCode = 1005
	ErrorCodeAlreadyConnected  ErrorCode = 1006

	// Channel error codes (2000-2999)

	ErrorCodeAckTimeout     ErrorCode = 2001
	ErrorCodeRefreshTimeout ErrorCode = 2002
	ErrorCodeGuardRejected  ErrorCode = 2003

	// Session error codes (3000-3999)

	ErrorCodeSessionFrozen       ErrorCode = 3001
	ErrorCodeIncompatibleVersion ErrorCode = 3002

	// Transport error codes (7000-7999)

	ErrorCodeTransportClosed ErrorCode = 7002
	ErrorCodeDialFailed      ErrorCode = 7007

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a channel-specific error with additional context.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Timestamp int64
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new channel error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now().Unix(),
	}
}

// IsTemporary checks if the error is transient and the operation can be
// retried. Timeouts and lost connections always are; they resolve through
// the offline path, never by failing the session.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeConnectionLost,
		ErrorCodeAckTimeout,
		ErrorCodeRefreshTimeout:
		return true
	default:
		return false
	}
}

// IsFatal checks if the error ends the session for good. Only version
// incompatibility and a frozen session qualify; everything else degrades to
// offline editing.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeSessionFrozen, ErrorCodeIncompatibleVersion:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:    ErrorCodeConnectionClosed,
	ErrConnectionTimeout:   ErrorCodeConnectionTimeout,
	ErrConnectionLost:      ErrorCodeConnectionLost,
	ErrNotConnected:        ErrorCodeNotConnected,
	ErrAlreadyConnected:    ErrorCodeAlreadyConnected,
	ErrAckTimeout:          ErrorCodeAckTimeout,
	ErrRefreshTimeout:      ErrorCodeRefreshTimeout,
	ErrGuardRejected:       ErrorCodeGuardRejected,
	ErrSessionFrozen:       ErrorCodeSessionFrozen,
	ErrIncompatibleVersion: ErrorCodeIncompatibleVersion,
	ErrTransportClosed:     ErrorCodeTransportClosed,
	ErrDialFailed:          ErrorCodeDialFailed,
}

// GetErrorCode returns the error code for a given error.
func GetErrorCode(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	var channelErr *Error
	if errors.As(err, &channelErr) {
		return channelErr.Code
	}
	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a channel Error.
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}
