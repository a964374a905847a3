package realtime

import (
	"errors"
	"fmt"
)

// Error kinds used with NewError.
const (
	InvalidStateError = iota

	ChannelOperationError

	TimedOutError

	AuthenticationError

	ConnectionError

	ConnectionClosedError

	ProtocolError

	DisconnectedError

	ListenerError

	InvalidArgumentError

	UnknownError
)

// Service error codes carried on the wire.
const (
	CodeBadRequest            = 40000
	CodeInvalidCredentials    = 40160
	CodeConnectionFailed      = 80000
	CodeConnectionClosed      = 80017
	CodeChannelOperation      = 90000
	CodeChannelInvalidState   = 90001
	CodeChannelOperationTimed = 90007
)

// ErrorInfo is the error type returned by every client operation.
type ErrorInfo struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Code       int    `json:"code,omitempty"`
	NonFatal   bool   `json:"nonfatal,omitempty"`

	Kind  int   `json:"-"`
	Cause error `json:"-"`
}

func kindName(kind int) string {
	switch kind {
	case InvalidStateError:
		return "InvalidStateError"
	case ChannelOperationError:
		return "ChannelOperationError"
	case TimedOutError:
		return "TimedOutError"
	case AuthenticationError:
		return "AuthenticationError"
	case ConnectionError:
		return "ConnectionError"
	case ConnectionClosedError:
		return "ConnectionClosedError"
	case ProtocolError:
		return "ProtocolError"
	case DisconnectedError:
		return "DisconnectedError"
	case ListenerError:
		return "ListenerError"
	case InvalidArgumentError:
		return "InvalidArgumentError"
	default:
		return "UnknownError"
	}
}

func defaultCodes(kind int) (statusCode int, code int) {
	switch kind {
	case InvalidStateError:
		return 400, CodeChannelInvalidState
	case ChannelOperationError:
		return 400, CodeChannelOperation
	case TimedOutError:
		return 408, CodeChannelOperationTimed
	case AuthenticationError:
		return 401, CodeInvalidCredentials
	case ConnectionError, DisconnectedError:
		return 503, CodeConnectionFailed
	case ConnectionClosedError:
		return 400, CodeConnectionClosed
	case InvalidArgumentError, ProtocolError:
		return 400, CodeBadRequest
	default:
		return 500, 50000
	}
}

// NewError builds an ErrorInfo of the given kind with the kind's default status and code.
// An error argument becomes the cause; anything else is formatted into the message.
func NewError(kind int, message ...interface{}) *ErrorInfo {
	statusCode, code := defaultCodes(kind)
	info := &ErrorInfo{Kind: kind, StatusCode: statusCode, Code: code}

	if len(message) > 0 {
		if cause, isError := message[0].(error); isError {
			info.Cause = cause
			info.Message = cause.Error()
		} else {
			info.Message = fmt.Sprint(message[0])
		}
	}

	return info
}

func newErrorInfo(kind int, message string, statusCode int, code int) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: message, StatusCode: statusCode, Code: code}
}

// protocolError converts a wire error into an ErrorInfo of the given kind,
// keeping the server supplied status and code.
func protocolError(kind int, wire *ErrorInfo) *ErrorInfo {
	if wire == nil {
		return NewError(kind)
	}
	info := *wire
	info.Kind = kind
	if info.StatusCode == 0 || info.Code == 0 {
		statusCode, code := defaultCodes(kind)
		if info.StatusCode == 0 {
			info.StatusCode = statusCode
		}
		if info.Code == 0 {
			info.Code = code
		}
	}
	return &info
}

func (info *ErrorInfo) Error() string {
	if info == nil {
		return "<nil>"
	}
	if info.Message == "" {
		return fmt.Sprintf("%s (statusCode=%d code=%d)", kindName(info.Kind), info.StatusCode, info.Code)
	}
	return fmt.Sprintf("%s: %s (statusCode=%d code=%d)", kindName(info.Kind), info.Message, info.StatusCode, info.Code)
}

func (info *ErrorInfo) Unwrap() error {
	if info == nil {
		return nil
	}
	return info.Cause
}

// Is matches another ErrorInfo by kind and service code, so sentinel comparisons
// like errors.Is(err, NewError(TimedOutError)) work.
func (info *ErrorInfo) Is(target error) bool {
	var other *ErrorInfo
	if !errors.As(target, &other) || info == nil || other == nil {
		return false
	}
	return info.Kind == other.Kind && info.Code == other.Code
}

// IsKind reports whether err is an ErrorInfo of the given kind.
func IsKind(err error, kind int) bool {
	var info *ErrorInfo
	if !errors.As(err, &info) {
		return false
	}
	return info.Kind == kind
}
