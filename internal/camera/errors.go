package camera

import (
	"errors"
	"fmt"
)

// Kind classifies device errors. Callers branch on the kind, never on the
// native status code.
type Kind int

const (
	// KindEnumeration is a driver-level failure while listing devices.
	KindEnumeration Kind = iota + 1
	// KindAlreadyInUse means the device index is held by another handle.
	KindAlreadyInUse
	// KindTimeout is a routine pull timeout. It never leaves the capture worker.
	KindTimeout
	// KindFatal is a sensor or communication failure that ends the session.
	KindFatal
	// KindValidation is a frame that failed shape validation (internal bug).
	KindValidation
)

// String returns a short lowercase name for logs.
func (k Kind) String() string {
	switch k {
	case KindEnumeration:
		return "enumeration"
	case KindAlreadyInUse:
		return "already_in_use"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	ErrEnumeration  = errors.New("camera: enumeration failed")
	ErrAlreadyInUse = errors.New("camera: device already in use")
	ErrTimeout      = errors.New("camera: frame timeout")
	ErrFatal        = errors.New("camera: fatal device error")
	ErrValidation   = errors.New("camera: frame validation failed")

	// ErrNotStreaming is returned by setters and Pull outside the Streaming state.
	ErrNotStreaming = errors.New("camera: device not streaming")
	// ErrReconnectExhausted is wrapped in a fatal Error once the reconnect
	// policy gives up.
	ErrReconnectExhausted = errors.New("camera: reconnect attempts exhausted")
)

// Error is the error type returned by backends and DeviceHandle.
//
// Code holds the native status code (0 if none). It is only ever logged;
// UserMessage is the text that may be shown to a viewer.
type Error struct {
	Kind    Kind
	Op      string
	Code    int
	Message string
	Err     error
}

// Error includes the native code for logs.
func (e *Error) Error() string {
	msg := fmt.Sprintf("camera: %s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrEnumeration:
		return e.Kind == KindEnumeration
	case ErrAlreadyInUse:
		return e.Kind == KindAlreadyInUse
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrFatal:
		return e.Kind == KindFatal
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// NewError builds an Error; message may be empty, in which case the default
// message for the kind is used by UserMessage.
func NewError(kind Kind, op string, code int, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message, Err: err}
}

// KindOf returns the kind of err, or 0 if err is not a camera error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrAlreadyInUse):
		return KindAlreadyInUse
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrEnumeration):
		return KindEnumeration
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrFatal), errors.Is(err, ErrReconnectExhausted):
		return KindFatal
	}
	return 0
}

var defaultMessages = map[Kind]string{
	KindEnumeration:  "No camera detected. Please connect a camera and restart.",
	KindAlreadyInUse: "Camera already in use. Only one viewer allowed.",
	KindTimeout:      "Camera not responding. Please restart the application.",
	KindFatal:        "Camera operation failed. Please check camera connection.",
	KindValidation:   "Camera delivered an unexpected image format. Please restart the application.",
}

// MsgConnectionLost is shown when the reconnect policy gives up.
const MsgConnectionLost = "Camera connection lost. Please check cable and reconnect."

// MsgNoCamera is shown when enumeration finds nothing to open.
const MsgNoCamera = "No camera detected. Please connect a camera and restart."

// UserMessage returns plain-language text for err. It never includes native
// status codes or wrapped error strings.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrReconnectExhausted) {
		return MsgConnectionLost
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if msg, ok := defaultMessages[e.Kind]; ok {
			return msg
		}
	}
	if msg, ok := defaultMessages[KindOf(err)]; ok {
		return msg
	}
	return "Camera error occurred"
}
