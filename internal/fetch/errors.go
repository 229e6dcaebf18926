package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed operation.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNetwork    Kind = "network"
	KindAPI        Kind = "api"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindParse      Kind = "parse"
	KindAbort      Kind = "abort"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNetwork     = errors.New("network failure")
	ErrAPI         = errors.New("request rejected")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrParse       = errors.New("unexpected response")
	ErrAborted     = errors.New("operation aborted")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindNetwork:    ErrNetwork,
	KindAPI:        ErrAPI,
	KindRateLimit:  ErrRateLimited,
	KindServer:     ErrServer,
	KindParse:      ErrParse,
	KindAbort:      ErrAborted,
}

// Error is the single failure type returned by this package and by the
// packages built on it.
type Error struct {
	Kind       Kind
	StatusCode int
	Attempts   int
	// Message is technical detail for logs. Use UserMessage for anything a
	// user will see.
	Message string
	Err     error
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// UserMessage returns a short message that is safe to show to end users.
// Validation failures keep their specific reason.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation:
		if e.Message != "" {
			return e.Message
		}
		return "The request was invalid."
	case KindNetwork:
		return "Unable to reach the resource. Please try again later."
	case KindAPI:
		return "The request was rejected by the remote service."
	case KindRateLimit:
		return "The scanning service is busy. Please try again shortly."
	case KindServer:
		return "The remote service is temporarily unavailable."
	case KindParse:
		return "Received an unexpected response from the remote service."
	case KindAbort:
		return "The operation was canceled."
	default:
		return "Something went wrong."
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// UserMessage returns the user-safe message for any error.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}
	return "Something went wrong."
}

func abortError(attempts int, cause error) *Error {
	return &Error{Kind: KindAbort, Attempts: attempts, Message: "operation canceled", Err: cause}
}
