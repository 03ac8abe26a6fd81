package cdp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrContextGone          = errors.New("execution context is gone")
	ErrInvalidHandle        = errors.New("remote handle is disposed or foreign to this context")
	ErrInterceptionDisabled = errors.New("request interception is not enabled")
	ErrAlreadyHandled       = errors.New("request is already handled")
	ErrSessionClosed        = errors.New("session closed")
)

// ProtocolError is an error response reported by the remote side for a
// specific command. It propagates unchanged through evaluation paths.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// EvaluationError is the single structured failure surfaced for remote
// evaluation exceptions, regardless of the remote failure shape.
type EvaluationError struct {
	Message string
	Details *ExceptionDetails
}

func (e *EvaluationError) Error() string {
	return "evaluation failed: " + e.Message
}

// NewEvaluationError translates exception details into an EvaluationError.
func NewEvaluationError(details *ExceptionDetails) *EvaluationError {
	return &EvaluationError{
		Message: details.Message(),
		Details: details,
	}
}

// The remote side reports these when a value fundamentally cannot be
// returned by value; both are legitimate remote states, not evaluation
// failures, and yield the type's default instead of an error.
var degenerateValueMessages = []string{
	"Object reference chain is too long",
	"Object couldn't be returned by value",
}

// IsDegenerateValueError reports whether err is one of the non-fatal
// "value cannot be returned" protocol errors.
func IsDegenerateValueError(err error) bool {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return false
	}
	for _, msg := range degenerateValueMessages {
		if strings.Contains(perr.Message, msg) || strings.Contains(perr.Data, msg) {
			return true
		}
	}
	return false
}
