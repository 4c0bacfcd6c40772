package livefunc

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes livefunc errors.
type ErrorCode string

const (
	// ErrCodeUnknownFunction indicates no function or procedure is registered
	// under the requested name.
	ErrCodeUnknownFunction ErrorCode = "UNKNOWN_FUNCTION"

	// ErrCodeEvaluationFailed indicates the function body returned an error
	// or panicked.
	ErrCodeEvaluationFailed ErrorCode = "EVALUATION_FAILED"

	// ErrCodeNoMutator indicates no mutator is registered for the name.
	ErrCodeNoMutator ErrorCode = "NO_MUTATOR"
)

// Error is returned by registry lookups and one-shot calls.
type Error struct {
	Code     ErrorCode
	Function string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (function=%s)", e.Code, e.Message, e.Function)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnknownFunction reports whether err is an unknown function error.
func IsUnknownFunction(err error) bool {
	return hasCode(err, ErrCodeUnknownFunction)
}

// IsEvaluationError reports whether err is a failed evaluation.
func IsEvaluationError(err error) bool {
	return hasCode(err, ErrCodeEvaluationFailed)
}

// IsNoMutator reports whether err is a missing mutator error.
func IsNoMutator(err error) bool {
	return hasCode(err, ErrCodeNoMutator)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func newUnknownFunction(name string) *Error {
	return &Error{Code: ErrCodeUnknownFunction, Function: name, Message: "function not registered"}
}

func newNoMutator(name string) *Error {
	return &Error{Code: ErrCodeNoMutator, Function: name, Message: "no mutator registered"}
}

func newEvaluationError(name string, err error) *Error {
	return &Error{Code: ErrCodeEvaluationFailed, Function: name, Message: "evaluation failed", Err: err}
}
