package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides how a handler reacts to a failure.
type ErrorClass string

const (
	// ErrorClassNotFound: an absent key, service, job or allocation. The
	// current pipeline step aborts and waits for the next notification.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassMalformed: unparseable stored state. Callers substitute a
	// safe empty default.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassTransient: a failed collaborator call. The pass ends and the
	// next notification retries.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict: a lost compare-and-swap.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInvariant: the operation would break a lifecycle rule, such
	// as a job without a core group.
	ErrorClassInvariant ErrorClass = "invariant"
)

// Error codes.
const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeMalformed  = "MALFORMED"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNoCapacity = "NO_CAPACITY"
)

// EngineError is a classified failure with the key or entity it concerns.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewNotFoundError classifies an absent entity.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message, err)
}

// NewMalformedError classifies unparseable state.
func NewMalformedError(message string, err error) *EngineError {
	return newError(ErrorClassMalformed, ErrCodeMalformed, message, err)
}

// NewTransientError classifies a failed collaborator call.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

// NewConflictError classifies a lost compare-and-swap.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewInvariantError classifies a rejected operation.
func NewInvariantError(message string, err error) *EngineError {
	return newError(ErrorClassInvariant, ErrCodeValidation, message, err)
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (%s %s)", e.Operation, e.Resource)
	case e.Resource != "":
		fmt.Fprintf(&b, " (%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// ClassOf returns the class of err. Unclassified errors are transient.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassTransient
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

func IsNotFound(err error) bool  { return hasClass(err, ErrorClassNotFound) }
func IsMalformed(err error) bool { return hasClass(err, ErrorClassMalformed) }
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsInvariant(err error) bool { return hasClass(err, ErrorClassInvariant) }
