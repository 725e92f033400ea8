// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the automation surfaces to its callers.
// Using a custom type ensures that only predefined constants can be used where
// an ErrorKind is expected.
type ErrorKind string

const (
	// -- Configuration and input errors --
	KindValidation  ErrorKind = "ValidationError"
	KindMissingData ErrorKind = "MissingDataError"
	KindNotFound    ErrorKind = "NotFoundError"

	// -- Browser/DOM errors --
	KindElementNotFound        ErrorKind = "ElementNotFoundError"
	KindElementNotInteractable ErrorKind = "ElementNotInteractableError"
	KindTimeout                ErrorKind = "TimeoutError"
	KindInvalidOption          ErrorKind = "InvalidOptionError"
	KindNoMatchingOption       ErrorKind = "NoMatchingOptionError"
	KindExtraction             ErrorKind = "ExtractionError"
	KindNavigation             ErrorKind = "NavigationError"

	// -- Run control errors --
	KindCancelled    ErrorKind = "Cancelled"
	KindInvalidState ErrorKind = "InvalidStateError"
	KindCapacity     ErrorKind = "CapacityError"

	// KindExecution is reported for driver failures that carry no finer classification.
	KindExecution ErrorKind = "ExecutionError"
)

// Error is the structured error type shared by the registry, the resolver,
// the browser driver and the engine.
type Error struct {
	Kind    ErrorKind
	Message string
	// Path is the data path involved, set for MissingDataError.
	Path string
	// StepIndex is the offending step, or -1 when the error is not tied to a step.
	StepIndex int
	Action    ActionKind
	Err       error

	sentinel bool
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation             = kindSentinel(KindValidation)
	ErrMissingData            = kindSentinel(KindMissingData)
	ErrNotFound               = kindSentinel(KindNotFound)
	ErrElementNotFound        = kindSentinel(KindElementNotFound)
	ErrElementNotInteractable = kindSentinel(KindElementNotInteractable)
	ErrTimeout                = kindSentinel(KindTimeout)
	ErrInvalidOption          = kindSentinel(KindInvalidOption)
	ErrNoMatchingOption       = kindSentinel(KindNoMatchingOption)
	ErrExtraction             = kindSentinel(KindExtraction)
	ErrNavigation             = kindSentinel(KindNavigation)
	ErrCancelled              = kindSentinel(KindCancelled)
	ErrInvalidState           = kindSentinel(KindInvalidState)
	ErrCapacity               = kindSentinel(KindCapacity)
)

func kindSentinel(kind ErrorKind) *Error {
	return &Error{Kind: kind, StepIndex: -1, sentinel: true}
}

// NewError builds an Error of the given kind that is not tied to a step.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// WrapError builds an Error of the given kind around an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), StepIndex: -1, Err: err}
}

// MissingData reports an absent or empty value at a data path.
func MissingData(path string) *Error {
	return &Error{
		Kind:      KindMissingData,
		Message:   fmt.Sprintf("missing data at %q", path),
		Path:      path,
		StepIndex: -1,
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.StepIndex >= 0 && e.Action != "":
		msg = fmt.Sprintf("step %d (%s): %s", e.StepIndex, e.Action, msg)
	case e.StepIndex >= 0:
		msg = fmt.Sprintf("step %d: %s", e.StepIndex, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind, so errors.Is(err, ErrTimeout)
// holds for any TimeoutError in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// AtStep returns a copy of the error annotated with the step that produced it.
func (e *Error) AtStep(index int, action ActionKind) *Error {
	cp := *e
	cp.StepIndex = index
	cp.Action = action
	return &cp
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindExecution when the error carries no classification.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecution
}

// ErrorInfo is the serializable description of a run failure.
type ErrorInfo struct {
	Kind      ErrorKind  `json:"kind" yaml:"kind"`
	StepIndex int        `json:"stepIndex" yaml:"step_index"`
	Action    ActionKind `json:"action,omitempty" yaml:"action,omitempty"`
	Path      string     `json:"path,omitempty" yaml:"path,omitempty"`
	Message   string     `json:"message" yaml:"message"`
}

// Describe converts an error into an ErrorInfo. Unclassified errors are
// reported as KindExecution with the supplied step index.
func Describe(err error, stepIndex int, action ActionKind) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:      KindOf(err),
		StepIndex: stepIndex,
		Action:    action,
		Message:   err.Error(),
	}
	var e *Error
	if errors.As(err, &e) {
		info.Path = e.Path
		if e.StepIndex >= 0 {
			info.StepIndex = e.StepIndex
			info.Action = e.Action
		}
	}
	return info
}
