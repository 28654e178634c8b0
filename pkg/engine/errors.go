package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid descriptor or serving address.
	// It aborts the setup of the affected bundle and is never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassBuild indicates the compiler reported errors.
	// The watch loop stays alive and picks up the next fix.
	ErrorClassBuild ErrorClass = "build"

	// ErrorClassProcess indicates a child process failed or exited unexpectedly.
	ErrorClassProcess ErrorClass = "process"

	// ErrorClassCache indicates a fingerprint read or write failure.
	// It is treated as a stale cache.
	ErrorClassCache ErrorClass = "cache"

	// ErrorClassDisposal indicates a component failed to release its resources.
	ErrorClassDisposal ErrorClass = "disposal"
)

// DevError represents a classified error with bundle context.
type DevError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Bundle is the name of the bundle the error belongs to, if any.
	Bundle string `json:"bundle,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DevError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Bundle != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (bundle=%s, operation=%s)", msg, e.Bundle, e.Operation)
	} else if e.Bundle != "" {
		msg = fmt.Sprintf("%s (bundle=%s)", msg, e.Bundle)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DevError) Unwrap() error {
	return e.Err
}

// Is matches another DevError of the same class.
func (e *DevError) Is(target error) bool {
	t, ok := target.(*DevError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithBundle adds bundle context to an error.
func (e *DevError) WithBundle(name string) *DevError {
	e.Bundle = name
	return e
}

// WithOperation adds operation context to an error.
func (e *DevError) WithOperation(operation string) *DevError {
	e.Operation = operation
	return e
}

func newError(class ErrorClass, message string, err error) *DevError {
	return &DevError{Class: class, Message: message, Err: err}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *DevError {
	return newError(ErrorClassConfiguration, message, err)
}

// NewBuildError creates a new build error.
func NewBuildError(message string, err error) *DevError {
	return newError(ErrorClassBuild, message, err)
}

// NewProcessError creates a new process error.
func NewProcessError(message string, err error) *DevError {
	return newError(ErrorClassProcess, message, err)
}

// NewCacheError creates a new cache error.
func NewCacheError(message string, err error) *DevError {
	return newError(ErrorClassCache, message, err)
}

// NewDisposalError creates a new disposal error.
func NewDisposalError(message string, err error) *DevError {
	return newError(ErrorClassDisposal, message, err)
}

func hasClass(err error, class ErrorClass) bool {
	var e *DevError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsBuild returns true if the error is classified as a build error.
func IsBuild(err error) bool {
	return hasClass(err, ErrorClassBuild)
}

// IsProcess returns true if the error is classified as a process error.
func IsProcess(err error) bool {
	return hasClass(err, ErrorClassProcess)
}

// IsCache returns true if the error is classified as a cache error.
func IsCache(err error) bool {
	return hasClass(err, ErrorClassCache)
}

// IsDisposal returns true if the error is classified as a disposal error.
func IsDisposal(err error) bool {
	return hasClass(err, ErrorClassDisposal)
}

// IsFatal reports whether an error must abort a bundle's lifecycle.
// Only configuration errors do; everything else keeps the watch loop alive.
func IsFatal(err error) bool {
	return IsConfiguration(err)
}
