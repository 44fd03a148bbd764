package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Path resolution and store errors, returned synchronously before any mutation.
	ErrUnresolvablePath      = errors.New("unresolvable path")
	ErrInvalidPath           = errors.New("invalid path")
	ErrInvalidSlicePredicate = errors.New("invalid slice predicate")

	// Dispatch errors, delivered through request callbacks.
	ErrPreconditionMissing  = errors.New("precondition missing")
	ErrTransportFailure     = errors.New("transport failure")
	ErrPartialBundleFailure = errors.New("partial bundle failure")
	ErrServerRejection      = errors.New("server rejection")
)

// Failure is a normalized failure descriptor of a dispatched operation.
type Failure struct {
	// Failure category (one of the dispatch Err* sentinels)
	Kind error
	// Request this failure relates to ("PUT Patient/1")
	Request string
	// HTTP status (0 if the server was not reached)
	Status int
	// OperationOutcome issue code of the first issue
	Code string
	// Human readable details
	Diagnostics string
	// All OperationOutcome issues returned by the server
	Issues []Issue
	// Underlying error (transport, decoding)
	Cause error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	str := strings.Builder{}
	str.WriteString(f.Kind.Error())
	if f.Request != "" {
		str.WriteString(fmt.Sprintf(" (%s)", f.Request))
	}
	if f.Status != 0 {
		str.WriteString(fmt.Sprintf(": status %d", f.Status))
	}
	if f.Code != "" {
		str.WriteString(fmt.Sprintf(": %s", f.Code))
	}
	if f.Diagnostics != "" {
		str.WriteString(fmt.Sprintf(": %s", f.Diagnostics))
	}
	if f.Cause != nil {
		str.WriteString(fmt.Sprintf(": %v", f.Cause))
	}

	return str.String()
}

// Unwrap makes errors.Is work against both the category and the cause.
func (f *Failure) Unwrap() []error {
	errs := []error{f.Kind}
	if f.Cause != nil {
		errs = append(errs, f.Cause)
	}

	return errs
}

// NewFailure builds a Failure of kind from an OperationOutcome (may be nil).
func NewFailure(kind error, request string, status int, outcome *OperationOutcome, cause error) *Failure {
	f := &Failure{
		Kind:    kind,
		Request: request,
		Status:  status,
		Cause:   cause,
	}
	if outcome != nil && len(outcome.Issue) > 0 {
		f.Issues = outcome.Issue
		f.Code = outcome.Issue[0].Code
		f.Diagnostics = outcome.Issue[0].Diagnostics
	}

	return f
}

// BundleFailure aggregates per-entry failures of a bundle submission.
type BundleFailure struct {
	Kind      error
	Scope     string
	Succeeded int
	Failed    []*Failure
}

// Error implements the error interface.
func (f *BundleFailure) Error() string {
	return fmt.Sprintf("%v: scope %q: %d succeeded, %d failed", f.Kind, f.Scope, f.Succeeded, len(f.Failed))
}

// Unwrap implements errors.Is support.
func (f *BundleFailure) Unwrap() error {
	return f.Kind
}
