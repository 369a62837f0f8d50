// Package spindleerrors contains the error types returned by the dispatch core. Callers branch on the class of a
// failure rather than on its message: a lost race is retried by re-selection, an exhausted ceiling is skipped and a
// rejected operation goes back to the submitter. Classify maps any error chain onto one of those classes.
//
// Sweeps that can fail on several rows at once return a multierror.Error from
// github.com/hashicorp/go-multierror wrapping the individual errors.
package spindleerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the failure class of an error.
type Kind int

const (
	Unknown Kind = iota
	// Contention means a conditional update lost to a concurrent writer.
	Contention
	// Exhaustion means a capacity ceiling would have been exceeded.
	Exhaustion
	InvalidOperation
	InvalidArgument
	NotFound
	AlreadyExists
)

func (k Kind) String() string {
	switch k {
	case Contention:
		return "contention"
	case Exhaustion:
		return "exhaustion"
	case InvalidOperation:
		return "invalid_operation"
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned whenever some entity doesn't exist.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Entity type, e.g., "frame" or "host"
	Value   string // Entity id
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %q does not exist", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("%q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + "; " + err.Message
	}
	return s
}

// ErrAlreadyExists is returned whenever some entity already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %q already exists", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("%q already exists", err.Value)
	}
	if err.Message != "" {
		return s + "; " + err.Message
	}
	return s
}

// ErrInvalidArgument is returned when a request carries a value that can never be valid.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "coresMin"
	Value   interface{} // The invalid value that was provided
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidOperation is returned when an operation is well formed but not legal for the current state of its
// target, e.g. deactivating a composite dependency.
type ErrInvalidOperation struct {
	Operation string
	Value     string
	Message   string
}

func (err *ErrInvalidOperation) Error() string {
	s := fmt.Sprintf("%s is not permitted on %q", err.Operation, err.Value)
	if err.Message != "" {
		return s + "; " + err.Message
	}
	return s
}

// ErrFrameReservation is returned when a version or state gated frame update matched no rows, or when the frame row
// was locked by another booking.
type ErrFrameReservation struct {
	FrameId string
	Message string
}

func (err *ErrFrameReservation) Error() string {
	s := fmt.Sprintf("frame %q was updated by another thread", err.FrameId)
	if err.Message != "" {
		return s + "; " + err.Message
	}
	return s
}

// ErrResourceReservation is returned when a conditional counter update was rejected because it would overcommit
// the named resource.
type ErrResourceReservation struct {
	Resource string // e.g. "host", "subscription"
	Value    string
	Message  string
}

func (err *ErrResourceReservation) Error() string {
	s := fmt.Sprintf("unable to reserve resources on %s %q", err.Resource, err.Value)
	if err.Message != "" {
		return s + "; " + err.Message
	}
	return s
}

// ErrResourceDuplication is returned when a proc is created for a frame that is already bound to another proc.
// Callers treat it as a lost race.
type ErrResourceDuplication struct {
	FrameId string
	ProcId  string
}

func (err *ErrResourceDuplication) Error() string {
	return fmt.Sprintf("frame %q is already bound to a proc, unable to create proc %q", err.FrameId, err.ProcId)
}

// Classify returns the failure class of err.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	{
		var e *ErrFrameReservation
		if errors.As(err, &e) {
			return Contention
		}
	}
	{
		var e *ErrResourceDuplication
		if errors.As(err, &e) {
			return Contention
		}
	}
	{
		var e *ErrResourceReservation
		if errors.As(err, &e) {
			return Exhaustion
		}
	}
	{
		var e *ErrInvalidOperation
		if errors.As(err, &e) {
			return InvalidOperation
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return InvalidArgument
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return NotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return AlreadyExists
		}
	}
	return Unknown
}

// IsContention returns true if err means another writer won a race.
func IsContention(err error) bool {
	return Classify(err) == Contention
}

// IsNotFound returns true if err, or any error it wraps, is an ErrNotFound.
func IsNotFound(err error) bool {
	return Classify(err) == NotFound
}
