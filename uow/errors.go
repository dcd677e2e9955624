package uow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/espalier/record"
)

var (
	// ErrInvalidOperation is returned for conflicting registrations
	// within a session. This is a programming error and is never retried.
	ErrInvalidOperation = errors.New("espalier: invalid operation registration")

	// ErrInvalidState is returned when a session is used after commit
	// has begun. Sessions are single-use.
	ErrInvalidState = errors.New("espalier: unit of work is no longer open")

	// ErrCyclicDependency is the sentinel matched by errors.Is against a
	// *CycleError.
	ErrCyclicDependency = errors.New("espalier: cyclic dependency between pending operations")
)

// CycleError reports a dependency cycle among pending insert operations.
// The commit is failed before any write is attempted.
type CycleError struct {
	// Refs names the records participating in the cyclic region.
	Refs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("espalier: cyclic dependency through [%s]", strings.Join(e.Refs, ", "))
}

// Is matches ErrCyclicDependency.
func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// StoreError reports a rejected store batch. Batches already applied by
// this commit are not rolled back by this layer; whether their effects
// remain visible is determined by the store's own transactionality.
type StoreError struct {
	// Kind is the operation kind of the failing batch.
	Kind OpKind

	// Type is the record type of the failing batch.
	Type record.Type

	// Refs names the records in the failing batch.
	Refs []string

	// Err is the underlying store error.
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("espalier: %s batch for %s failed (%d records): %v",
		e.Kind, e.Type, len(e.Refs), e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
