// Package domain provides the collection wrapper business-logic objects
// are built on. A domain wraps a homogeneous collection of records,
// applies business rules to it, and registers the resulting mutations on
// a caller-supplied unit of work — it never commits one itself, so the
// service layer keeps control of the transactional scope.
//
// Validation follows the bulk discipline: a failing record gets an error
// attached to it and processing continues for its siblings, so one
// invocation reports every failure in the collection.
package domain

import (
	"fmt"
	"strings"

	"github.com/jacentio/espalier/record"
)

// Domain is the minimal surface the component factory constructs.
// Concrete domains embed *Base and add their business operations.
type Domain interface {
	Type() record.Type
	Records() []*record.Record
}

// RecordError is a validation failure attached to one record. Field is
// empty for record-level errors.
type RecordError struct {
	Record  *record.Record
	Field   string
	Message string
}

func (e RecordError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %s", e.Record.Ref(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Record.Ref(), e.Message)
}

// ValidationError aggregates the per-record failures of one collection
// operation. Records without errors were still processed.
type ValidationError struct {
	Errors []RecordError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, re := range e.Errors {
		msgs = append(msgs, re.Error())
	}
	return fmt.Sprintf("espalier: %d record(s) failed validation: %s",
		len(e.Errors), strings.Join(msgs, "; "))
}

// Base is the embeddable domain implementation: the wrapped collection
// plus the per-record error list.
type Base struct {
	typ     record.Type
	records []*record.Record
	errs    []RecordError
}

// NewBase wraps a collection of records of one type.
func NewBase(typ record.Type, recs []*record.Record) *Base {
	return &Base{typ: typ, records: recs}
}

// Type returns the wrapped record type.
func (b *Base) Type() record.Type { return b.typ }

// Records returns the wrapped collection.
func (b *Base) Records() []*record.Record { return b.records }

// AddError attaches a record-level validation error without interrupting
// processing of the rest of the collection.
func (b *Base) AddError(rec *record.Record, message string) {
	b.errs = append(b.errs, RecordError{Record: rec, Message: message})
}

// AddFieldError attaches a field-level validation error.
func (b *Base) AddFieldError(rec *record.Record, field, message string) {
	b.errs = append(b.errs, RecordError{Record: rec, Field: field, Message: message})
}

// Errors returns the accumulated validation errors.
func (b *Base) Errors() []RecordError { return b.errs }

// HasErrors reports whether any record failed validation.
func (b *Base) HasErrors() bool { return len(b.errs) > 0 }

// Failed reports whether the given record has an attached error. Domains
// use this to skip failed records when registering mutations.
func (b *Base) Failed(rec *record.Record) bool {
	for _, e := range b.errs {
		if e.Record == rec {
			return true
		}
	}
	return false
}

// ValidationError returns the collected failures as one error, or nil
// when every record passed.
func (b *Base) ValidationError() error {
	if len(b.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: b.errs}
}
