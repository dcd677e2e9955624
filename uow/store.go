package uow

import (
	"context"

	"github.com/jacentio/espalier/record"
)

// OpKind is the kind of a pending operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Update is one row of an update batch: the record and the subset of
// fields to write. A nil Fields slice means all current fields.
type Update struct {
	Record *record.Record
	Fields []string
}

// Store is the transactional sink a session commits to. Each call is one
// batch; the store is expected to apply a batch atomically. Atomicity
// across batches is not part of this contract.
type Store interface {
	// Insert persists new records of one type and assigns their
	// identities via Record.SetID.
	Insert(ctx context.Context, typ record.Type, recs []*record.Record) error

	// Update persists field changes for existing records of one type.
	Update(ctx context.Context, typ record.Type, updates []Update) error

	// Delete removes existing records of one type.
	Delete(ctx context.Context, typ record.Type, recs []*record.Record) error
}
