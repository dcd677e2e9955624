// Package memstore is a deterministic in-memory implementation of the
// unit-of-work store sink and the selector reader. It records every
// batch it receives and supports injected failures, so tests can assert
// on batch counts, ordering and failure handling without a real store.
package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/selector"
	"github.com/jacentio/espalier/uow"
)

// ErrNotFound is returned when an update or delete names an identity the
// store does not hold.
var ErrNotFound = errors.New("memstore: record not found")

// Batch is one recorded store call.
type Batch struct {
	Kind uow.OpKind
	Type record.Type
	Refs []record.ID
}

type row struct {
	id     record.ID
	fields map[string]any
}

type table struct {
	rows  map[record.ID]*row
	order []record.ID
}

type fault struct {
	kind uow.OpKind
	typ  record.Type
	err  error
}

// Store holds per-type tables of cloned field maps. The zero value is
// not usable; create with New.
type Store struct {
	tables  map[record.Type]*table
	batches []Batch
	faults  []fault

	// NewID produces identities for inserted records. Defaults to
	// random UUIDs; tests override it for stable output.
	NewID func() record.ID
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tables: make(map[record.Type]*table),
		NewID:  func() record.ID { return record.ID(uuid.NewString()) },
	}
}

var (
	_ uow.Store       = (*Store)(nil)
	_ selector.Reader = (*Store)(nil)
)

// FailNext arranges for the next batch of the given kind and type to be
// rejected with err. Faults apply in the order they were armed.
func (s *Store) FailNext(kind uow.OpKind, typ record.Type, err error) {
	s.faults = append(s.faults, fault{kind: kind, typ: typ, err: err})
}

// Batches returns every store call received so far, in order.
func (s *Store) Batches() []Batch {
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Insert assigns identities and stores cloned copies of the records.
func (s *Store) Insert(ctx context.Context, typ record.Type, recs []*record.Record) error {
	if err := s.takeFault(uow.OpInsert, typ); err != nil {
		return err
	}
	t := s.tableFor(typ)
	refs := make([]record.ID, 0, len(recs))
	for _, rec := range recs {
		id := s.NewID()
		rec.SetID(id)
		t.rows[id] = &row{id: id, fields: rec.Fields()}
		t.order = append(t.order, id)
		refs = append(refs, id)
	}
	s.batches = append(s.batches, Batch{Kind: uow.OpInsert, Type: typ, Refs: refs})
	return nil
}

// Update applies each row's field subset to the stored copy.
func (s *Store) Update(ctx context.Context, typ record.Type, updates []uow.Update) error {
	if err := s.takeFault(uow.OpUpdate, typ); err != nil {
		return err
	}
	t := s.tableFor(typ)
	refs := make([]record.ID, 0, len(updates))
	for _, u := range updates {
		stored, ok := t.rows[u.Record.ID()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, u.Record.Ref())
		}
		if u.Fields == nil {
			stored.fields = u.Record.Fields()
		} else {
			for _, f := range u.Fields {
				stored.fields[f] = u.Record.Get(f)
			}
		}
		refs = append(refs, u.Record.ID())
	}
	s.batches = append(s.batches, Batch{Kind: uow.OpUpdate, Type: typ, Refs: refs})
	return nil
}

// Delete removes the records from the table.
func (s *Store) Delete(ctx context.Context, typ record.Type, recs []*record.Record) error {
	if err := s.takeFault(uow.OpDelete, typ); err != nil {
		return err
	}
	t := s.tableFor(typ)
	refs := make([]record.ID, 0, len(recs))
	for _, rec := range recs {
		id := rec.ID()
		if _, ok := t.rows[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, rec.Ref())
		}
		delete(t.rows, id)
		refs = append(refs, id)
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.rows[id]; ok {
			kept = append(kept, id)
		}
	}
	t.order = kept
	s.batches = append(s.batches, Batch{Kind: uow.OpDelete, Type: typ, Refs: refs})
	return nil
}

// Read executes a query: equality filtering, field projection, and one
// child lookup per sub-query keyed by the relationship field.
func (s *Store) Read(ctx context.Context, q selector.Query) ([]selector.Row, error) {
	var out []selector.Row
	t := s.tableFor(q.Type)
	for _, id := range t.order {
		stored := t.rows[id]
		if !matches(stored, q.Conditions) {
			continue
		}
		rec := s.materialize(q.Type, stored, q.Fields)
		r := selector.Row{Record: rec}
		for field, sub := range q.SubQueries {
			children, err := s.readChildren(ctx, sub, field, id)
			if err != nil {
				return nil, err
			}
			if r.Children == nil {
				r.Children = make(map[string][]*record.Record, len(q.SubQueries))
			}
			r.Children[field] = children
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) readChildren(ctx context.Context, sub selector.Query, field string, parent record.ID) ([]*record.Record, error) {
	rows, err := s.Read(ctx, sub.Where(field, parent))
	if err != nil {
		return nil, err
	}
	children := make([]*record.Record, 0, len(rows))
	for _, r := range rows {
		children = append(children, r.Record)
	}
	return children, nil
}

// Get returns a copy of one stored record, for test assertions.
func (s *Store) Get(typ record.Type, id record.ID) (*record.Record, bool) {
	stored, ok := s.tableFor(typ).rows[id]
	if !ok {
		return nil, false
	}
	return s.materialize(typ, stored, nil), true
}

// Len returns the number of stored records of one type.
func (s *Store) Len(typ record.Type) int {
	return len(s.tableFor(typ).rows)
}

func (s *Store) tableFor(typ record.Type) *table {
	t, ok := s.tables[typ]
	if !ok {
		t = &table{rows: make(map[record.ID]*row)}
		s.tables[typ] = t
	}
	return t
}

// materialize builds a detached record from a stored row, projecting the
// given fields (all fields when nil).
func (s *Store) materialize(typ record.Type, stored *row, fields []string) *record.Record {
	rec := record.NewWithID(typ, stored.id)
	if fields == nil {
		for k, v := range stored.fields {
			rec.Set(k, v)
		}
		return rec
	}
	for _, f := range fields {
		if v, ok := stored.fields[f]; ok {
			rec.Set(f, v)
		}
	}
	return rec
}

func (s *Store) takeFault(kind uow.OpKind, typ record.Type) error {
	for i, f := range s.faults {
		if f.kind == kind && f.typ == typ {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

func matches(stored *row, conds []selector.Condition) bool {
	for _, c := range conds {
		if c.Field == record.IDField {
			want, ok := record.IDOf(c.Value)
			if !ok || want != stored.id {
				return false
			}
			continue
		}
		if !valueEqual(stored.fields[c.Field], c.Value) {
			return false
		}
	}
	return true
}

// valueEqual compares loosely enough that an ID matches its string form,
// since relationship fields round-trip through stores as strings.
func valueEqual(a, b any) bool {
	if a == b {
		return true
	}
	aid, aok := record.IDOf(a)
	bid, bok := record.IDOf(b)
	return aok && bok && aid == bid
}
