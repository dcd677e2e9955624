package uow

import (
	"context"
	"fmt"
	"sort"

	"github.com/jacentio/espalier/internal/graph"
	"github.com/jacentio/espalier/record"
)

// UnitOfWork is the registration surface domains and services work
// against. The concrete implementation is *Session; the interface exists
// so tests can substitute a recording fake through the component factory.
type UnitOfWork interface {
	RegisterNew(rec *record.Record) error
	RegisterNewWithParent(child *record.Record, field string, parent *record.Record) error
	RegisterDirty(rec *record.Record, fields ...string) error
	RegisterDeleted(rec *record.Record) error
	RegisterRelationship(child *record.Record, field string, parent *record.Record) error
	Commit(ctx context.Context) error
}

type sessionState int

const (
	stateOpen sessionState = iota
	stateCommitting
	stateCommitted
	stateFailed
)

// opKey identifies a record within a session: by (type, id) once the
// store has assigned an identity, by pointer before that.
type opKey struct {
	typ record.Type
	id  record.ID
	ptr *record.Record
}

func keyFor(rec *record.Record) opKey {
	if id := rec.ID(); id != "" {
		return opKey{typ: rec.Type(), id: id}
	}
	return opKey{typ: rec.Type(), ptr: rec}
}

type pendingOp struct {
	kind    OpKind
	rec     *record.Record
	fields  map[string]struct{} // update subset; nil means all fields
	seq     int
	dropped bool
}

func (op *pendingOp) ref() string {
	if op.rec.ID() != "" {
		return op.rec.Ref()
	}
	return fmt.Sprintf("%s#new@%d", op.rec.Type(), op.seq)
}

// relEdge is a staged "child must follow parent" dependency plus the
// field back-fill it implies.
type relEdge struct {
	child  *record.Record
	field  string
	parent *record.Record
}

// Session is the concrete unit of work. It is single-use and not safe
// for concurrent use.
type Session struct {
	store    Store
	registry *record.Registry
	rank     map[record.Type]int

	state sessionState
	seq   int

	inserts map[opKey]*pendingOp
	updates map[opKey]*pendingOp
	deletes map[opKey]*pendingOp

	insertOrder []*pendingOp
	updateOrder []*pendingOp
	deleteOrder []*pendingOp

	rels []relEdge
}

// NewSession creates an empty session over the given store. The registry
// supplies relationship metadata for delete ordering; order is the
// declared commit order of record types, used as a tie-break when no
// relationship connects two types. Both may be nil/empty.
func NewSession(store Store, registry *record.Registry, order []record.Type) *Session {
	if registry == nil {
		registry = record.NewRegistry()
	}
	rank := make(map[record.Type]int, len(order))
	for i, t := range order {
		rank[t] = i
	}
	return &Session{
		store:    store,
		registry: registry,
		rank:     rank,
		inserts:  make(map[opKey]*pendingOp),
		updates:  make(map[opKey]*pendingOp),
		deletes:  make(map[opKey]*pendingOp),
	}
}

var _ UnitOfWork = (*Session)(nil)

func (s *Session) typeRank(t record.Type) int {
	if r, ok := s.rank[t]; ok {
		return r
	}
	return len(s.rank)
}

func (s *Session) checkOpen(what string) error {
	if s.state != stateOpen {
		return fmt.Errorf("%w: %s after commit began", ErrInvalidState, what)
	}
	return nil
}

// RegisterNew stages an insert. The record must not carry an identity
// and must not already be staged for insert.
func (s *Session) RegisterNew(rec *record.Record) error {
	if err := s.checkOpen("RegisterNew"); err != nil {
		return err
	}
	if rec.ID() != "" {
		return fmt.Errorf("%w: RegisterNew on %s which already has an identity", ErrInvalidOperation, rec.Ref())
	}
	key := keyFor(rec)
	if _, ok := s.inserts[key]; ok {
		return fmt.Errorf("%w: %s is already staged for insert", ErrInvalidOperation, rec.Type())
	}
	op := &pendingOp{kind: OpInsert, rec: rec, seq: s.nextSeq()}
	s.inserts[key] = op
	s.insertOrder = append(s.insertOrder, op)
	return nil
}

// RegisterNewWithParent stages an insert whose execution must follow the
// parent's insert; field is back-filled with the parent's assigned
// identity before the child is written.
func (s *Session) RegisterNewWithParent(child *record.Record, field string, parent *record.Record) error {
	if err := s.checkOpen("RegisterNewWithParent"); err != nil {
		return err
	}
	if child == nil || field == "" || parent == nil {
		return fmt.Errorf("%w: RegisterNewWithParent requires child, field and parent", ErrInvalidOperation)
	}
	if err := s.RegisterNew(child); err != nil {
		return err
	}
	s.rels = append(s.rels, relEdge{child: child, field: field, parent: parent})
	return nil
}

// RegisterDirty stages an update restricted to the named fields, or to
// all current fields when none are named. Repeat registrations for the
// same identity coalesce into one update carrying the union of fields,
// with the later call's values winning.
func (s *Session) RegisterDirty(rec *record.Record, fields ...string) error {
	if err := s.checkOpen("RegisterDirty"); err != nil {
		return err
	}
	if rec.ID() == "" {
		return fmt.Errorf("%w: RegisterDirty on %s with no identity (new records carry their fields into the insert)", ErrInvalidOperation, rec.Type())
	}
	key := keyFor(rec)
	if _, ok := s.deletes[key]; ok {
		return fmt.Errorf("%w: %s is already staged for delete", ErrInvalidOperation, rec.Ref())
	}

	op, ok := s.updates[key]
	if !ok {
		op = &pendingOp{kind: OpUpdate, rec: rec, seq: s.nextSeq()}
		if len(fields) > 0 {
			op.fields = make(map[string]struct{}, len(fields))
			for _, f := range fields {
				op.fields[f] = struct{}{}
			}
		}
		s.updates[key] = op
		s.updateOrder = append(s.updateOrder, op)
		return nil
	}

	// Coalesce into the staged update. When registered through a
	// different pointer with the same identity, copy the named values
	// onto the canonical record so the later caller wins per field.
	if op.rec != rec {
		if len(fields) == 0 {
			for f, v := range rec.Fields() {
				op.rec.Set(f, v)
			}
		} else {
			for _, f := range fields {
				op.rec.Set(f, rec.Get(f))
			}
		}
	}
	if len(fields) == 0 {
		op.fields = nil // widen to all fields
	} else if op.fields != nil {
		for _, f := range fields {
			op.fields[f] = struct{}{}
		}
	}
	return nil
}

// RegisterDeleted stages a delete. A record staged for insert in the
// same session collapses to a no-op: both operations are dropped and no
// store call is made for it.
func (s *Session) RegisterDeleted(rec *record.Record) error {
	if err := s.checkOpen("RegisterDeleted"); err != nil {
		return err
	}
	key := keyFor(rec)

	if op, ok := s.inserts[key]; ok {
		delete(s.inserts, key)
		op.dropped = true
		s.dropEdgesFor(rec)
		return nil
	}
	if rec.ID() == "" {
		return fmt.Errorf("%w: RegisterDeleted on %s with no identity", ErrInvalidOperation, rec.Type())
	}
	if _, ok := s.updates[key]; ok {
		return fmt.Errorf("%w: %s is already staged for update", ErrInvalidOperation, rec.Ref())
	}
	if _, ok := s.deletes[key]; ok {
		return fmt.Errorf("%w: %s is already staged for delete", ErrInvalidOperation, rec.Ref())
	}
	op := &pendingOp{kind: OpDelete, rec: rec, seq: s.nextSeq()}
	s.deletes[key] = op
	s.deleteOrder = append(s.deleteOrder, op)
	return nil
}

// RegisterRelationship stages a dependency edge and identity back-fill
// without implying any operation. Unless the child is otherwise staged,
// only its in-memory field is set.
func (s *Session) RegisterRelationship(child *record.Record, field string, parent *record.Record) error {
	if err := s.checkOpen("RegisterRelationship"); err != nil {
		return err
	}
	if child == nil || parent == nil || field == "" {
		return fmt.Errorf("%w: RegisterRelationship requires child, field and parent", ErrInvalidOperation)
	}
	s.rels = append(s.rels, relEdge{child: child, field: field, parent: parent})
	return nil
}

// dropEdgesFor removes edges whose child is the collapsed record. Edges
// naming it as a parent are kept; they will surface as an unresolvable
// dependency at commit.
func (s *Session) dropEdgesFor(rec *record.Record) {
	kept := s.rels[:0]
	for _, e := range s.rels {
		if e.child != rec {
			kept = append(kept, e)
		}
	}
	s.rels = kept
}

func (s *Session) nextSeq() int {
	s.seq++
	return s.seq
}

// Commit computes the write order and applies every staged operation as
// batched store calls. See the package documentation for the ordering
// and failure contract.
func (s *Session) Commit(ctx context.Context) error {
	switch s.state {
	case stateCommitting, stateCommitted, stateFailed:
		return fmt.Errorf("%w: session already committed", ErrInvalidState)
	}
	s.state = stateCommitting

	if err := s.validateEdges(); err != nil {
		s.state = stateFailed
		return err
	}

	if err := s.commitInserts(ctx); err != nil {
		s.state = stateFailed
		return err
	}
	if err := s.commitUpdates(ctx); err != nil {
		s.state = stateFailed
		return err
	}
	if err := s.commitDeletes(ctx); err != nil {
		s.state = stateFailed
		return err
	}

	s.state = stateCommitted
	return nil
}

// validateEdges ensures every relationship parent is either persisted or
// staged for insert in this session. Detected before any write.
func (s *Session) validateEdges() error {
	for _, e := range s.rels {
		if e.parent.ID() != "" {
			continue
		}
		if _, staged := s.inserts[keyFor(e.parent)]; !staged {
			return fmt.Errorf("%w: relationship %s.%s refers to a parent %s that is neither persisted nor staged for insert",
				ErrInvalidOperation, e.child.Type(), e.field, e.parent.Type())
		}
	}
	return nil
}

func (s *Session) commitInserts(ctx context.Context) error {
	var live []*pendingOp
	index := make(map[*record.Record]int)
	for _, op := range s.insertOrder {
		if op.dropped {
			continue
		}
		index[op.rec] = len(live)
		live = append(live, op)
	}
	if len(live) == 0 {
		return nil
	}

	g := graph.New(len(live))
	for _, e := range s.rels {
		ci, childStaged := index[e.child]
		pi, parentStaged := index[e.parent]
		if childStaged && parentStaged {
			g.AddEdge(pi, ci)
		}
	}

	levels, cyclic := g.Levels()
	if cyclic != nil {
		refs := make([]string, 0, len(cyclic))
		for _, i := range cyclic {
			refs = append(refs, live[i].ref())
		}
		return &CycleError{Refs: refs}
	}

	edgesByChild := make(map[*record.Record][]relEdge)
	for _, e := range s.rels {
		edgesByChild[e.child] = append(edgesByChild[e.child], e)
	}

	for _, level := range levels {
		ops := make([]*pendingOp, 0, len(level))
		for _, i := range level {
			ops = append(ops, live[i])
		}
		for _, batch := range s.groupByType(ops) {
			typ := batch[0].rec.Type()
			recs := make([]*record.Record, 0, len(batch))
			for _, op := range batch {
				for _, e := range edgesByChild[op.rec] {
					if e.parent.ID() != "" {
						op.rec.Set(e.field, e.parent.ID())
					}
				}
				recs = append(recs, op.rec)
			}
			if err := s.store.Insert(ctx, typ, recs); err != nil {
				return &StoreError{Kind: OpInsert, Type: typ, Refs: opRefs(batch), Err: err}
			}
		}
	}
	return nil
}

func (s *Session) commitUpdates(ctx context.Context) error {
	if len(s.updateOrder) == 0 && len(s.rels) == 0 {
		return nil
	}

	// All insert parents now have identities; back-fill every staged
	// relationship and fold the field into any coalesced update.
	for _, e := range s.rels {
		e.child.Set(e.field, e.parent.ID())
		if op, ok := s.updates[keyFor(e.child)]; ok && op.fields != nil {
			op.fields[e.field] = struct{}{}
		}
	}

	for _, batch := range s.groupByType(s.updateOrder) {
		typ := batch[0].rec.Type()
		updates := make([]Update, 0, len(batch))
		for _, op := range batch {
			updates = append(updates, Update{Record: op.rec, Fields: fieldList(op.fields)})
		}
		if err := s.store.Update(ctx, typ, updates); err != nil {
			return &StoreError{Kind: OpUpdate, Type: typ, Refs: opRefs(batch), Err: err}
		}
	}
	return nil
}

func (s *Session) commitDeletes(ctx context.Context) error {
	if len(s.deleteOrder) == 0 {
		return nil
	}

	var typs []record.Type
	byType := make(map[record.Type][]*pendingOp)
	for _, op := range s.deleteOrder {
		t := op.rec.Type()
		if _, seen := byType[t]; !seen {
			typs = append(typs, t)
		}
		byType[t] = append(byType[t], op)
	}

	for _, t := range s.deleteSequence(typs) {
		batch := byType[t]
		recs := make([]*record.Record, 0, len(batch))
		for _, op := range batch {
			recs = append(recs, op.rec)
		}
		if err := s.store.Delete(ctx, t, recs); err != nil {
			return &StoreError{Kind: OpDelete, Type: t, Refs: opRefs(batch), Err: err}
		}
	}
	return nil
}

// deleteSequence orders delete batches children-first using the
// registry's relationship metadata, falling back to the reverse of the
// declared type order (and to reverse staging order beyond it). A cycle
// in the type-level metadata drops the dependency edges entirely and
// uses the fallback alone.
func (s *Session) deleteSequence(typs []record.Type) []record.Type {
	reverseFallback := func(out []record.Type) {
		sort.SliceStable(out, func(i, j int) bool {
			return s.typeRank(out[i]) > s.typeRank(out[j])
		})
	}

	g := graph.New(len(typs))
	for ci, child := range typs {
		for pi, parent := range typs {
			if ci != pi && s.registry.DependsOn(child, parent) {
				g.AddEdge(ci, pi)
			}
		}
	}

	levels, cyclic := g.Levels()
	if cyclic != nil {
		out := append([]record.Type(nil), typs...)
		reverseFallback(out)
		return out
	}

	var out []record.Type
	for _, level := range levels {
		wave := make([]record.Type, 0, len(level))
		for _, i := range level {
			wave = append(wave, typs[i])
		}
		reverseFallback(wave)
		out = append(out, wave...)
	}
	return out
}

// groupByType splits ops into per-type batches, batches ordered by the
// declared type order (then first registration), ops within a batch by
// registration order.
func (s *Session) groupByType(ops []*pendingOp) [][]*pendingOp {
	var typs []record.Type
	byType := make(map[record.Type][]*pendingOp)
	for _, op := range ops {
		t := op.rec.Type()
		if _, seen := byType[t]; !seen {
			typs = append(typs, t)
		}
		byType[t] = append(byType[t], op)
	}
	sort.SliceStable(typs, func(i, j int) bool {
		return s.typeRank(typs[i]) < s.typeRank(typs[j])
	})

	out := make([][]*pendingOp, 0, len(typs))
	for _, t := range typs {
		out = append(out, byType[t])
	}
	return out
}

func opRefs(ops []*pendingOp) []string {
	refs := make([]string, 0, len(ops))
	for _, op := range ops {
		refs = append(refs, op.ref())
	}
	return refs
}

func fieldList(set map[string]struct{}) []string {
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
