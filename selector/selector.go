// Package selector provides read-only query construction for record
// types. A selector builds a Query value from registry metadata; a
// Reader (a store adapter) executes it. Selectors never mutate state.
//
// Queries compose: a sub-query contributed by another selector is keyed
// by the relationship field that links child records to each parent row.
package selector

import (
	"context"

	"github.com/jacentio/espalier/record"
)

// Condition is an equality restriction on a field. The reserved field
// record.IDField matches the record identity.
type Condition struct {
	Field string
	Value any
}

// Query describes one read: a record type, the fields to project, the
// conditions rows must satisfy, and sub-queries for related types.
type Query struct {
	Type       record.Type
	Fields     []string
	Conditions []Condition
	Limit      int

	// SubQueries maps a relationship field on the child type to the
	// query selecting the children of each returned row.
	SubQueries map[string]Query
}

// Where appends an equality condition and returns the query for
// chaining.
func (q Query) Where(field string, value any) Query {
	q.Conditions = append(q.Conditions, Condition{Field: field, Value: value})
	return q
}

// WithLimit caps the number of rows returned.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// WithSubQuery attaches a child query keyed by the relationship field on
// the child type that points back at this query's rows.
func (q Query) WithSubQuery(field string, sub Query) Query {
	if q.SubQueries == nil {
		q.SubQueries = make(map[string]Query, 1)
	}
	q.SubQueries[field] = sub
	return q
}

// Row is one result: the matched record and, for each attached
// sub-query, the related child records keyed by relationship field.
type Row struct {
	Record   *record.Record
	Children map[string][]*record.Record
}

// Reader executes queries. Store adapters implement it.
type Reader interface {
	Read(ctx context.Context, q Query) ([]Row, error)
}

// FieldAuthorizer reports whether the caller may read a field. Used when
// field security is enforced at query construction.
type FieldAuthorizer interface {
	CanRead(typ record.Type, field string) bool
}

// Options configures query construction.
type Options struct {
	// EnforceFieldSecurity restricts the projected field list to fields
	// the Authorizer allows. This shapes the generated query; it is not
	// a runtime check on returned data.
	EnforceFieldSecurity bool

	// Authorizer decides field visibility when enforcement is on.
	// Enforcement with a nil Authorizer projects no fields.
	Authorizer FieldAuthorizer
}

// Selector is the surface the component factory constructs. Concrete
// selectors embed *Base and add their query methods.
type Selector interface {
	Type() record.Type
	Fields() []string
	Query() Query
}

// Base is the embeddable selector implementation, bound to one type's
// registry metadata.
type Base struct {
	info record.TypeInfo
	opts Options
}

// NewBase creates a selector over the given type metadata.
func NewBase(info record.TypeInfo, opts Options) *Base {
	return &Base{info: info, opts: opts}
}

// Type returns the selected record type.
func (b *Base) Type() record.Type { return b.info.Name }

// Fields returns the projected field list, filtered by the authorizer
// when field security is enforced. Enforcement without an authorizer
// projects nothing.
func (b *Base) Fields() []string {
	if !b.opts.EnforceFieldSecurity {
		out := make([]string, len(b.info.Fields))
		copy(out, b.info.Fields)
		return out
	}
	// Non-nil so readers see an empty projection, not the "all fields"
	// meaning of a nil field list.
	if b.opts.Authorizer == nil {
		return []string{}
	}
	out := []string{}
	for _, f := range b.info.Fields {
		if b.opts.Authorizer.CanRead(b.info.Name, f) {
			out = append(out, f)
		}
	}
	return out
}

// Query returns the base query selecting all projected fields.
func (b *Base) Query() Query {
	return Query{Type: b.info.Name, Fields: b.Fields()}
}

// ByID returns the base query restricted to one identity.
func (b *Base) ByID(id record.ID) Query {
	return b.Query().Where(record.IDField, id)
}

// ByIDs returns one query per identity. Readers with batch lookup
// support can coalesce these; the generic path issues them separately.
func (b *Base) ByIDs(ids []record.ID) []Query {
	out := make([]Query, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.ByID(id))
	}
	return out
}
