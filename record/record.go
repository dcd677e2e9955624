// Package record describes the shapes of the records a unit of work manages:
// a metadata registry mapping record types to field lists and relationship
// keys, and the mutable field bag that domains and selectors operate on.
package record

// Type identifies a homogeneous record shape (e.g. "account").
// Types must be globally unique within a Registry.
type Type string

// ID is a store-assigned record identity. It is empty until the store
// assigns one during insert.
type ID string

// IDField is the reserved field name selectors use to match on identity.
const IDField = "id"

// Record is a mutable bag of named fields plus an identity. Before
// insertion a record is identified by its pointer; afterwards by its ID.
type Record struct {
	typ    Type
	id     ID
	fields map[string]any
}

// New creates an empty record of the given type with no identity.
func New(typ Type) *Record {
	return &Record{
		typ:    typ,
		fields: make(map[string]any),
	}
}

// NewWithID creates a record that already exists in the store.
func NewWithID(typ Type, id ID) *Record {
	r := New(typ)
	r.id = id
	return r
}

// Type returns the record's type.
func (r *Record) Type() Type { return r.typ }

// ID returns the store-assigned identity, or empty if not yet inserted.
func (r *Record) ID() ID { return r.id }

// SetID assigns the store identity. Called by stores during insert.
func (r *Record) SetID(id ID) { r.id = id }

// Get returns the value of a field, or nil if unset.
func (r *Record) Get(field string) any { return r.fields[field] }

// Set assigns a field value.
func (r *Record) Set(field string, value any) { r.fields[field] = value }

// Has reports whether the field has been set.
func (r *Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Fields returns a copy of the record's field map.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// FieldNames returns the names of all set fields in unspecified order.
func (r *Record) FieldNames() []string {
	out := make([]string, 0, len(r.fields))
	for k := range r.fields {
		out = append(out, k)
	}
	return out
}

// Ref returns a type-qualified reference (e.g. "account#uuid"), or
// "account#pending" when no identity has been assigned yet.
func (r *Record) Ref() string {
	if r.id == "" {
		return string(r.typ) + "#pending"
	}
	return string(r.typ) + "#" + string(r.id)
}

// IDOf coerces a field value to an ID. Relationship fields hold IDs, but
// values read back from a store may round-trip as plain strings.
func IDOf(v any) (ID, bool) {
	switch id := v.(type) {
	case ID:
		return id, true
	case string:
		return ID(id), true
	}
	return "", false
}
