package record

import (
	"errors"
	"fmt"
)

// ErrDuplicateType is returned when a type is registered twice.
var ErrDuplicateType = errors.New("espalier: record type already registered")

// Relationship defines a foreign-key-like field on a child type that
// holds the ID of a parent record.
type Relationship struct {
	// Field is the attribute on the child that references the parent
	// (e.g. "account_id").
	Field string

	// Parent is the record type the field points at (e.g. "account").
	Parent Type
}

// TypeInfo holds the metadata for one record type.
type TypeInfo struct {
	// Name is the unique type identifier.
	Name Type

	// Fields lists the attributes records of this type may carry.
	Fields []string

	// Relationships lists the foreign-key fields of this type.
	Relationships []Relationship
}

// Registry maps record types to their metadata. It is populated once at
// process startup and read concurrently afterwards; callers must not
// register types after concurrent use begins.
type Registry struct {
	types    map[Type]TypeInfo
	order    []Type
	byParent map[Type][]childRelationship
}

type childRelationship struct {
	Child Type
	Rel   Relationship
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[Type]TypeInfo),
		byParent: make(map[Type][]childRelationship),
	}
}

// Register adds a type's metadata. Registering the same type twice
// returns ErrDuplicateType.
func (r *Registry) Register(info TypeInfo) error {
	if _, exists := r.types[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, info.Name)
	}
	r.types[info.Name] = info
	r.order = append(r.order, info.Name)
	for _, rel := range info.Relationships {
		r.byParent[rel.Parent] = append(r.byParent[rel.Parent], childRelationship{
			Child: info.Name,
			Rel:   rel,
		})
	}
	return nil
}

// MustRegister is Register but panics on error. Intended for static
// startup wiring.
func (r *Registry) MustRegister(info TypeInfo) {
	if err := r.Register(info); err != nil {
		panic(err)
	}
}

// Lookup returns the metadata for a type.
func (r *Registry) Lookup(typ Type) (TypeInfo, bool) {
	info, ok := r.types[typ]
	return info, ok
}

// Types returns all registered types in registration order.
func (r *Registry) Types() []Type {
	out := make([]Type, len(r.order))
	copy(out, r.order)
	return out
}

// Relationships returns the foreign-key fields of a type.
func (r *Registry) Relationships(typ Type) []Relationship {
	return r.types[typ].Relationships
}

// ChildRelationship names a child type and the field on it that points
// at a given parent.
type ChildRelationship struct {
	Child Type
	Field string
}

// ChildrenOf returns the types that reference the given parent type,
// with the referencing field on each.
func (r *Registry) ChildrenOf(parent Type) []ChildRelationship {
	rels := r.byParent[parent]
	out := make([]ChildRelationship, 0, len(rels))
	for _, cr := range rels {
		out = append(out, ChildRelationship{Child: cr.Child, Field: cr.Rel.Field})
	}
	return out
}

// HasChildren reports whether any registered type references the parent.
func (r *Registry) HasChildren(parent Type) bool {
	return len(r.byParent[parent]) > 0
}

// DependsOn reports whether child has a relationship field pointing at
// parent.
func (r *Registry) DependsOn(child, parent Type) bool {
	for _, rel := range r.types[child].Relationships {
		if rel.Parent == parent {
			return true
		}
	}
	return false
}
