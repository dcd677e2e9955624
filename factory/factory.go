// Package factory provides the component registries that resolve
// abstract capability keys — record types and service contracts — to
// concrete domain, selector, service and unit-of-work instances, with a
// test-time override slot per key.
//
// Constructor maps are supplied once at process startup and treated as
// immutable afterwards; lookups are then safe for concurrent use across
// requests. Overrides (SetMock, ClearMocks) are test tooling and must be
// confined to single-threaded test setup.
package factory

import (
	"errors"
	"fmt"

	"github.com/jacentio/espalier/domain"
	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/selector"
	"github.com/jacentio/espalier/uow"
)

// ErrUnregisteredKey is returned when no constructor and no mock is
// registered for a key. This is a configuration error, not retried.
var ErrUnregisteredKey = errors.New("espalier: no constructor registered for key")

// Contract identifies a service capability independent of its
// implementation (e.g. "accounts/onboarding").
type Contract string

// DomainConstructor builds a domain over a caller-supplied collection.
type DomainConstructor func(recs []*record.Record) domain.Domain

// DomainFactory resolves record types to domain instances.
type DomainFactory struct {
	ctors map[record.Type]DomainConstructor
	mocks map[record.Type]domain.Domain
}

// NewDomainFactory creates a factory over the given constructor map.
// The map is copied; later mutation of the argument has no effect.
func NewDomainFactory(ctors map[record.Type]DomainConstructor) *DomainFactory {
	f := &DomainFactory{
		ctors: make(map[record.Type]DomainConstructor, len(ctors)),
		mocks: make(map[record.Type]domain.Domain),
	}
	for k, c := range ctors {
		f.ctors[k] = c
	}
	return f
}

// New constructs the domain registered for typ over recs. A mock set for
// typ is returned as-is, ignoring recs, so tests can hold the instance
// and assert on calls made to it.
func (f *DomainFactory) New(typ record.Type, recs []*record.Record) (domain.Domain, error) {
	if d, ok := f.mocks[typ]; ok {
		return d, nil
	}
	ctor, ok := f.ctors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: domain %q", ErrUnregisteredKey, typ)
	}
	return ctor(recs), nil
}

// SetMock overrides the lookup for typ with a fixed instance.
func (f *DomainFactory) SetMock(typ record.Type, d domain.Domain) {
	f.mocks[typ] = d
}

// ClearMocks removes every override. Call between test cases.
func (f *DomainFactory) ClearMocks() {
	f.mocks = make(map[record.Type]domain.Domain)
}

// SelectorConstructor builds a selector; selectors take no arguments.
type SelectorConstructor func() selector.Selector

// SelectorFactory resolves record types to selector instances.
type SelectorFactory struct {
	ctors map[record.Type]SelectorConstructor
	mocks map[record.Type]selector.Selector
}

// NewSelectorFactory creates a factory over the given constructor map.
func NewSelectorFactory(ctors map[record.Type]SelectorConstructor) *SelectorFactory {
	f := &SelectorFactory{
		ctors: make(map[record.Type]SelectorConstructor, len(ctors)),
		mocks: make(map[record.Type]selector.Selector),
	}
	for k, c := range ctors {
		f.ctors[k] = c
	}
	return f
}

// New constructs the selector registered for typ, or returns its mock.
func (f *SelectorFactory) New(typ record.Type) (selector.Selector, error) {
	if s, ok := f.mocks[typ]; ok {
		return s, nil
	}
	ctor, ok := f.ctors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: selector %q", ErrUnregisteredKey, typ)
	}
	return ctor(), nil
}

// SetMock overrides the lookup for typ with a fixed instance.
func (f *SelectorFactory) SetMock(typ record.Type, s selector.Selector) {
	f.mocks[typ] = s
}

// ClearMocks removes every override.
func (f *SelectorFactory) ClearMocks() {
	f.mocks = make(map[record.Type]selector.Selector)
}

// ServiceConstructor builds a service implementation. The returned value
// is asserted to the contract's interface by the caller.
type ServiceConstructor func() any

// ServiceFactory resolves service contracts to implementations.
type ServiceFactory struct {
	ctors map[Contract]ServiceConstructor
	mocks map[Contract]any
}

// NewServiceFactory creates a factory over the given constructor map.
func NewServiceFactory(ctors map[Contract]ServiceConstructor) *ServiceFactory {
	f := &ServiceFactory{
		ctors: make(map[Contract]ServiceConstructor, len(ctors)),
		mocks: make(map[Contract]any),
	}
	for k, c := range ctors {
		f.ctors[k] = c
	}
	return f
}

// New constructs the service registered for the contract, or returns its
// mock.
func (f *ServiceFactory) New(c Contract) (any, error) {
	if s, ok := f.mocks[c]; ok {
		return s, nil
	}
	ctor, ok := f.ctors[c]
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrUnregisteredKey, c)
	}
	return ctor(), nil
}

// SetMock overrides the lookup for the contract with a fixed instance.
func (f *ServiceFactory) SetMock(c Contract, s any) {
	f.mocks[c] = s
}

// ClearMocks removes every override.
func (f *ServiceFactory) ClearMocks() {
	f.mocks = make(map[Contract]any)
}

// UnitOfWorkFactory builds fresh sessions over a fixed store, registry
// and declared commit order.
type UnitOfWorkFactory struct {
	store    uow.Store
	registry *record.Registry
	order    []record.Type
	mock     uow.UnitOfWork
}

// NewUnitOfWorkFactory creates a factory producing sessions bound to the
// given store. order is the declared commit order of record types used
// as an ordering fallback between unrelated types.
func NewUnitOfWorkFactory(store uow.Store, registry *record.Registry, order []record.Type) *UnitOfWorkFactory {
	return &UnitOfWorkFactory{store: store, registry: registry, order: order}
}

// New returns the mock if one is set, else a fresh empty session.
func (f *UnitOfWorkFactory) New() uow.UnitOfWork {
	if f.mock != nil {
		return f.mock
	}
	return uow.NewSession(f.store, f.registry, f.order)
}

// SetMock makes New return the given instance.
func (f *UnitOfWorkFactory) SetMock(u uow.UnitOfWork) { f.mock = u }

// ClearMocks removes the override.
func (f *UnitOfWorkFactory) ClearMocks() { f.mock = nil }

// Application bundles the four factories into one process-wide registry
// with a single override-clearing operation for test isolation.
type Application struct {
	Domains    *DomainFactory
	Selectors  *SelectorFactory
	Services   *ServiceFactory
	UnitOfWork *UnitOfWorkFactory
}

// ClearMocks clears the overrides of all four factories.
func (a *Application) ClearMocks() {
	if a.Domains != nil {
		a.Domains.ClearMocks()
	}
	if a.Selectors != nil {
		a.Selectors.ClearMocks()
	}
	if a.Services != nil {
		a.Services.ClearMocks()
	}
	if a.UnitOfWork != nil {
		a.UnitOfWork.ClearMocks()
	}
}
