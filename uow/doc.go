// Package uow provides a dependency-ordered unit of work over an opaque
// transactional record store.
//
// A Session accumulates register-new, register-dirty, register-deleted and
// register-relationship calls entirely in memory, then Commit computes a
// safe write order and applies it as batched store calls.
//
// # Ordering
//
// Commit groups operations by kind: all inserts first, then updates, then
// deletes. Within inserts, relationship edges order parents before their
// children (a child's foreign-key field is back-filled with the parent's
// assigned identity once the parent insert executes). Within deletes,
// child types are removed before their parent types. Where no relationship
// connects two record types, the declared type order supplied at session
// construction breaks the tie; remaining ties fall back to registration
// order, so commit plans are deterministic.
//
// Independent operations of the same record type and kind are issued as a
// single store batch to minimize round trips.
//
// # Sessions are single-use
//
//	Open → Committing → {Committed, Failed}
//
// No registration is accepted once Commit begins, and a second Commit
// returns ErrInvalidState. Create a fresh Session per logical transaction.
//
// # Failure model
//
// A dependency cycle among pending inserts fails the commit with a
// *CycleError before any write is attempted. A rejected store batch fails
// the commit with a *StoreError carrying the batch's kind, record type and
// record references; batches already applied are not rolled back by this
// layer — the store's own transactionality determines whether partial
// application is visible.
//
// Sessions assume single-threaded use; one session must not be shared
// across goroutines.
package uow
