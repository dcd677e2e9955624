package uow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jacentio/espalier/memstore"
	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/uow"
)

// --- Test Fixtures ---

func testRegistry(t *testing.T) *record.Registry {
	t.Helper()
	r := record.NewRegistry()
	r.MustRegister(record.TypeInfo{
		Name:   "account",
		Fields: []string{"name", "region"},
	})
	r.MustRegister(record.TypeInfo{
		Name:   "contact",
		Fields: []string{"email", "account_id"},
		Relationships: []record.Relationship{
			{Field: "account_id", Parent: "account"},
		},
	})
	r.MustRegister(record.TypeInfo{
		Name:   "task",
		Fields: []string{"subject", "contact_id"},
		Relationships: []record.Relationship{
			{Field: "contact_id", Parent: "contact"},
		},
	})
	return r
}

var testOrder = []record.Type{"account", "contact", "task"}

// newStore returns a memstore with stable sequential identities.
func newStore() *memstore.Store {
	s := memstore.New()
	n := 0
	s.NewID = func() record.ID {
		n++
		return record.ID(fmt.Sprintf("id-%03d", n))
	}
	return s
}

func newSession(t *testing.T, s *memstore.Store) *uow.Session {
	t.Helper()
	return uow.NewSession(s, testRegistry(t), testOrder)
}

func account(name string) *record.Record {
	r := record.New("account")
	r.Set("name", name)
	return r
}

func contact(email string) *record.Record {
	r := record.New("contact")
	r.Set("email", email)
	return r
}

func existingAccount(s *memstore.Store, t *testing.T, name string) *record.Record {
	t.Helper()
	r := account(name)
	if err := s.Insert(context.Background(), "account", []*record.Record{r}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return r
}

func batchKinds(batches []memstore.Batch) []string {
	out := make([]string, 0, len(batches))
	for _, b := range batches {
		out = append(out, fmt.Sprintf("%s/%s", b.Kind, b.Type))
	}
	return out
}

// --- Registration Tests ---

func TestRegisterNew_RejectsAssignedIdentity(t *testing.T) {
	session := newSession(t, newStore())
	rec := record.NewWithID("account", "a1")

	err := session.RegisterNew(rec)
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestRegisterNew_RejectsDuplicate(t *testing.T) {
	session := newSession(t, newStore())
	rec := account("Acme")

	if err := session.RegisterNew(rec); err != nil {
		t.Fatalf("first RegisterNew: %v", err)
	}
	err := session.RegisterNew(rec)
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation on duplicate insert, got %v", err)
	}
}

func TestRegisterNewWithParent_RejectsMissingArguments(t *testing.T) {
	session := newSession(t, newStore())
	parent := account("Acme")

	for name, call := range map[string]func() error{
		"nil child":   func() error { return session.RegisterNewWithParent(nil, "account_id", parent) },
		"empty field": func() error { return session.RegisterNewWithParent(contact("a@b.test"), "", parent) },
		"nil parent":  func() error { return session.RegisterNewWithParent(contact("a@b.test"), "account_id", nil) },
	} {
		if err := call(); !errors.Is(err, uow.ErrInvalidOperation) {
			t.Errorf("%s: expected ErrInvalidOperation, got %v", name, err)
		}
	}
}

func TestRegisterDirty_RequiresIdentity(t *testing.T) {
	session := newSession(t, newStore())

	err := session.RegisterDirty(account("Acme"), "name")
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestRegisterDeleted_RequiresIdentityOrPendingInsert(t *testing.T) {
	session := newSession(t, newStore())

	err := session.RegisterDeleted(account("Acme"))
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestRegisterDeleted_ConflictsWithUpdate(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	rec := existingAccount(store, t, "Acme")

	if err := session.RegisterDirty(rec, "name"); err != nil {
		t.Fatalf("RegisterDirty: %v", err)
	}
	err := session.RegisterDeleted(rec)
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestRegisterDirty_ConflictsWithDelete(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	rec := existingAccount(store, t, "Acme")

	if err := session.RegisterDeleted(rec); err != nil {
		t.Fatalf("RegisterDeleted: %v", err)
	}
	err := session.RegisterDirty(rec, "name")
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestRegisterDeleted_RejectsDuplicate(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	rec := existingAccount(store, t, "Acme")

	if err := session.RegisterDeleted(rec); err != nil {
		t.Fatalf("RegisterDeleted: %v", err)
	}
	err := session.RegisterDeleted(rec)
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

// --- State Machine Tests ---

func TestCommit_SecondCommitFails(t *testing.T) {
	session := newSession(t, newStore())
	ctx := context.Background()

	if err := session.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err := session.Commit(ctx)
	if !errors.Is(err, uow.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCommit_NoRegistrationAfterCommit(t *testing.T) {
	session := newSession(t, newStore())
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := session.RegisterNew(account("Acme")); !errors.Is(err, uow.ErrInvalidState) {
		t.Errorf("RegisterNew: expected ErrInvalidState, got %v", err)
	}
	if err := session.RegisterRelationship(account("A"), "account_id", account("B")); !errors.Is(err, uow.ErrInvalidState) {
		t.Errorf("RegisterRelationship: expected ErrInvalidState, got %v", err)
	}
}

func TestCommit_FailedSessionStaysFailed(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	store.FailNext(uow.OpInsert, "account", errors.New("throttled"))

	if err := session.RegisterNew(account("Acme")); err != nil {
		t.Fatalf("RegisterNew: %v", err)
	}
	if err := session.Commit(context.Background()); err == nil {
		t.Fatal("expected commit to fail")
	}

	err := session.Commit(context.Background())
	if !errors.Is(err, uow.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on retry, got %v", err)
	}
}

// --- Batching Tests ---

func TestCommit_OneBatchPerTypeAndKind(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	ctx := context.Background()

	dirty := existingAccount(store, t, "Old")
	doomed := existingAccount(store, t, "Doomed")

	if err := session.RegisterNew(account("A1")); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(account("A2")); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(contact("c@x.test")); err != nil {
		t.Fatal(err)
	}
	dirty.Set("name", "New")
	if err := session.RegisterDirty(dirty, "name"); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterDeleted(doomed); err != nil {
		t.Fatal(err)
	}

	if err := session.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := batchKinds(store.Batches()[2:]) // skip the two seed inserts
	want := []string{"insert/account", "insert/contact", "update/account", "delete/account"}
	if len(got) != len(want) {
		t.Fatalf("expected batches %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected batches %v, got %v", want, got)
		}
	}

	// No duplicate identities within the insert batch.
	insertBatch := store.Batches()[2]
	if len(insertBatch.Refs) != 2 {
		t.Errorf("expected 2 account inserts in one batch, got %d", len(insertBatch.Refs))
	}
	if insertBatch.Refs[0] == insertBatch.Refs[1] {
		t.Errorf("duplicate identity in batch: %v", insertBatch.Refs)
	}
}

func TestCommit_DeclaredOrderBreaksTypeTies(t *testing.T) {
	store := newStore()
	session := newSession(t, store)

	// Registered contact first; declared order says account batches first.
	if err := session.RegisterNew(contact("c@x.test")); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(account("Acme")); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := batchKinds(store.Batches())
	if got[0] != "insert/account" || got[1] != "insert/contact" {
		t.Errorf("expected account before contact, got %v", got)
	}
}

// --- Coalescing Tests ---

func TestRegisterDirty_CoalescesDisjointFields(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	rec := existingAccount(store, t, "Acme")

	rec.Set("name", "Acme 2")
	if err := session.RegisterDirty(rec, "name"); err != nil {
		t.Fatal(err)
	}
	rec.Set("region", "emea")
	if err := session.RegisterDirty(rec, "region"); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	updates := 0
	for _, b := range store.Batches() {
		if b.Kind == uow.OpUpdate {
			updates++
			if len(b.Refs) != 1 {
				t.Errorf("expected 1 update entry, got %d", len(b.Refs))
			}
		}
	}
	if updates != 1 {
		t.Errorf("expected exactly one update batch, got %d", updates)
	}

	stored, _ := store.Get("account", rec.ID())
	if stored.Get("name") != "Acme 2" {
		t.Errorf("expected name 'Acme 2', got %v", stored.Get("name"))
	}
	if stored.Get("region") != "emea" {
		t.Errorf("expected region 'emea', got %v", stored.Get("region"))
	}
}

func TestRegisterDirty_LastWriterWins(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	seeded := existingAccount(store, t, "Acme")

	// Two detached copies of the same identity.
	first := record.NewWithID("account", seeded.ID())
	first.Set("name", "First")
	second := record.NewWithID("account", seeded.ID())
	second.Set("name", "Second")

	if err := session.RegisterDirty(first, "name"); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterDirty(second, "name"); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stored, _ := store.Get("account", seeded.ID())
	if stored.Get("name") != "Second" {
		t.Errorf("expected later value 'Second', got %v", stored.Get("name"))
	}
}

// --- Collapse Tests ---

func TestInsertThenDelete_Collapses(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	rec := account("Ephemeral")

	if err := session.RegisterNew(rec); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterDeleted(rec); err != nil {
		t.Fatalf("expected collapse, got %v", err)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n := len(store.Batches()); n != 0 {
		t.Errorf("expected zero store calls, got %d", n)
	}
	if rec.ID() != "" {
		t.Errorf("collapsed record should have no identity, got %q", rec.ID())
	}
}

func TestCollapse_LeavesDependentChildUnresolvable(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	parent := account("Gone")
	child := contact("c@x.test")

	if err := session.RegisterNew(parent); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNewWithParent(child, "account_id", parent); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterDeleted(parent); err != nil {
		t.Fatal(err)
	}

	err := session.Commit(context.Background())
	if !errors.Is(err, uow.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for orphaned dependency, got %v", err)
	}
	if n := len(store.Batches()); n != 0 {
		t.Errorf("expected zero store calls, got %d", n)
	}
}

// --- Ordering Tests ---

func TestCommit_ParentBeforeChild_RegardlessOfRegistrationOrder(t *testing.T) {
	for _, childFirst := range []bool{false, true} {
		name := "parent first"
		if childFirst {
			name = "child first"
		}
		t.Run(name, func(t *testing.T) {
			store := newStore()
			session := newSession(t, store)
			parent := account("Acme")
			child := contact("c@x.test")

			if childFirst {
				if err := session.RegisterNew(child); err != nil {
					t.Fatal(err)
				}
				if err := session.RegisterNew(parent); err != nil {
					t.Fatal(err)
				}
				if err := session.RegisterRelationship(child, "account_id", parent); err != nil {
					t.Fatal(err)
				}
			} else {
				if err := session.RegisterNew(parent); err != nil {
					t.Fatal(err)
				}
				if err := session.RegisterNewWithParent(child, "account_id", parent); err != nil {
					t.Fatal(err)
				}
			}

			if err := session.Commit(context.Background()); err != nil {
				t.Fatalf("commit: %v", err)
			}

			got := batchKinds(store.Batches())
			if len(got) != 2 || got[0] != "insert/account" || got[1] != "insert/contact" {
				t.Fatalf("expected [insert/account insert/contact], got %v", got)
			}

			stored, _ := store.Get("contact", child.ID())
			if pid, _ := record.IDOf(stored.Get("account_id")); pid != parent.ID() {
				t.Errorf("expected back-filled parent id %q, got %v", parent.ID(), stored.Get("account_id"))
			}
		})
	}
}

func TestCommit_ThreeAccountsTwoContacts(t *testing.T) {
	store := newStore()
	session := newSession(t, store)

	accounts := []*record.Record{account("A1"), account("A2"), account("A3")}
	for _, a := range accounts {
		if err := session.RegisterNew(a); err != nil {
			t.Fatal(err)
		}
	}
	c1 := contact("c1@x.test")
	c2 := contact("c2@x.test")
	if err := session.RegisterNewWithParent(c1, "account_id", accounts[0]); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNewWithParent(c2, "account_id", accounts[2]); err != nil {
		t.Fatal(err)
	}

	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	batches := store.Batches()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %v", batchKinds(batches))
	}
	if batches[0].Type != "account" || len(batches[0].Refs) != 3 {
		t.Errorf("expected account batch of 3, got %+v", batches[0])
	}
	if batches[1].Type != "contact" || len(batches[1].Refs) != 2 {
		t.Errorf("expected contact batch of 2, got %+v", batches[1])
	}

	s1, _ := store.Get("contact", c1.ID())
	if pid, _ := record.IDOf(s1.Get("account_id")); pid != accounts[0].ID() {
		t.Errorf("c1 should reference %q, got %v", accounts[0].ID(), s1.Get("account_id"))
	}
	s2, _ := store.Get("contact", c2.ID())
	if pid, _ := record.IDOf(s2.Get("account_id")); pid != accounts[2].ID() {
		t.Errorf("c2 should reference %q, got %v", accounts[2].ID(), s2.Get("account_id"))
	}
}

func TestCommit_GrandchildrenThreeLevels(t *testing.T) {
	store := newStore()
	session := newSession(t, store)

	a := account("Acme")
	c := contact("c@x.test")
	task := record.New("task")
	task.Set("subject", "call")

	// Register in inverted order on purpose.
	if err := session.RegisterNew(task); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(c); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(a); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterRelationship(task, "contact_id", c); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterRelationship(c, "account_id", a); err != nil {
		t.Fatal(err)
	}

	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := batchKinds(store.Batches())
	want := []string{"insert/account", "insert/contact", "insert/task"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	stored, _ := store.Get("task", task.ID())
	if pid, _ := record.IDOf(stored.Get("contact_id")); pid != c.ID() {
		t.Errorf("task should reference contact %q, got %v", c.ID(), stored.Get("contact_id"))
	}
}

func TestCommit_DeletesChildrenBeforeParents(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	parent := existingAccount(store, t, "Acme")
	child := contact("c@x.test")
	child.Set("account_id", parent.ID())
	if err := store.Insert(ctx, "contact", []*record.Record{child}); err != nil {
		t.Fatal(err)
	}

	session := newSession(t, store)
	// Parent registered first; children must still delete first.
	if err := session.RegisterDeleted(parent); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterDeleted(child); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := batchKinds(store.Batches()[2:])
	if len(got) != 2 || got[0] != "delete/contact" || got[1] != "delete/account" {
		t.Errorf("expected [delete/contact delete/account], got %v", got)
	}
}

// --- Cycle Tests ---

func TestCommit_CycleFailsBeforeAnyWrite(t *testing.T) {
	store := newStore()
	registry := record.NewRegistry()
	registry.MustRegister(record.TypeInfo{
		Name:   "node",
		Fields: []string{"peer_id"},
	})
	session := uow.NewSession(store, registry, []record.Type{"node"})

	a := record.New("node")
	b := record.New("node")
	if err := session.RegisterNew(a); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNew(b); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterRelationship(a, "peer_id", b); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterRelationship(b, "peer_id", a); err != nil {
		t.Fatal(err)
	}

	err := session.Commit(context.Background())
	if !errors.Is(err, uow.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}

	var cycleErr *uow.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Refs) != 2 {
		t.Errorf("expected 2 participants, got %v", cycleErr.Refs)
	}
	if n := len(store.Batches()); n != 0 {
		t.Errorf("expected zero store calls, got %d", n)
	}
}

// --- Relationship Tests ---

func TestRegisterRelationship_FoldsIntoStagedUpdate(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	parent := existingAccount(store, t, "Acme")
	child := contact("c@x.test")
	if err := store.Insert(ctx, "contact", []*record.Record{child}); err != nil {
		t.Fatal(err)
	}

	session := newSession(t, store)
	child.Set("email", "new@x.test")
	if err := session.RegisterDirty(child, "email"); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterRelationship(child, "account_id", parent); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stored, _ := store.Get("contact", child.ID())
	if stored.Get("email") != "new@x.test" {
		t.Errorf("expected updated email, got %v", stored.Get("email"))
	}
	if pid, _ := record.IDOf(stored.Get("account_id")); pid != parent.ID() {
		t.Errorf("expected relationship field persisted, got %v", stored.Get("account_id"))
	}
}

func TestRegisterRelationship_AloneImpliesNoWrite(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	parent := existingAccount(store, t, "Acme")
	child := contact("c@x.test")
	if err := store.Insert(ctx, "contact", []*record.Record{child}); err != nil {
		t.Fatal(err)
	}
	seeds := len(store.Batches())

	session := newSession(t, store)
	if err := session.RegisterRelationship(child, "account_id", parent); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n := len(store.Batches()); n != seeds {
		t.Errorf("expected no additional store calls, got %d", n-seeds)
	}
	// The in-memory record carries the identity nonetheless.
	if pid, _ := record.IDOf(child.Get("account_id")); pid != parent.ID() {
		t.Errorf("expected in-memory back-fill, got %v", child.Get("account_id"))
	}
}

// --- Store Failure Tests ---

func TestCommit_StoreFailureSurfacesBatchContext(t *testing.T) {
	store := newStore()
	session := newSession(t, store)
	cause := errors.New("provisioned throughput exceeded")
	store.FailNext(uow.OpInsert, "contact", cause)

	a := account("Acme")
	c := contact("c@x.test")
	if err := session.RegisterNew(a); err != nil {
		t.Fatal(err)
	}
	if err := session.RegisterNewWithParent(c, "account_id", a); err != nil {
		t.Fatal(err)
	}

	err := session.Commit(context.Background())
	var storeErr *uow.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *StoreError, got %v", err)
	}
	if storeErr.Kind != uow.OpInsert {
		t.Errorf("expected insert kind, got %s", storeErr.Kind)
	}
	if storeErr.Type != "contact" {
		t.Errorf("expected contact type, got %s", storeErr.Type)
	}
	if len(storeErr.Refs) != 1 {
		t.Errorf("expected 1 ref, got %v", storeErr.Refs)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the underlying store error to be wrapped")
	}

	// The account batch had already been applied; this layer does not
	// roll it back.
	if store.Len("account") != 1 {
		t.Errorf("expected prior batch applied, account count %d", store.Len("account"))
	}
}
