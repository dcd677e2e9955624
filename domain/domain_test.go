package domain_test

import (
	"strings"
	"testing"

	"github.com/jacentio/espalier/domain"
	"github.com/jacentio/espalier/record"
)

func records(n int) []*record.Record {
	out := make([]*record.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, record.New("account"))
	}
	return out
}

func TestBase_WrapsCollection(t *testing.T) {
	recs := records(3)
	b := domain.NewBase("account", recs)

	if b.Type() != "account" {
		t.Errorf("expected type 'account', got %q", b.Type())
	}
	if len(b.Records()) != 3 {
		t.Errorf("expected 3 records, got %d", len(b.Records()))
	}
	if b.HasErrors() {
		t.Error("fresh domain should have no errors")
	}
	if b.ValidationError() != nil {
		t.Error("expected nil validation error")
	}
}

func TestBase_ErrorsArePerRecord(t *testing.T) {
	recs := records(3)
	b := domain.NewBase("account", recs)

	b.AddError(recs[0], "missing name")
	b.AddFieldError(recs[2], "region", "unknown region")

	if !b.HasErrors() {
		t.Fatal("expected errors")
	}
	errs := b.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].Record != recs[0] || errs[0].Field != "" {
		t.Errorf("unexpected first error: %+v", errs[0])
	}
	if errs[1].Record != recs[2] || errs[1].Field != "region" {
		t.Errorf("unexpected second error: %+v", errs[1])
	}

	if !b.Failed(recs[0]) || !b.Failed(recs[2]) {
		t.Error("expected records 0 and 2 to be marked failed")
	}
	if b.Failed(recs[1]) {
		t.Error("record 1 should not be marked failed")
	}
}

func TestBase_ValidationErrorAggregates(t *testing.T) {
	recs := records(2)
	b := domain.NewBase("account", recs)
	b.AddError(recs[0], "missing name")
	b.AddFieldError(recs[1], "region", "unknown region")

	err := b.ValidationError()
	if err == nil {
		t.Fatal("expected an error")
	}
	verr, ok := err.(*domain.ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Errors) != 2 {
		t.Errorf("expected 2 aggregated errors, got %d", len(verr.Errors))
	}
	if !strings.Contains(err.Error(), "2 record(s) failed validation") {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "region") {
		t.Errorf("expected field name in message: %q", err.Error())
	}
}

func TestRecordError_Message(t *testing.T) {
	rec := record.NewWithID("account", "a1")

	recordLevel := domain.RecordError{Record: rec, Message: "missing name"}
	if recordLevel.Error() != "account#a1: missing name" {
		t.Errorf("unexpected message: %q", recordLevel.Error())
	}

	fieldLevel := domain.RecordError{Record: rec, Field: "region", Message: "unknown"}
	if fieldLevel.Error() != "account#a1.region: unknown" {
		t.Errorf("unexpected message: %q", fieldLevel.Error())
	}
}
