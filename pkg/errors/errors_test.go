package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
		{code: CodeIdempotency, status: http.StatusConflict, publicMsg: "idempotency key reused", detailsOK: true},
		{code: CodeIntegrity, status: http.StatusInternalServerError, publicMsg: "integrity check failed", detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"field": "foo"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := fmt.Errorf("reserve: %w", New(CodeIdempotency, "key reused"))
	if got := As(err); got == nil || got.Code() != CodeIdempotency {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestIsCodeAndRetryable(t *testing.T) {
	dep := fmt.Errorf("publish: %w", Wrap(CodeDependency, stdErrors.New("conn reset"), "broker unavailable"))
	if !IsCode(dep, CodeDependency) {
		t.Fatalf("expected dependency code in chain")
	}
	if !Retryable(dep) {
		t.Fatalf("dependency errors should be retryable")
	}
	if Retryable(New(CodeIntegrity, "chain broken")) {
		t.Fatalf("integrity errors must not be retryable")
	}
	if Retryable(stdErrors.New("plain")) {
		t.Fatalf("untyped errors are not retryable")
	}
}

func TestLogFieldsCarriesCodeAndDriverIdentity(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_jobs_queue_idempotency_key", TableName: "jobs"}
	err := Wrap(CodeConflict, fmt.Errorf("insert job: %w", pgErr), "duplicate submit")

	fields := LogFields(err)
	if fields["error_code"] != CodeConflict {
		t.Fatalf("unexpected code %v", fields["error_code"])
	}
	if fields["error_retryable"] != false {
		t.Fatalf("conflict must not be retryable")
	}
	if fields["db_code"] != "23505" || fields["db_constraint"] != "ux_jobs_queue_idempotency_key" || fields["db_table"] != "jobs" {
		t.Fatalf("driver fields missing: %v", fields)
	}
}

func TestLogFieldsWalksJoinedErrors(t *testing.T) {
	err := stdErrors.Join(New(CodeDependency, "publish"), fmt.Errorf("close: %w", stdErrors.New("eof")))

	fields := LogFields(err)
	causes, ok := fields["error_causes"].([]string)
	if !ok {
		t.Fatalf("expected cause list, got %v", fields)
	}
	if len(causes) != 4 {
		t.Fatalf("expected join, typed, wrap and leaf causes, got %v", causes)
	}
	if _, ok := fields["db_code"]; ok {
		t.Fatalf("no driver error in tree")
	}
	if LogFields(nil) != nil {
		t.Fatalf("nil error has no fields")
	}
}
