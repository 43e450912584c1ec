package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		expose    bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, expose: true, detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, expose: true},
		{code: CodeForbidden, status: http.StatusForbidden, expose: true},
		{code: CodeNotFound, status: http.StatusNotFound, expose: true},
		{code: CodeConflict, status: http.StatusConflict, expose: true},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, expose: true, detailsOK: true},
		{code: CodeLimitExceeded, status: http.StatusForbidden, expose: true, detailsOK: true},
		{code: CodePayment, status: http.StatusPaymentRequired, expose: true, detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s has no public message", tt.code)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.ExposeMessage != tt.expose {
			t.Fatalf("code %s expected expose %v got %v", tt.code, tt.expose, meta.ExposeMessage)
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

	cause := stdErrors.New("gateway timeout")
	wrapped := Wrap(CodeDependency, cause, "create charge")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeDependency {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := New(CodeForbidden, "no entry")
	if got := As(err); got == nil || got.Code() != CodeForbidden {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestIsCodeFollowsWrappedChain(t *testing.T) {
	inner := New(CodeStateConflict, "transaction already failed")
	outer := fmt.Errorf("settle: %w", inner)
	if !IsCode(outer, CodeStateConflict) {
		t.Fatalf("expected state conflict code through fmt wrap")
	}
	if IsCode(outer, CodeNotFound) {
		t.Fatalf("unexpected not found match")
	}
	if IsCode(stdErrors.New("plain"), CodeInternal) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestIsCodeMatchesInnerTypedError(t *testing.T) {
	inner := New(CodeNotFound, "plan not found")
	outer := Wrap(CodeDependency, inner, "load plan")
	if !IsCode(outer, CodeDependency) || !IsCode(outer, CodeNotFound) {
		t.Fatalf("expected both codes in chain")
	}
	if !stdErrors.Is(outer, New(CodeNotFound, "")) {
		t.Fatalf("expected sentinel match by code")
	}
}

func TestWithFieldBuildsDetailMap(t *testing.T) {
	err := Newf(CodeLimitExceeded, "%s limit reached", "objects").
		WithField("current", 3).
		WithField("max", 3)
	if err.Message() != "objects limit reached" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	details, ok := err.Details().(map[string]any)
	if !ok || details["current"] != 3 || details["max"] != 3 {
		t.Fatalf("unexpected details %#v", err.Details())
	}

	replaced := New(CodeValidation, "bad").WithDetails("text").WithField("field", "name")
	if _, ok := replaced.Details().(map[string]any); !ok {
		t.Fatalf("expected non-map details to be replaced")
	}
}

func TestDumpReadsDriverErrors(t *testing.T) {
	dump := Dump(Wrap(CodeInternal, &pgconn.PgError{Code: "23505", ConstraintName: "ux_user_subscriptions_active"}, "activate"))
	if dump.DB.Driver != "pgx" || dump.DB.Code != "23505" {
		t.Fatalf("unexpected db details %#v", dump.DB)
	}
	fields := dump.Fields()
	if fields["db_constraint"] != "ux_user_subscriptions_active" {
		t.Fatalf("constraint missing from fields: %#v", fields)
	}
	if _, ok := fields["db_table"]; ok {
		t.Fatalf("empty attributes should be skipped")
	}

	dump = Dump(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	if dump.DB.Driver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", dump.DB.Driver)
	}
}

type kindedFailure struct{}

func (kindedFailure) Error() string       { return "gateway rejected" }
func (kindedFailure) GatewayKind() string { return "rejected" }

func TestDumpCapturesGatewayKind(t *testing.T) {
	dump := Dump(Wrap(CodePayment, kindedFailure{}, "charge"))
	if dump.GatewayKind != "rejected" {
		t.Fatalf("expected rejected gateway kind, got %q", dump.GatewayKind)
	}
	if dump.Fields()["gateway_failure"] != "rejected" {
		t.Fatalf("gateway kind missing from fields")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: stdErrors.New("connection reset"), want: true},
		{err: New(CodeDependency, "gateway timeout"), want: true},
		{err: fmt.Errorf("settle: %w", New(CodeStateConflict, "already failed")), want: false},
		{err: New(CodePayment, "card declined"), want: false},
	}
	for i, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("case %d: expected %v got %v", i, tc.want, got)
		}
	}
}

func TestDumpCollectsChain(t *testing.T) {
	err := fmt.Errorf("mark paid: %w", Wrap(CodeDependency, stdErrors.New("connection reset"), "poll gateway"))
	dump := Dump(err)
	if dump.Code != CodeDependency {
		t.Fatalf("expected dependency code, got %s", dump.Code)
	}
	if len(dump.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d", len(dump.Chain))
	}
	if dump.DB.Driver != "" {
		t.Fatalf("expected no db details, got %q", dump.DB.Driver)
	}
	if !dump.Retryable {
		t.Fatalf("dependency failures should be retryable")
	}
}
