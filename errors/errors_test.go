package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"not_found", ErrCodeNotFound, "task t1 not found", CategoryPermanent},
		{"invalid_state", ErrCodeInvalidState, "task is completed", CategoryPermanent},
		{"capacity", ErrCodeCapacityExceeded, "agent full", CategoryResource},
		{"routing", ErrCodeRoutingError, "queue down", CategoryTransient},
		{"retry_exhausted", ErrCodeRetryExhausted, "no retries left", CategoryPermanent},
		{"has_active", ErrCodeHasActiveTasks, "agent busy", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeNotFound, "agent %s not found", "qa-1")
	want := "agent qa-1 not found"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeCapacityExceeded)
	if err.Error() != "agent at maximum concurrency" {
		t.Errorf("Error() = %v", err.Error())
	}
}

func TestDomainConstructors(t *testing.T) {
	if err := TaskNotFound("t1"); err.Code() != ErrCodeNotFound || err.TaskID() != "t1" {
		t.Errorf("TaskNotFound = %v (%s)", err.Code(), err.TaskID())
	}
	if err := AgentNotFound("a1"); err.Code() != ErrCodeNotFound || err.AgentID() != "a1" {
		t.Errorf("AgentNotFound = %v (%s)", err.Code(), err.AgentID())
	}
	if err := InvalidState("nope"); err.Code() != ErrCodeInvalidState {
		t.Errorf("InvalidState code = %v", err.Code())
	}
	if err := TaskFailed("t2", "boom"); err.Error() != "task t2 failed: boom" {
		t.Errorf("TaskFailed message = %q", err.Error())
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		wantRetry bool
	}{
		{"routing is retryable", ErrCodeRoutingError, true},
		{"timeout is retryable", ErrCodeTimeout, true},
		{"capacity is retryable", ErrCodeCapacityExceeded, true},
		{"not_found is not retryable", ErrCodeNotFound, false},
		{"invalid_state is not retryable", ErrCodeInvalidState, false},
		{"retry_exhausted is not retryable", ErrCodeRetryExhausted, false},
		{"internal is not retryable", ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeTimeout, "permanent timeout", WithRetryable(false))
	if err.Retryable() {
		t.Error("expected error to be non-retryable after override")
	}

	err2 := New(ErrCodeNotFound, "maybe retry", WithRetryable(true))
	if !err2.Retryable() {
		t.Error("expected error to be retryable after override")
	}
}

func TestUnknownCodeIsInternal(t *testing.T) {
	code := ErrorCode("SOMETHING_ELSE")
	if code.DefaultCategory() != CategoryInternal {
		t.Errorf("DefaultCategory() = %v", code.DefaultCategory())
	}
	if code.Description() != "unknown error" {
		t.Errorf("Description() = %v", code.Description())
	}
}

// ============================================================================
// 3. Severity
// ============================================================================

func TestSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want Severity
	}{
		{"transient is low", New(ErrCodeRoutingError, "x"), SeverityLow},
		{"permanent is medium", New(ErrCodeNotFound, "x"), SeverityMedium},
		{"resource is medium", New(ErrCodeCapacityExceeded, "x"), SeverityMedium},
		{"internal is high", New(ErrCodeInternal, "x"), SeverityHigh},
		{"override", New(ErrCodeNotFound, "x", WithSeverity(SeverityCritical)), SeverityCritical},
		{"panic is critical", RecoverPanic("boom"), SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Severity(); got != tt.want {
				t.Errorf("Severity() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// 4. Wrapping and inspection
// ============================================================================

func TestWrapPreservesCode(t *testing.T) {
	inner := New(ErrCodeCapacityExceeded, "agent full", WithAgentID("a1"))
	wrapped := Wrap(inner, "assigning task")

	if wrapped.Code() != ErrCodeCapacityExceeded {
		t.Errorf("Code() = %v", wrapped.Code())
	}
	if wrapped.AgentID() != "a1" {
		t.Errorf("AgentID() = %v", wrapped.AgentID())
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error should unwrap to inner")
	}
	if wrapped.Error() != "assigning task: agent full" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "x").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline -> %v", got)
	}
	if got := Wrap(context.Canceled, "x").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled -> %v", got)
	}
	if got := Wrap(fmt.Errorf("disk"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain -> %v", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCodeInvalidState, "bad"))
	if !Is(err, ErrCodeInvalidState) {
		t.Error("Is should find code through fmt wrapping")
	}
	if Is(err, ErrCodeNotFound) {
		t.Error("Is matched the wrong code")
	}
	if Code(err) != ErrCodeInvalidState {
		t.Errorf("Code() = %v", Code(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("plain errors have no code")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if AsCoded(fmt.Errorf("plain")) != nil {
		t.Error("AsCoded(plain) should be nil")
	}
	if !IsCategory(err, CategoryPermanent) {
		t.Error("IsCategory should be permanent")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "mid"), "top")
	if Cause(err) != root {
		t.Errorf("Cause() = %v", Cause(err))
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recover should be nil")
	}
	err := RecoverPanic(fmt.Errorf("kaboom"))
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("RecoverPanic = %v %q", err.Code(), err.Error())
	}
	if err.Metadata()["panic_value"] != "*errors.errorString" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeNotFound, "x", WithMetadata("k", "v"))
	m := err.Metadata()
	m["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
}

// ============================================================================
// 5. JSON
// ============================================================================

func TestJSON(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := New(ErrCodeTaskFailed, "render failed",
		WithTaskID("t1"),
		WithAgentID("a1"),
		WithTimestamp(ts),
		WithCause(fmt.Errorf("template missing")),
		WithMetadata("step", "render"))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Code() != ErrCodeTaskFailed {
		t.Errorf("Code() = %v", decoded.Code())
	}
	if decoded.Severity() != SeverityMedium {
		t.Errorf("Severity() = %v", decoded.Severity())
	}
	if decoded.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", decoded.Error(), orig.Error())
	}
	if !decoded.Timestamp().Equal(ts) {
		t.Errorf("Timestamp() = %v", decoded.Timestamp())
	}
	if decoded.TaskID() != "t1" || decoded.AgentID() != "a1" {
		t.Errorf("ids = %s/%s", decoded.TaskID(), decoded.AgentID())
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var e Error
	if err := json.Unmarshal([]byte(`{"code":`), &e); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
