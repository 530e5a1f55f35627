// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeStore, "upsert failed", stderrors.New("disk full"))
	want := "[STORE_ERROR] upsert failed: disk full"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	bare := New(CodeTimeout, "probe deadline", nil)
	if bare.Error() != "[TIMEOUT] probe deadline" {
		t.Errorf("unexpected format: %q", bare.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := New(CodeCache, "publish failed", cause)
	if !stderrors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the cause")
	}

	var pe *PulseError
	if !stderrors.As(error(err), &pe) {
		t.Errorf("expected errors.As to match *PulseError")
	}
	if pe.Code != CodeCache {
		t.Errorf("unexpected code: %s", pe.Code)
	}
}

func TestIsRecoverable(t *testing.T) {
	if IsRecoverable(nil) {
		t.Errorf("nil must not be recoverable")
	}
	if IsRecoverable(New(CodeUnauthorized, "bad key", nil)) {
		t.Errorf("flag defaults to false on PulseError")
	}
	if !IsRecoverable(New(CodeStore, "transient", nil).WithRecoverable(true)) {
		t.Errorf("explicit recoverable flag ignored")
	}
	if !IsRecoverable(stderrors.New("unknown")) {
		t.Errorf("unknown error types default to recoverable")
	}
}

func TestAsPulseError(t *testing.T) {
	if AsPulseError(nil) != nil {
		t.Errorf("expected nil for nil input")
	}
	orig := New(CodeProbe, "boom", nil)
	if AsPulseError(orig) != orig {
		t.Errorf("expected identity for existing PulseError")
	}
	wrapped := AsPulseError(stderrors.New("plain"))
	if wrapped.Code != CodeInternal {
		t.Errorf("expected internal code, got %s", wrapped.Code)
	}
}

func TestWithContext(t *testing.T) {
	err := New(CodeProbe, "probe failed", nil).
		WithContext("gateway", "openrouter").
		WithContext("attempt", 2)
	if err.Context["gateway"] != "openrouter" {
		t.Errorf("context not recorded")
	}
}
