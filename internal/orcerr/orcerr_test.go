package orcerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(KindTransientTransport, "stream.read", errors.New("connection reset"))
	wrapped := fmt.Errorf("consumer loop: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatalf("expected kind to be found through wrapping")
	}
	if kind != KindTransientTransport {
		t.Fatalf("expected %q, got %q", KindTransientTransport, kind)
	}
}

func TestIsTransientAndIsPermanent(t *testing.T) {
	transient := New(KindTransientTransport, "op", errors.New("boom"))
	permanent := New(KindPermanentTransport, "op", errors.New("boom"))
	cfg := New(KindConfig, "op", errors.New("boom"))
	plain := errors.New("unrelated")

	if !IsTransient(transient) {
		t.Fatalf("expected transient error to be classified transient")
	}
	if IsTransient(permanent) {
		t.Fatalf("expected permanent error not to be classified transient")
	}
	if !IsPermanent(permanent) {
		t.Fatalf("expected permanent error to be classified permanent")
	}
	if !IsPermanent(cfg) {
		t.Fatalf("expected config error to be classified permanent")
	}
	if IsPermanent(plain) || IsTransient(plain) {
		t.Fatalf("expected unkinded error to classify as neither")
	}
}

func TestIsConflictAndIsValidation(t *testing.T) {
	conflict := New(KindConflict, "registry.register", errors.New("already active"))
	validation := New(KindValidation, "consumer.decode", errors.New("bad entry"))

	if !IsConflict(conflict) {
		t.Fatalf("expected conflict classification")
	}
	if !IsValidation(validation) {
		t.Fatalf("expected validation classification")
	}
	if IsConflict(validation) || IsValidation(conflict) {
		t.Fatalf("expected kinds not to cross-classify")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := New(KindSaturation, "router.admit", errors.New("queue full"))
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty error message")
	}
	if !strings.Contains(msg, "router.admit") || !strings.Contains(msg, string(KindSaturation)) {
		t.Fatalf("expected message to include op and kind, got %q", msg)
	}
	if got := errors.Unwrap(err); got == nil || got.Error() != "queue full" {
		t.Fatalf("expected Unwrap to expose underlying error, got %v", got)
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(KindValidation, "frame.parse", "missing field %q", "frame_id")
	if err.Err.Error() != `missing field "frame_id"` {
		t.Fatalf("unexpected formatted message: %q", err.Err.Error())
	}
}
