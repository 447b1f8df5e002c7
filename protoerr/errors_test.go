package protoerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := New(InvalidState, "payments.pay", "request %d is %s", 3, "Paid")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected errors.Is to match ErrInvalidState")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("did not expect a match on a different code")
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if CodeOf(wrapped) != InvalidState {
		t.Fatalf("CodeOf through fmt wrap: got %q", CodeOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("insufficient balance")
	err := Wrap(TransferFailed, "payments.pay", cause, "transfer rejected")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if err.Error() != "payments.pay: transfer rejected: insufficient balance" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestCodeOfUnstructured(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatalf("nil error should have no code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no code")
	}
	if IsCode(nil, Internal) {
		t.Fatalf("nil is never a code")
	}
}

func TestKnownCodes(t *testing.T) {
	for _, c := range Codes {
		if !Known(c) {
			t.Fatalf("%s should be known", c)
		}
	}
	if Known("Bogus") {
		t.Fatalf("Bogus should not be known")
	}
}
