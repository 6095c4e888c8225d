package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Validation("chat.SendMessage", "empty content")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation kind, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindValidation {
		t.Fatalf("kind lost through wrapping: %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("unclassified errors should report internal")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk io")
	err := Wrap(KindFileSystem, "vfs.PutBlob", cause, "write failed")
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable via errors.Is")
	}
	if !IsKind(err, KindFileSystem) {
		t.Fatal("IsKind failed")
	}
	msg := err.Error()
	if msg != "vfs.PutBlob: write failed: disk io" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestCancellation(t *testing.T) {
	err := fmt.Errorf("stream aborted: %w", ErrCancelled)
	if !IsCancelled(err) {
		t.Fatal("wrapped cancellation not detected")
	}
	if IsCancelled(Validation("x", "y")) {
		t.Fatal("validation error misdetected as cancellation")
	}
}
