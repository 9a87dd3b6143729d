package xerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := E(KindUnknownGroup, "create_shard")
	want := "create_shard: unknown placement group"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInternal, "op", nil) != nil {
		t.Fatalf("expected nil for nil underlying error")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := E(KindCRCMismatch, "commit")
	outer := fmt.Errorf("apply entry: %w", inner)
	if got := KindOf(outer); got != KindCRCMismatch {
		t.Fatalf("got kind %d, want KindCRCMismatch", got)
	}
}

func TestKindOfUnknown(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("got kind %d, want KindInternal", got)
	}
	if got := KindOf(nil); got != KindInvalid {
		t.Fatalf("got kind %d, want KindInvalid", got)
	}
}
