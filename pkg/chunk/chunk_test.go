package chunk

import (
	"context"
	"testing"

	"github.com/jacktea/xobj/pkg/xerrors"
)

func TestPoolReserveRelease(t *testing.T) {
	ctx := context.Background()
	p := NewPool(2)

	a, err := p.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	b, err := p.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if a == b {
		t.Fatalf("reserved the same chunk twice: %d", a)
	}
	if !p.Busy(a) || !p.Busy(b) {
		t.Fatalf("reserved chunks not busy")
	}
	if _, err := p.Reserve(ctx); xerrors.KindOf(err) != xerrors.KindInternal {
		t.Fatalf("expected exhaustion error, got %v", err)
	}

	if err := p.Release(a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p.Busy(a) {
		t.Fatalf("released chunk still busy")
	}
	if p.FreeCount() != 1 {
		t.Fatalf("free count %d, want 1", p.FreeCount())
	}
}

func TestPoolReleaseTwiceFails(t *testing.T) {
	p := NewPool(1)
	id, err := p.Reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(id); err == nil {
		t.Fatalf("expected error on double release")
	}
}

func TestPoolMarkBusyIdempotent(t *testing.T) {
	p := NewPool(3)
	id, err := p.Reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Re-asserting an already-busy chunk is the replay path.
	if err := p.MarkBusy(id); err != nil {
		t.Fatalf("mark busy on busy chunk: %v", err)
	}
	// Marking a free chunk pulls it out of the free list.
	var free ID
	for _, c := range []ID{1, 2, 3} {
		if c != id {
			free = c
			break
		}
	}
	if err := p.MarkBusy(free); err != nil {
		t.Fatalf("mark busy on free chunk: %v", err)
	}
	if !p.Busy(free) {
		t.Fatalf("chunk %d not busy after mark", free)
	}
	if err := p.MarkBusy(99); err == nil {
		t.Fatalf("expected error for chunk outside the pool")
	}
}
