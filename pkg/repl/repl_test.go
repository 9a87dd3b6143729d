package repl

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/xobj/pkg/chunk"
)

type recorded struct {
	lsn    int64
	header []byte
	blocks BlockRange
	live   bool
}

func collector() (CommitFunc, <-chan recorded) {
	ch := make(chan recorded, 64)
	fn := func(lsn int64, header []byte, blocks BlockRange, dev Device, req Request) {
		ch <- recorded{lsn: lsn, header: append([]byte(nil), header...), blocks: blocks, live: req != nil}
	}
	return fn, ch
}

func next(t *testing.T, ch <-chan recorded) recorded {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for commit")
		return recorded{}
	}
}

type fakeReq struct{ payload []byte }

func (r *fakeReq) Payload() []byte { return r.payload }

func pad(b []byte, align int) []byte {
	n := (len(b) + align - 1) / align * align
	out := make([]byte, n)
	copy(out, b)
	return out
}

func TestMemDeviceAppendCommitOrder(t *testing.T) {
	fn, commits := collector()
	d := NewMemDevice(8, fn)
	defer d.Close()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		payload := pad([]byte{byte(i)}, 8)
		if err := d.Append(ctx, []byte{0xaa, byte(i)}, payload, chunk.ID(1), &fakeReq{payload}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		r := next(t, commits)
		if r.lsn != int64(i) {
			t.Fatalf("lsn %d, want %d", r.lsn, i)
		}
		if !r.live {
			t.Fatalf("fresh commit delivered without request")
		}
		if r.blocks.Chunk != 1 || r.blocks.Offset != uint32((i-1)*8) || r.blocks.Length != 8 {
			t.Fatalf("unexpected blocks %+v", r.blocks)
		}
	}
}

// Concurrent appends to one device must still reach the commit
// callback in lsn order.
func TestMemDeviceConcurrentAppendOrder(t *testing.T) {
	fn, commits := collector()
	d := NewMemDevice(8, fn)
	defer d.Close()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := pad([]byte{byte(i)}, 8)
			if err := d.Append(ctx, []byte{0xbb}, payload, chunk.ID(1), &fakeReq{payload}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for want := int64(1); want <= n; want++ {
		r := next(t, commits)
		if r.lsn != want {
			t.Fatalf("commit lsn %d, want %d", r.lsn, want)
		}
	}
}

func TestMemDeviceReadAndReplay(t *testing.T) {
	fn, commits := collector()
	d := NewMemDevice(4, fn)
	defer d.Close()
	ctx := context.Background()

	payload := pad([]byte("abc"), 4)
	if err := d.Append(ctx, []byte("hdr"), payload, chunk.ID(2), &fakeReq{payload}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := next(t, commits)

	got, err := d.Read(ctx, r.blocks)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}
	if _, err := d.Read(ctx, BlockRange{Chunk: 2, Offset: 100, Length: 4}); err == nil {
		t.Fatalf("expected error reading past chunk end")
	}

	if err := d.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	rr := next(t, commits)
	if rr.live {
		t.Fatalf("replayed entry carried a request")
	}
	if rr.lsn != r.lsn || rr.blocks != r.blocks {
		t.Fatalf("replayed entry mismatch: %+v vs %+v", rr, r)
	}
}

func TestMemDeviceRejectsUnaligned(t *testing.T) {
	fn, _ := collector()
	d := NewMemDevice(512, fn)
	defer d.Close()
	if err := d.Append(context.Background(), []byte("h"), []byte("xyz"), chunk.ID(1), nil); err == nil {
		t.Fatalf("expected alignment error")
	}
}

func TestLogDeviceAppendReadReplay(t *testing.T) {
	dir := t.TempDir()
	fn, commits := collector()
	d, err := NewLogDevice(LogConfig{Dir: dir, BlockSize: 16}, fn)
	if err != nil {
		t.Fatalf("new log device: %v", err)
	}
	ctx := context.Background()

	p1 := pad([]byte("first payload"), 16)
	p2 := pad([]byte("second payload"), 16)
	if err := d.Append(ctx, []byte("h1"), p1, chunk.ID(1), &fakeReq{p1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := d.Append(ctx, []byte("h2"), p2, chunk.ID(1), &fakeReq{p2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r1 := next(t, commits)
	r2 := next(t, commits)
	if r2.blocks.Offset != r1.blocks.Offset+r1.blocks.Length {
		t.Fatalf("second entry not appended after first: %+v %+v", r1.blocks, r2.blocks)
	}
	got, err := d.Read(ctx, r2.blocks)
	if err != nil || !bytes.Equal(got, p2) {
		t.Fatalf("read back: %q, %v", got, err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: journaled entries survive, replay redelivers them in
	// order with no request, and new appends continue after the tail.
	fn2, commits2 := collector()
	d2, err := NewLogDevice(LogConfig{Dir: dir, BlockSize: 16}, fn2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	if err := d2.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	for i, want := range []recorded{r1, r2} {
		r := next(t, commits2)
		if r.live {
			t.Fatalf("replay entry %d carried a request", i)
		}
		if r.lsn != want.lsn || r.blocks != want.blocks || !bytes.Equal(r.header, want.header) {
			t.Fatalf("replay entry %d mismatch: %+v vs %+v", i, r, want)
		}
	}
	payload, err := d2.Read(ctx, r1.blocks)
	if err != nil || !bytes.Equal(payload, p1) {
		t.Fatalf("read after reopen: %q, %v", payload, err)
	}

	p3 := pad([]byte("third"), 16)
	if err := d2.Append(ctx, []byte("h3"), p3, chunk.ID(1), nil); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	r3 := next(t, commits2)
	if r3.lsn != 3 {
		t.Fatalf("lsn after reopen %d, want 3", r3.lsn)
	}
	if r3.blocks.Offset != r2.blocks.Offset+r2.blocks.Length {
		t.Fatalf("append after reopen overlapped tail: %+v", r3.blocks)
	}
}
