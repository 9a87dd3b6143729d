package shard

import (
	"bytes"
	"testing"

	"github.com/jacktea/xobj/pkg/shardid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Info{
		{
			ID:         shardid.Make(1, 1),
			PG:         1,
			State:      StateOpen,
			CreatedAt:  1735689600123,
			ModifiedAt: 1735689600123,
			Total:      1 << 30,
			Available:  1 << 30,
			Deleted:    0,
		},
		{
			ID:         shardid.Make(65535, shardid.MaxShardsPerGroup-1),
			PG:         65535,
			State:      StateSealed,
			CreatedAt:  1,
			ModifiedAt: 1<<63 + 7,
			Total:      shardid.MaxShardSize,
			Available:  12345,
			Deleted:    99,
		},
		{},
	}
	for _, info := range cases {
		b, err := Encode(info)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != info {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, info)
		}
	}
}

func TestDecodeIgnoresPadding(t *testing.T) {
	info := Info{ID: shardid.Make(2, 3), PG: 2, State: StateOpen, Total: 512, Available: 512}
	b, err := Encode(info)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	padded := Pad(b, 4096)
	if len(padded) != 4096 {
		t.Fatalf("padded length %d, want 4096", len(padded))
	}
	got, err := Decode(padded)
	if err != nil {
		t.Fatalf("decode padded: %v", err)
	}
	if got != info {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}

func TestPad(t *testing.T) {
	b := []byte("abc")
	out := Pad(b, 8)
	if len(out) != 8 {
		t.Fatalf("len %d, want 8", len(out))
	}
	if !bytes.Equal(out[:3], b) || !bytes.Equal(out[3:], make([]byte, 5)) {
		t.Fatalf("unexpected padding %q", out)
	}
	if got := Pad([]byte("12345678"), 8); len(got) != 8 {
		t.Fatalf("aligned input grew to %d", len(got))
	}
	if got := Pad(b, 0); len(got) != 3 {
		t.Fatalf("align 0 changed length to %d", len(got))
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	payload := Pad([]byte(`{"shard_info":{}}`), 512)
	h := NewHeader(EntryCreateShard, 7, uint64(shardid.Make(7, 1)), payload)
	if h.Corrupted() {
		t.Fatalf("fresh header reported corrupted")
	}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if got.Corrupted() {
		t.Fatalf("decoded header reported corrupted")
	}
	if got.PayloadCRC != Checksum(payload) {
		t.Fatalf("payload crc mismatch")
	}
}

func TestHeaderCorruptionDetected(t *testing.T) {
	h := NewHeader(EntrySealShard, 1, 42, []byte("payload"))
	h.Shard = 43
	if !h.Corrupted() {
		t.Fatalf("tampered header not detected")
	}

	b := NewHeader(EntrySealShard, 1, 42, []byte("payload")).Encode()
	b[9] ^= 0xff
	decoded, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Corrupted() {
		t.Fatalf("tampered encoding not detected")
	}

	if _, err := DecodeHeader(b[:10]); err == nil {
		t.Fatalf("expected error for short header")
	}
}
