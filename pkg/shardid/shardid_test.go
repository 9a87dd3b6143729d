package shardid

import "testing"

func TestMakeRoundTrip(t *testing.T) {
	cases := []struct {
		pg  PG
		seq uint64
	}{
		{1, 1},
		{1, 2},
		{42, 7},
		{65535, MaxShardsPerGroup - 1},
		{0, 0},
	}
	for _, tc := range cases {
		id := Make(tc.pg, tc.seq)
		if got := SequenceOf(id); got != tc.seq {
			t.Fatalf("SequenceOf(Make(%d, %d)) = %d", tc.pg, tc.seq, got)
		}
		if got := GroupOf(id); got != tc.pg {
			t.Fatalf("GroupOf(Make(%d, %d)) = %d", tc.pg, tc.seq, got)
		}
	}
}

func TestIDsOrderByCreation(t *testing.T) {
	prev := Make(3, 1)
	for seq := uint64(2); seq < 100; seq++ {
		id := Make(3, seq)
		if id <= prev {
			t.Fatalf("id %v not greater than %v", id, prev)
		}
		prev = id
	}
}

func TestMakeOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on sequence overflow")
		}
	}()
	Make(1, MaxShardsPerGroup)
}
