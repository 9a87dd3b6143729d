package directory

import (
	"testing"

	"github.com/jacktea/xobj/pkg/chunk"
	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/xerrors"
)

func openShard(pg shardid.PG, seq uint64) shard.Info {
	return shard.Info{
		ID:        shardid.Make(pg, seq),
		PG:        pg,
		State:     shard.StateOpen,
		Total:     1 << 20,
		Available: 1 << 20,
	}
}

func TestAddGroup(t *testing.T) {
	d := New()
	if err := d.AddGroup(1); err != nil {
		t.Fatalf("add group: %v", err)
	}
	if !d.HasGroup(1) {
		t.Fatalf("group 1 missing")
	}
	if err := d.AddGroup(1); xerrors.KindOf(err) != xerrors.KindAlreadyExists {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestNextShardIDMonotonic(t *testing.T) {
	d := New()
	if err := d.AddGroup(5); err != nil {
		t.Fatalf("add group: %v", err)
	}
	var prev shardid.ID
	for i := 1; i <= 10; i++ {
		id := d.NextShardID(5)
		if shardid.SequenceOf(id) != uint64(i) {
			t.Fatalf("sequence %d, want %d", shardid.SequenceOf(id), i)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %v <= %v", id, prev)
		}
		prev = id
	}
}

func TestInsertReconcilesSequence(t *testing.T) {
	d := New()
	if err := d.AddGroup(2); err != nil {
		t.Fatalf("add group: %v", err)
	}
	// A replayed entry can carry a sequence minted on another replica,
	// ahead of the local counter. Insert must raise the counter so the
	// next minted id does not collide.
	d.InsertShard(openShard(2, 7), chunk.ID(3))
	if seq, _ := d.SequenceOf(2); seq != 7 {
		t.Fatalf("counter %d after insert, want 7", seq)
	}
	id := d.NextShardID(2)
	if shardid.SequenceOf(id) != 8 {
		t.Fatalf("next sequence %d, want 8", shardid.SequenceOf(id))
	}
	// A lower sequence never lowers the counter.
	d.InsertShard(openShard(2, 3), chunk.ID(4))
	if seq, _ := d.SequenceOf(2); seq != 8 {
		t.Fatalf("counter %d, want 8", seq)
	}
}

func TestInsertDuplicatePanics(t *testing.T) {
	d := New()
	if err := d.AddGroup(1); err != nil {
		t.Fatalf("add group: %v", err)
	}
	d.InsertShard(openShard(1, 1), chunk.ID(1))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate insert")
		}
	}()
	d.InsertShard(openShard(1, 1), chunk.ID(2))
}

func TestUpdateShard(t *testing.T) {
	d := New()
	if err := d.AddGroup(1); err != nil {
		t.Fatalf("add group: %v", err)
	}
	info := openShard(1, 1)
	d.InsertShard(info, chunk.ID(9))

	sealed := info
	sealed.State = shard.StateSealed
	sealed.Available = 0
	d.UpdateShard(sealed)

	got, ch, err := d.GetShard(info.ID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if got.State != shard.StateSealed || got.Available != 0 {
		t.Fatalf("update not applied: %+v", got)
	}
	if ch != 9 {
		t.Fatalf("chunk %d changed by update, want 9", ch)
	}
}

func TestUpdateMissingPanics(t *testing.T) {
	d := New()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on updating missing shard")
		}
	}()
	d.UpdateShard(openShard(1, 1))
}

func TestChunkLookups(t *testing.T) {
	d := New()
	if err := d.AddGroup(4); err != nil {
		t.Fatalf("add group: %v", err)
	}
	if _, ok := d.ChunkOf(shardid.Make(4, 1)); ok {
		t.Fatalf("chunk reported for unknown shard")
	}
	if _, ok := d.AnyChunkOf(4); ok {
		t.Fatalf("any-chunk reported for empty group")
	}

	d.InsertShard(openShard(4, 1), chunk.ID(11))
	d.InsertShard(openShard(4, 2), chunk.ID(12))

	if ch, ok := d.ChunkOf(shardid.Make(4, 2)); !ok || ch != 12 {
		t.Fatalf("ChunkOf = %d,%v, want 12,true", ch, ok)
	}
	ch, ok := d.AnyChunkOf(4)
	if !ok || ch != 11 {
		t.Fatalf("AnyChunkOf = %d,%v, want 11,true", ch, ok)
	}
	// Memoized: the same answer even after more inserts.
	d.InsertShard(openShard(4, 3), chunk.ID(13))
	if ch, _ := d.AnyChunkOf(4); ch != 11 {
		t.Fatalf("memoized hint changed to %d", ch)
	}
}

func TestGroupShardsOrder(t *testing.T) {
	d := New()
	if err := d.AddGroup(6); err != nil {
		t.Fatalf("add group: %v", err)
	}
	want := []shardid.ID{}
	for seq := uint64(1); seq <= 5; seq++ {
		info := openShard(6, seq)
		d.InsertShard(info, chunk.ID(seq))
		want = append(want, info.ID)
	}
	got := d.GroupShards(6)
	if len(got) != len(want) {
		t.Fatalf("got %d shards, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shard %d out of order: got %v, want %v", i, got[i], want[i])
		}
	}
}
