// Package shardid packs a placement-group id and a per-group sequence
// number into a single shard identifier.
package shardid

import "fmt"

// PG identifies a placement group.
type PG uint16

// ID identifies a shard. The top 16 bits hold the owning placement
// group, the low SequenceBits hold the per-group sequence number, so
// ids from the same group order by creation.
type ID uint64

const (
	// SequenceBits is the bit width reserved for the sequence field.
	SequenceBits = 48

	// MaxShardsPerGroup bounds the sequence space of one group.
	MaxShardsPerGroup uint64 = 1 << SequenceBits

	// MaxShardSize is the capacity ceiling for a single shard.
	MaxShardSize uint64 = 1 << 30 // 1 GiB
)

// Make builds the shard id for the given group and sequence number.
// Sequence numbers outside the reserved width indicate a broken
// counter invariant and panic.
func Make(pg PG, seq uint64) ID {
	if seq >= MaxShardsPerGroup {
		panic(fmt.Sprintf("shardid: sequence %d overflows %d-bit field for pg %d", seq, SequenceBits, pg))
	}
	return ID(uint64(pg)<<SequenceBits | seq)
}

// SequenceOf extracts the sequence number embedded in id.
func SequenceOf(id ID) uint64 {
	return uint64(id) & (MaxShardsPerGroup - 1)
}

// GroupOf extracts the owning placement group embedded in id.
func GroupOf(id ID) PG {
	return PG(uint64(id) >> SequenceBits)
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", GroupOf(id), SequenceOf(id))
}
