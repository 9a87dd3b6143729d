// Package shard defines the shard descriptive record and its wire
// serialization: a self-describing JSON document for the payload and a
// fixed binary header carrying integrity checksums.
package shard

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jacktea/xobj/pkg/shardid"
)

// State is the shard lifecycle state.
type State int

const (
	StateOpen State = iota
	StateSealed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSealed:
		return "sealed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Info is the descriptive record of one shard. The id and owning group
// never change after creation; state and the capacity counters mutate
// only through the committed-log path.
type Info struct {
	ID         shardid.ID `json:"shard_id"`
	PG         shardid.PG `json:"pg_id"`
	State      State      `json:"state"`
	CreatedAt  uint64     `json:"created_time"`
	ModifiedAt uint64     `json:"modified_time"`
	Total      uint64     `json:"total_capacity"`
	Available  uint64     `json:"available_capacity"`
	Deleted    uint64     `json:"deleted_capacity"`
}

type infoEnvelope struct {
	ShardInfo Info `json:"shard_info"`
}

// Encode serializes info as a self-describing JSON document. Unknown
// future fields do not break old decoders.
func Encode(info Info) ([]byte, error) {
	b, err := json.Marshal(infoEnvelope{ShardInfo: info})
	if err != nil {
		return nil, fmt.Errorf("shard: encode %v: %w", info.ID, err)
	}
	return b, nil
}

// Decode parses a document produced by Encode. Trailing zero padding
// added for block alignment is ignored.
func Decode(b []byte) (Info, error) {
	var env infoEnvelope
	if err := json.Unmarshal(bytes.TrimRight(b, "\x00"), &env); err != nil {
		return Info{}, fmt.Errorf("shard: decode: %w", err)
	}
	return env.ShardInfo, nil
}

// Pad returns b zero-padded to a multiple of align. align <= 1 returns
// a copy of b unchanged.
func Pad(b []byte, align uint32) []byte {
	if align <= 1 {
		return append([]byte(nil), b...)
	}
	n := (uint64(len(b)) + uint64(align) - 1) / uint64(align) * uint64(align)
	out := make([]byte, n)
	copy(out, b)
	return out
}
