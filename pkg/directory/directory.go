// Package directory holds the authoritative in-memory index of
// placement groups and the shards they own. Two independent lock
// regions guard it: one for the group table, one for the shard index.
// Whenever both are needed the group lock is taken first; taking them
// in the other order risks deadlock with the submit path.
package directory

import (
	"fmt"
	"sync"

	"github.com/jacktea/xobj/pkg/chunk"
	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/xerrors"
)

// slot is one shard's mutable cell. The backing chunk is fixed at
// insertion; only the info fields mutate afterwards. Slots are never
// removed or relocated, so pointers into them stay valid as the
// owning group's list grows.
type slot struct {
	info  shard.Info
	chunk chunk.ID
}

type group struct {
	id       shardid.PG
	nextSeq  uint64
	shards   []*slot
	anyChunk chunk.ID
	hasAny   bool
}

// Directory indexes placement groups and shards.
type Directory struct {
	pgMu   sync.RWMutex
	groups map[shardid.PG]*group

	shMu  sync.RWMutex
	index map[shardid.ID]*slot
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		groups: make(map[shardid.PG]*group),
		index:  make(map[shardid.ID]*slot),
	}
}

// AddGroup registers a placement group with its sequence counter at
// zero. Adding a group twice fails with KindAlreadyExists.
func (d *Directory) AddGroup(pg shardid.PG) error {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	if _, ok := d.groups[pg]; ok {
		return xerrors.E(xerrors.KindAlreadyExists, "directory.add_group")
	}
	d.groups[pg] = &group{id: pg}
	return nil
}

// HasGroup reports whether pg is registered.
func (d *Directory) HasGroup(pg shardid.PG) bool {
	d.pgMu.RLock()
	defer d.pgMu.RUnlock()
	_, ok := d.groups[pg]
	return ok
}

// NextShardID mints the next shard id for pg. The group must exist;
// a missing group here is a broken invariant upstream. Sequence
// overflow panics inside the codec.
func (d *Directory) NextShardID(pg shardid.PG) shardid.ID {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	g, ok := d.groups[pg]
	if !ok {
		panic(fmt.Sprintf("directory: minting shard id for missing pg %d", pg))
	}
	g.nextSeq++
	return shardid.Make(pg, g.nextSeq)
}

// InsertShard appends a shard to its owning group and the global
// index. The caller has already excluded duplicates through the
// commit-path idempotency check, so a duplicate id here is a logic
// invariant violation and panics. The group's sequence counter is
// raised to cover the inserted id, which lets a replica catch up with
// ids minted elsewhere.
func (d *Directory) InsertShard(info shard.Info, ch chunk.ID) {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	g, ok := d.groups[info.PG]
	if !ok {
		panic(fmt.Sprintf("directory: inserting shard %v into missing pg %d", info.ID, info.PG))
	}

	d.shMu.Lock()
	defer d.shMu.Unlock()
	if _, dup := d.index[info.ID]; dup {
		panic(fmt.Sprintf("directory: duplicate shard id %v", info.ID))
	}
	s := &slot{info: info, chunk: ch}
	g.shards = append(g.shards, s)
	d.index[info.ID] = s

	if seq := shardid.SequenceOf(info.ID); seq > g.nextSeq {
		g.nextSeq = seq
	}
}

// UpdateShard overwrites the mutable fields of an existing shard. An
// unknown id is a broken invariant and panics.
func (d *Directory) UpdateShard(info shard.Info) {
	d.shMu.Lock()
	defer d.shMu.Unlock()
	s, ok := d.index[info.ID]
	if !ok {
		panic(fmt.Sprintf("directory: updating missing shard %v", info.ID))
	}
	s.info = info
}

// GetShard returns a copy of the shard's record and its backing chunk.
func (d *Directory) GetShard(id shardid.ID) (shard.Info, chunk.ID, error) {
	d.shMu.RLock()
	defer d.shMu.RUnlock()
	s, ok := d.index[id]
	if !ok {
		return shard.Info{}, 0, xerrors.E(xerrors.KindNotFound, "directory.get_shard")
	}
	return s.info, s.chunk, nil
}

// StateOf returns the current lifecycle state of id.
func (d *Directory) StateOf(id shardid.ID) (shard.State, bool) {
	d.shMu.RLock()
	defer d.shMu.RUnlock()
	s, ok := d.index[id]
	if !ok {
		return 0, false
	}
	return s.info.State, true
}

// HasShard reports whether id is present in the index.
func (d *Directory) HasShard(id shardid.ID) bool {
	d.shMu.RLock()
	defer d.shMu.RUnlock()
	_, ok := d.index[id]
	return ok
}

// ChunkOf returns the chunk backing id, if the shard is known.
func (d *Directory) ChunkOf(id shardid.ID) (chunk.ID, bool) {
	d.shMu.RLock()
	defer d.shMu.RUnlock()
	s, ok := d.index[id]
	if !ok {
		return 0, false
	}
	return s.chunk, true
}

// AnyChunkOf returns some chunk allocated to pg, memoizing the first
// answer. The hint is best effort; there is no invalidation beyond
// process lifetime. The group must exist.
func (d *Directory) AnyChunkOf(pg shardid.PG) (chunk.ID, bool) {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	g, ok := d.groups[pg]
	if !ok {
		panic(fmt.Sprintf("directory: any-chunk lookup for missing pg %d", pg))
	}
	if g.hasAny {
		return g.anyChunk, true
	}
	if len(g.shards) == 0 {
		return 0, false
	}
	// slot.chunk is immutable after insert, safe to read under the
	// group lock alone.
	g.anyChunk = g.shards[0].chunk
	g.hasAny = true
	return g.anyChunk, true
}

// GroupShards returns a snapshot of the ids owned by pg in creation
// order. It exists for introspection; internal positions never cross
// the package boundary.
func (d *Directory) GroupShards(pg shardid.PG) []shardid.ID {
	d.pgMu.RLock()
	defer d.pgMu.RUnlock()
	g, ok := d.groups[pg]
	if !ok {
		return nil
	}
	d.shMu.RLock()
	defer d.shMu.RUnlock()
	out := make([]shardid.ID, len(g.shards))
	for i, s := range g.shards {
		out[i] = s.info.ID
	}
	return out
}

// SequenceOf returns the current sequence counter of pg, for tests and
// introspection.
func (d *Directory) SequenceOf(pg shardid.PG) (uint64, bool) {
	d.pgMu.RLock()
	defer d.pgMu.RUnlock()
	g, ok := d.groups[pg]
	if !ok {
		return 0, false
	}
	return g.nextSeq, true
}
