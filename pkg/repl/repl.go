// Package repl defines the boundary with the replication transport
// that durably orders shard mutations, plus in-process log devices
// implementing it for single-replica deployments and tests. How
// entries get ordered across replicas is out of scope; a device only
// promises to deliver committed entries to its commit callback in
// order, and to serve payload reads for replay.
package repl

import (
	"context"

	"github.com/jacktea/xobj/pkg/chunk"
)

// BlockRange locates an entry's payload inside a chunk.
type BlockRange struct {
	Chunk  chunk.ID
	Offset uint32
	Length uint32
}

// Request is the opaque submitter context carried through a device
// from Append to the commit callback. It is nil for replayed entries;
// the callback then reads the payload back via Device.Read.
type Request interface {
	Payload() []byte
}

// Device is one group's replication handle.
type Device interface {
	// BlockSize is the payload alignment required by Append.
	BlockSize() uint32
	// Append durably orders an entry, placing its payload blocks in
	// the given chunk, and later delivers it to the commit callback.
	Append(ctx context.Context, header, payload []byte, ch chunk.ID, req Request) error
	// Read returns the payload bytes previously written at blocks.
	Read(ctx context.Context, blocks BlockRange) ([]byte, error)
	Close() error
}

// CommitFunc is invoked once per committed entry, in order. req is
// non-nil only on the submitting replica for a fresh commit.
type CommitFunc func(lsn int64, header []byte, blocks BlockRange, dev Device, req Request)

// Replayer is implemented by devices that can redeliver their already
// committed entries after a restart, with no Request attached.
type Replayer interface {
	Replay(ctx context.Context) error
}
