package repl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jacktea/xobj/pkg/chunk"
)

type memEntry struct {
	lsn    int64
	header []byte
	blocks BlockRange
	req    Request
}

// MemDevice is an in-memory Device. Entries are applied by a single
// goroutine, which gives the in-order delivery the commit contract
// requires while keeping Append itself non-blocking.
type MemDevice struct {
	blockSize uint32
	commit    CommitFunc

	mu      sync.Mutex
	chunks  map[chunk.ID][]byte
	journal []memEntry
	lsn     int64
	closed  bool

	applyCh chan memEntry
	done    chan struct{}
}

// NewMemDevice creates a device delivering commits to fn.
func NewMemDevice(blockSize uint32, fn CommitFunc) *MemDevice {
	if blockSize == 0 {
		blockSize = 512
	}
	d := &MemDevice{
		blockSize: blockSize,
		commit:    fn,
		chunks:    make(map[chunk.ID][]byte),
		applyCh:   make(chan memEntry, 128),
		done:      make(chan struct{}),
	}
	go d.applyLoop()
	return d
}

func (d *MemDevice) applyLoop() {
	defer close(d.done)
	for e := range d.applyCh {
		d.commit(e.lsn, e.header, e.blocks, d, e.req)
	}
}

func (d *MemDevice) BlockSize() uint32 { return d.blockSize }

func (d *MemDevice) Append(ctx context.Context, header, payload []byte, ch chunk.ID, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uint32(len(payload))%d.blockSize != 0 {
		return fmt.Errorf("memdev: payload %d not aligned to %d", len(payload), d.blockSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("memdev: closed")
	}
	buf := d.chunks[ch]
	blocks := BlockRange{Chunk: ch, Offset: uint32(len(buf)), Length: uint32(len(payload))}
	d.chunks[ch] = append(buf, payload...)
	d.lsn++
	e := memEntry{
		lsn:    d.lsn,
		header: append([]byte(nil), header...),
		blocks: blocks,
		req:    req,
	}
	d.journal = append(d.journal, e)
	// Enqueue while still holding the lock; concurrent appends must
	// reach the apply loop in lsn order.
	d.applyCh <- e
	return nil
}

func (d *MemDevice) Read(ctx context.Context, blocks BlockRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.chunks[blocks.Chunk]
	if !ok || uint64(blocks.Offset)+uint64(blocks.Length) > uint64(len(buf)) {
		return nil, fmt.Errorf("memdev: read outside chunk %d", blocks.Chunk)
	}
	return append([]byte(nil), buf[blocks.Offset:blocks.Offset+blocks.Length]...), nil
}

// Replay redelivers every journaled entry with no request attached.
func (d *MemDevice) Replay(ctx context.Context) error {
	d.mu.Lock()
	entries := append([]memEntry(nil), d.journal...)
	d.mu.Unlock()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.commit(e.lsn, e.header, e.blocks, d, nil)
	}
	return nil
}

// Close stops the apply loop after draining queued entries.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.applyCh)
	<-d.done
	return nil
}
