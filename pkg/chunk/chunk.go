// Package chunk defines the contract with the physical chunk allocator.
// The lifecycle manager only reserves, re-asserts and releases chunks;
// the allocator's placement policy lives behind the interface.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jacktea/xobj/pkg/xerrors"
)

// ID is an opaque chunk number handed out by the allocator.
type ID uint32

// Allocator is the allocation contract consumed by the shard manager.
type Allocator interface {
	// Reserve picks a free chunk for a new shard and marks it busy.
	Reserve(ctx context.Context) (ID, error)
	// MarkBusy re-asserts ownership of a chunk. It is idempotent and
	// is used when replaying committed entries after a restart.
	MarkBusy(id ID) error
	// Release returns a chunk to the free pool. Called exactly once
	// per shard sealing.
	Release(id ID) error
}

// Pool is a fixed-size in-memory allocator backing the in-process log
// devices and tests.
type Pool struct {
	mu   sync.Mutex
	free []ID
	busy map[ID]bool
}

// NewPool creates a pool of n chunks numbered from 1.
func NewPool(n int) *Pool {
	p := &Pool{busy: make(map[ID]bool, n)}
	for i := n; i >= 1; i-- {
		p.free = append(p.free, ID(i))
	}
	return p
}

func (p *Pool) Reserve(ctx context.Context) (ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, xerrors.Wrap(xerrors.KindInternal, "chunk.reserve", errors.New("pool exhausted"))
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.busy[id] = true
	return id, nil
}

func (p *Pool) MarkBusy(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[id] {
		return nil
	}
	for i, f := range p.free {
		if f == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.busy[id] = true
			return nil
		}
	}
	return xerrors.Wrap(xerrors.KindNotFound, "chunk.mark_busy", fmt.Errorf("chunk %d not in pool", id))
}

func (p *Pool) Release(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.busy[id] {
		return xerrors.Wrap(xerrors.KindInvalid, "chunk.release", fmt.Errorf("chunk %d not busy", id))
	}
	delete(p.busy, id)
	p.free = append(p.free, id)
	return nil
}

// Busy reports whether id is currently reserved.
func (p *Pool) Busy(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[id]
}

// FreeCount returns the number of unreserved chunks.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
