package manager

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jacktea/xobj/pkg/shard"
)

type outcome struct {
	info shard.Info
	err  error
}

// Future is the one-shot result of a proposed shard mutation. It
// resolves when the local replica has durably applied the change, not
// when the transport acknowledges replication.
type Future struct {
	ch chan outcome
}

func newFuture() *Future {
	return &Future{ch: make(chan outcome, 1)}
}

// Wait blocks until the mutation is applied locally or ctx ends.
func (f *Future) Wait(ctx context.Context) (shard.Info, error) {
	select {
	case o := <-f.ch:
		return o.info, o.err
	case <-ctx.Done():
		return shard.Info{}, ctx.Err()
	}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.ch <- outcome{err: err}
	return f
}

// pending correlates one in-flight log entry with its submitter. Its
// result slot is single-assignment: fulfill consumes the pending, a
// second call is a silent no-op by construction.
type pending struct {
	id      uuid.UUID
	fut     *Future
	payload []byte
	once    sync.Once
}

func newPending(payload []byte) *pending {
	return &pending{id: uuid.New(), fut: newFuture(), payload: payload}
}

// Payload returns the padded entry payload held for the live commit.
func (p *pending) Payload() []byte { return p.payload }

func (p *pending) fulfill(info shard.Info, err error) {
	p.once.Do(func() {
		p.fut.ch <- outcome{info: info, err: err}
	})
}
