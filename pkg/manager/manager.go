// Package manager implements the shard lifecycle state machine: it
// turns create/seal requests into replicated log entries, applies
// committed entries identically on fresh commit and on crash replay,
// and keeps the shard directory, chunk ownership and superblocks in
// step.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xobj/pkg/chunk"
	"github.com/jacktea/xobj/pkg/directory"
	"github.com/jacktea/xobj/pkg/repl"
	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/superblock"
	"github.com/jacktea/xobj/pkg/xerrors"
)

// Config wires a Manager's collaborators.
type Config struct {
	Allocator   chunk.Allocator
	Superblocks superblock.Store
	Log         *logrus.Entry
}

// Manager owns the shard directory and drives the replicated mutation
// protocol. Its OnCommit method is the commit callback handed to every
// group's replication device.
type Manager struct {
	dir   *directory.Directory
	alloc chunk.Allocator
	sb    superblock.Store
	log   *logrus.Entry

	devMu sync.RWMutex
	devs  map[shardid.PG]repl.Device

	replayMu   sync.Mutex
	replayTail map[repl.Device]chan struct{}
	replayWG   sync.WaitGroup
}

// New creates a Manager with an empty directory.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		dir:        directory.New(),
		alloc:      cfg.Allocator,
		sb:         cfg.Superblocks,
		log:        log,
		devs:       make(map[shardid.PG]repl.Device),
		replayTail: make(map[repl.Device]chan struct{}),
	}
}

// RegisterGroup adds a placement group to the directory. The group has
// no replication handle yet; proposals fail NotReady until one is
// attached.
func (m *Manager) RegisterGroup(pg shardid.PG) error {
	return m.dir.AddGroup(pg)
}

// AttachDevice binds pg's replication handle. The device must deliver
// commits to this manager's OnCommit.
func (m *Manager) AttachDevice(pg shardid.PG, dev repl.Device) error {
	if !m.dir.HasGroup(pg) {
		return xerrors.E(xerrors.KindUnknownGroup, "manager.attach_device")
	}
	m.devMu.Lock()
	defer m.devMu.Unlock()
	m.devs[pg] = dev
	return nil
}

func (m *Manager) handleFor(pg shardid.PG, op string) (repl.Device, error) {
	if !m.dir.HasGroup(pg) {
		return nil, xerrors.E(xerrors.KindUnknownGroup, op)
	}
	m.devMu.RLock()
	dev := m.devs[pg]
	m.devMu.RUnlock()
	if dev == nil {
		return nil, xerrors.E(xerrors.KindNotReady, op)
	}
	return dev, nil
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// CreateShard proposes a new open shard of the given capacity in pg.
// The returned future resolves once the local replica has applied the
// committed entry.
func (m *Manager) CreateShard(ctx context.Context, pg shardid.PG, size uint64) *Future {
	const op = "create_shard"
	dev, err := m.handleFor(pg, op)
	if err != nil {
		m.log.WithField("pg", pg).WithError(err).Warn("create shard rejected")
		return failedFuture(err)
	}
	if size == 0 || size > shardid.MaxShardSize {
		return failedFuture(xerrors.Wrap(xerrors.KindInvalid, op, errors.New("shard size out of range")))
	}

	id := m.dir.NextShardID(pg)
	now := nowMillis()
	info := shard.Info{
		ID:         id,
		PG:         pg,
		State:      shard.StateOpen,
		CreatedAt:  now,
		ModifiedAt: now,
		Total:      size,
		Available:  size,
	}

	ch, err := m.alloc.Reserve(ctx)
	if err != nil {
		m.log.WithField("pg", pg).WithError(err).Warn("chunk reservation failed")
		return failedFuture(xerrors.Wrap(xerrors.KindInternal, op, err))
	}
	fut, err := m.propose(ctx, dev, shard.EntryCreateShard, info, ch)
	if err != nil {
		if rerr := m.alloc.Release(ch); rerr != nil {
			m.log.WithField("chunk", ch).WithError(rerr).Warn("releasing reserved chunk failed")
		}
		return failedFuture(err)
	}
	return fut
}

// SealShard proposes sealing the given shard. Sealing an already
// sealed shard is accepted and resolves to the current record without
// releasing anything a second time.
func (m *Manager) SealShard(ctx context.Context, info shard.Info) *Future {
	const op = "seal_shard"
	dev, err := m.handleFor(info.PG, op)
	if err != nil {
		m.log.WithField("pg", info.PG).WithError(err).Warn("seal shard rejected")
		return failedFuture(err)
	}
	ch, ok := m.dir.ChunkOf(info.ID)
	if !ok {
		return failedFuture(xerrors.E(xerrors.KindNotFound, op))
	}

	sealed := info
	sealed.State = shard.StateSealed
	sealed.ModifiedAt = nowMillis()

	fut, err := m.propose(ctx, dev, shard.EntrySealShard, sealed, ch)
	if err != nil {
		return failedFuture(err)
	}
	return fut
}

// propose encodes info, builds the sealed entry header and submits
// header plus payload to the group's device.
func (m *Manager) propose(ctx context.Context, dev repl.Device, kind shard.EntryKind, info shard.Info, ch chunk.ID) (*Future, error) {
	payload, err := shard.Encode(info)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "propose", err)
	}
	padded := shard.Pad(payload, dev.BlockSize())
	hdr := shard.NewHeader(kind, uint16(info.PG), uint64(info.ID), padded)

	p := newPending(padded)
	m.log.WithFields(logrus.Fields{
		"proposal": p.id,
		"shard":    info.ID,
		"kind":     kind,
	}).Debug("submitting shard mutation")

	if err := dev.Append(ctx, hdr.Encode(), padded, ch, p); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "propose", err)
	}
	return p.fut, nil
}

// OnCommit is the commit callback registered with every device. For a
// fresh commit the payload travels with the request; for replay it is
// read back from the recorded block range. Replay reads of one device
// overlap, but each entry applies only after the previous entry of the
// same device, so a group's state transitions keep their commit order.
func (m *Manager) OnCommit(lsn int64, header []byte, blocks repl.BlockRange, dev repl.Device, req repl.Request) {
	if req != nil {
		p, _ := req.(*pending)
		m.apply(lsn, header, blocks, req.Payload(), p)
		return
	}
	commitReplayTotal.Inc()
	m.replayMu.Lock()
	prev := m.replayTail[dev]
	done := make(chan struct{})
	m.replayTail[dev] = done
	m.replayMu.Unlock()
	m.replayWG.Add(1)
	go func() {
		defer close(done)
		defer m.replayWG.Done()
		payload, err := dev.Read(context.Background(), blocks)
		if prev != nil {
			<-prev
		}
		if err != nil {
			integrityFailuresTotal.WithLabelValues("read").Inc()
			m.log.WithField("lsn", lsn).WithError(err).Warn("replay payload read failed, entry skipped")
			return
		}
		m.apply(lsn, header, blocks, payload, nil)
	}()
}

// WaitReplay blocks until every replayed entry handed to OnCommit so
// far has been applied. Run it after the devices' Replay and before
// accepting proposals, or a fresh create can collide with a shard the
// replay is still inserting.
func (m *Manager) WaitReplay(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.replayWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply is the single state-transition function shared by fresh
// commits and replay; p is the optional result sink. Every branch is
// idempotent because an entry can be redelivered after a crash.
func (m *Manager) apply(lsn int64, headerBytes []byte, blocks repl.BlockRange, payload []byte, p *pending) {
	log := m.log.WithField("lsn", lsn)

	hdr, err := shard.DecodeHeader(headerBytes)
	if err != nil || hdr.Corrupted() {
		integrityFailuresTotal.WithLabelValues("header").Inc()
		log.Warn("log entry header corrupted, entry skipped")
		if p != nil {
			p.fulfill(shard.Info{}, xerrors.E(xerrors.KindCRCMismatch, "commit"))
		}
		return
	}
	if shard.Checksum(payload) != hdr.PayloadCRC {
		integrityFailuresTotal.WithLabelValues("payload").Inc()
		log.Warn("log entry payload inconsistent with header, entry skipped")
		if p != nil {
			p.fulfill(shard.Info{}, xerrors.E(xerrors.KindCRCMismatch, "commit"))
		}
		return
	}

	info, err := shard.Decode(payload)
	if err != nil {
		integrityFailuresTotal.WithLabelValues("decode").Inc()
		log.WithError(err).Warn("log entry payload undecodable, entry skipped")
		if p != nil {
			p.fulfill(shard.Info{}, xerrors.Wrap(xerrors.KindInternal, "commit", err))
		}
		return
	}

	switch hdr.Kind {
	case shard.EntryCreateShard:
		// Redelivery after a crash that already inserted the shard
		// must be a no-op.
		if !m.dir.HasShard(info.ID) {
			m.dir.InsertShard(info, blocks.Chunk)
			if err := m.writeSuperblock(info, blocks.Chunk); err != nil {
				log.WithField("shard", info.ID).WithError(err).Error("superblock write failed")
				if p != nil {
					p.fulfill(shard.Info{}, xerrors.Wrap(xerrors.KindInternal, "commit", err))
				}
				return
			}
			// During live operation the chunk was reserved at
			// submission; on replay this re-asserts ownership.
			if err := m.alloc.MarkBusy(blocks.Chunk); err != nil {
				log.WithField("chunk", blocks.Chunk).WithError(err).Warn("chunk busy re-assertion failed")
			}
			shardCreatesTotal.Inc()
		}

	case shard.EntrySealShard:
		state, ok := m.dir.StateOf(info.ID)
		if !ok {
			if p != nil {
				panic("manager: sealing shard missing from directory")
			}
			log.WithField("shard", info.ID).Warn("seal replay for unknown shard, entry skipped")
			return
		}
		// Only an open shard releases its chunk; a second delivery of
		// the same seal entry finds the shard sealed and does nothing.
		if state == shard.StateOpen {
			ch, _ := m.dir.ChunkOf(info.ID)
			if err := m.alloc.Release(ch); err != nil {
				log.WithField("chunk", ch).WithError(err).Warn("chunk release failed")
			}
			m.dir.UpdateShard(info)
			if err := m.writeSuperblock(info, ch); err != nil {
				log.WithField("shard", info.ID).WithError(err).Error("superblock write failed")
				if p != nil {
					p.fulfill(shard.Info{}, xerrors.Wrap(xerrors.KindInternal, "commit", err))
				}
				return
			}
			shardSealsTotal.Inc()
		} else if cur, _, err := m.dir.GetShard(info.ID); err == nil {
			// A redelivered seal resolves to the finalized record, not
			// the re-proposal's freshly stamped payload.
			info = cur
		}

	default:
		log.WithField("kind", hdr.Kind).Debug("unknown log entry kind, skipped")
	}

	if p != nil {
		p.fulfill(info, nil)
	}
}

func (m *Manager) writeSuperblock(info shard.Info, ch chunk.ID) error {
	return m.sb.Write(context.Background(), superblock.Record{
		Version: superblock.FormatVersion,
		Info:    info,
		Chunk:   ch,
	})
}

// Recover repopulates the directory from superblocks. It must run
// before log replay so replay's idempotency checks recognize entries
// that were already applied.
func (m *Manager) Recover(ctx context.Context) error {
	recs, err := m.sb.LoadAll(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "manager.recover", err)
	}
	// Insertion order per group must follow creation order; ids embed
	// the sequence, so a global sort restores it.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Info.ID < recs[j].Info.ID })
	for _, rec := range recs {
		if !m.dir.HasGroup(rec.Info.PG) {
			if err := m.dir.AddGroup(rec.Info.PG); err != nil {
				return err
			}
		}
		m.dir.InsertShard(rec.Info, rec.Chunk)
		if rec.Info.State == shard.StateOpen {
			if err := m.alloc.MarkBusy(rec.Chunk); err != nil {
				m.log.WithField("chunk", rec.Chunk).WithError(err).Warn("chunk busy re-assertion failed")
			}
		}
	}
	m.log.WithField("shards", len(recs)).Info("directory rebuilt from superblocks")
	return nil
}

// HasGroup reports whether pg is registered.
func (m *Manager) HasGroup(pg shardid.PG) bool { return m.dir.HasGroup(pg) }

// GetShard returns the current record of id.
func (m *Manager) GetShard(id shardid.ID) (shard.Info, error) {
	info, _, err := m.dir.GetShard(id)
	return info, err
}

// ChunkOf returns the chunk backing id, if known.
func (m *Manager) ChunkOf(id shardid.ID) (chunk.ID, bool) {
	return m.dir.ChunkOf(id)
}

// AnyChunkOf returns some chunk allocated to pg, useful as a fast
// allocation hint.
func (m *Manager) AnyChunkOf(pg shardid.PG) (chunk.ID, bool, error) {
	if !m.dir.HasGroup(pg) {
		return 0, false, xerrors.E(xerrors.KindUnknownGroup, "any_chunk_of")
	}
	ch, ok := m.dir.AnyChunkOf(pg)
	return ch, ok, nil
}

// ListShards returns the records of pg's shards in creation order.
func (m *Manager) ListShards(pg shardid.PG) []shard.Info {
	ids := m.dir.GroupShards(pg)
	out := make([]shard.Info, 0, len(ids))
	for _, id := range ids {
		if info, _, err := m.dir.GetShard(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}
