// Package superblock persists one durable record per shard,
// independent of the replicated log. Records are loaded before log
// replay so replay can recognize already-applied entries.
package superblock

import (
	"context"
	"sync"

	"github.com/jacktea/xobj/pkg/chunk"
	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/xerrors"
)

// FormatVersion is written into every record so future layouts can be
// migrated.
const FormatVersion = 1

// Record mirrors a shard's descriptive state plus its backing chunk.
type Record struct {
	Version uint32     `json:"version"`
	Info    shard.Info `json:"shard_info"`
	Chunk   chunk.ID   `json:"chunk_id"`
}

// Store persists shard records keyed by shard id. Write must be
// durable before it returns.
type Store interface {
	Write(ctx context.Context, rec Record) error
	Load(ctx context.Context, id shardid.ID) (Record, error)
	LoadAll(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[shardid.ID]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[shardid.ID]Record)}
}

func (m *MemoryStore) Write(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Info.ID] = rec
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id shardid.ID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, xerrors.E(xerrors.KindNotFound, "superblock.load")
	}
	return rec, nil
}

func (m *MemoryStore) LoadAll(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// Drop removes a record, simulating a crash before the superblock
// write completed. Test helper only.
func (m *MemoryStore) Drop(id shardid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}
