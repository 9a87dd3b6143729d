package superblock

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/xerrors"
)

var bucketShards = []byte("shard_superblocks")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	Timeout time.Duration
}

// BoltStore persists shard records in BoltDB. Every Write commits a
// transaction, which fsyncs before returning.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed record store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketShards); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketShards, err)
		}
		return nil
	})
}

func (b *BoltStore) Write(ctx context.Context, rec Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketShards).Put(idKey(rec.Info.ID), data)
	})
}

func (b *BoltStore) Load(ctx context.Context, id shardid.ID) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShards).Get(idKey(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "superblock.load")
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (b *BoltStore) LoadAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltdb: corrupt record %x: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying database.
func (b *BoltStore) Close() error { return b.db.Close() }

func idKey(id shardid.ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}
