package cache

import (
	"testing"
	"time"

	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
)

func rec(pg shardid.PG, seq uint64) shard.Info {
	return shard.Info{ID: shardid.Make(pg, seq), PG: pg, State: shard.StateOpen}
}

func TestGetSet(t *testing.T) {
	c := New(10, 0)
	info := rec(1, 1)
	c.Set(info.ID, info)
	got, ok := c.Get(info.ID)
	if !ok || got != info {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	if _, ok := c.Get(shardid.Make(1, 2)); ok {
		t.Fatalf("hit for missing key")
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestUpdateExisting(t *testing.T) {
	c := New(10, 0)
	info := rec(1, 1)
	c.Set(info.ID, info)
	sealed := info
	sealed.State = shard.StateSealed
	c.Set(info.ID, sealed)
	got, _ := c.Get(info.ID)
	if got.State != shard.StateSealed {
		t.Fatalf("update not applied: %+v", got)
	}
	if c.Stats().Size != 1 {
		t.Fatalf("update grew the cache")
	}
}

func TestEvictOldest(t *testing.T) {
	c := New(2, 0)
	a, b, d := rec(1, 1), rec(1, 2), rec(1, 3)
	c.Set(a.ID, a)
	c.Set(b.ID, b)
	c.Get(a.ID) // a is now most recently used
	c.Set(d.ID, d)
	if _, ok := c.Get(b.ID); ok {
		t.Fatalf("LRU entry not evicted")
	}
	if _, ok := c.Get(a.ID); !ok {
		t.Fatalf("recently used entry evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions %d, want 1", c.Stats().Evictions)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	info := rec(1, 1)
	c.Set(info.ID, info)
	if _, ok := c.Get(info.ID); !ok {
		t.Fatalf("fresh entry expired immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(info.ID); ok {
		t.Fatalf("expired entry served")
	}
}

func TestDelete(t *testing.T) {
	c := New(10, 0)
	info := rec(2, 1)
	c.Set(info.ID, info)
	c.Delete(info.ID)
	if _, ok := c.Get(info.ID); ok {
		t.Fatalf("deleted entry served")
	}
	c.Delete(info.ID) // deleting absent key is fine
}
