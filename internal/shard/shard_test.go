package shard

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/storage"
	"github.com/dreamware/shardcast/internal/update"
)

// failingStore fails every Sync
type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) Sync() error { return errors.New("disk full") }

func TestNewShard(t *testing.T) {
	s := NewShard(3, true, nil)
	assert.Equal(t, 3, s.ID)
	assert.True(t, s.Primary)
	assert.Equal(t, ShardStateActive, s.State)
	assert.IsType(t, &storage.MemoryStore{}, s.Store)

	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, ShardInfo{ID: 3, Primary: true, State: ShardStateActive}, info)
}

func TestShardKeyOperations(t *testing.T) {
	s := NewShard(0, true, nil)

	require.NoError(t, s.Put("k1", []byte("v1")))
	v, err := s.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete("k1"))
	_, err = s.Get("k1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, OperationStats{Gets: 2, Puts: 1, Deletes: 1}, stats.Ops)
}

func TestShardApply(t *testing.T) {
	s := NewShard(1, false, nil)

	applied, err := s.Apply(&update.Batch{
		Adds: []update.Document{
			{"id": "doc-1", "title": "first"},
			{"id": "doc-2", "title": "second"},
		},
	}, cluster.PhaseFromLeader)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	doc, err := s.GetDocument("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "first", doc["title"])

	applied, err = s.Apply(&update.Batch{Deletes: []string{"doc-2"}, Commit: true}, cluster.PhaseNone)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	keys, err := s.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, keys)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, UpdateStats{Forwarded: 1, Direct: 1}, stats.Updates)
	assert.Equal(t, uint64(1), stats.Ops.Commits)
	assert.Equal(t, 1, stats.Storage.Keys)
}

func TestShardApplyAddThenDeleteSameBatch(t *testing.T) {
	s := NewShard(0, true, nil)
	_, err := s.Apply(&update.Batch{
		Adds:    []update.Document{{"id": "doc-1"}},
		Deletes: []string{"doc-1"},
	}, cluster.PhaseNone)
	require.NoError(t, err)

	_, err = s.GetDocument("doc-1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestShardApplyRejects(t *testing.T) {
	t.Run("invalid batch", func(t *testing.T) {
		s := NewShard(0, true, nil)
		_, err := s.Apply(&update.Batch{Adds: []update.Document{{"title": "x"}}}, cluster.PhaseNone)
		assert.ErrorIs(t, err, update.ErrMissingID)
	})

	t.Run("inactive shard", func(t *testing.T) {
		s := NewShard(0, true, nil)
		s.SetState(ShardStateMigrating)
		_, err := s.Apply(&update.Batch{Commit: true}, cluster.PhaseNone)
		assert.ErrorContains(t, err, "migrating")
		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("commit failure keeps applied count", func(t *testing.T) {
		s := NewShard(0, true, failingStore{storage.NewMemoryStore()})
		applied, err := s.Apply(&update.Batch{Adds: []update.Document{{"id": "a"}}, Commit: true}, cluster.PhaseNone)
		assert.ErrorContains(t, err, "disk full")
		assert.Equal(t, 1, applied)
	})
}

func TestShardOnPebble(t *testing.T) {
	store, err := storage.OpenPebbleStore(filepath.Join(t.TempDir(), "shard-2"))
	require.NoError(t, err)

	s := NewShard(2, true, store)
	_, err = s.Apply(&update.Batch{Adds: []update.Document{{"id": "p1", "n": 1.0}}, Commit: true}, cluster.PhaseFromLeader)
	require.NoError(t, err)

	doc, err := s.GetDocument("p1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc["n"])
	require.NoError(t, s.Close())
	assert.Equal(t, ShardStateDeleted, s.State)
}

func TestShardOwnership(t *testing.T) {
	const numShards = 4
	shards := make([]*Shard, numShards)
	for i := range shards {
		shards[i] = NewShard(i, true, nil)
	}

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("doc-%d", i)
		owners := 0
		for _, s := range shards {
			if s.OwnsKey(key, numShards) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "key %s", key)
	}
	assert.False(t, shards[0].OwnsKey("x", 0))
}

func TestShardRangeOperations(t *testing.T) {
	s := NewShard(0, true, nil)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Put(k, []byte(k)))
	}

	keys, err := s.ListKeysInRange("b", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)

	keys, err = s.ListKeysInRange("c", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, keys)

	n, err := s.DeleteRange("a", "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, _ = s.ListKeys()
	assert.Equal(t, []string{"c", "d", "e"}, keys)
}

func TestShardConcurrentApply(t *testing.T) {
	s := NewShard(0, true, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Apply(&update.Batch{
					Adds: []update.Document{{"id": fmt.Sprintf("w%d-%d", w, i)}},
				}, cluster.PhaseFromLeader)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 200, stats.Storage.Keys)
	assert.Equal(t, uint64(200), stats.Updates.Forwarded)
}

// TestShardCloseDuringApply closes a pebble-backed shard while batches are
// being applied. Each batch either lands before Close or is refused after it.
func TestShardCloseDuringApply(t *testing.T) {
	store, err := storage.OpenPebbleStore(filepath.Join(t.TempDir(), "shard-3"))
	require.NoError(t, err)
	s := NewShard(3, true, store)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Apply(&update.Batch{
					Adds: []update.Document{{"id": fmt.Sprintf("w%d-%d", w, i)}},
				}, cluster.PhaseFromLeader)
				if err != nil {
					assert.ErrorIs(t, err, ErrNotActive)
				}
			}
		}(w)
	}
	require.NoError(t, s.Close())
	wg.Wait()

	_, err = s.Get("w0-0")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Apply(&update.Batch{Commit: true}, cluster.PhaseNone)
	assert.ErrorIs(t, err, ErrNotActive)
}
