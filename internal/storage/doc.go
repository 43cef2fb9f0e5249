// Package storage provides the key-value stores that back shard replicas.
//
// # Overview
//
// Every shard replica on a node owns one Store. The shard layer stores each
// document's JSON under its ID and calls Sync when a commit arrives. Two
// backends are available:
//
//	┌──────────────────────────────┐
//	│        shard.Shard           │
//	└──────────────┬───────────────┘
//	               │ Store
//	       ┌───────┴────────┐
//	       ▼                ▼
//	┌─────────────┐  ┌─────────────┐
//	│ MemoryStore │  │ PebbleStore │
//	│  map + mu   │  │ LSM per dir │
//	└─────────────┘  └─────────────┘
//
// Open selects a backend by name, so nodes pick one from configuration:
//
//	storage:
//	  backend: pebble    # memory | pebble
//	  dir: ./data        # root for pebble shard directories
//
// # Store Interface
//
// Store: key-value operations on one shard replica
//   - Get(key): the stored value, or ErrKeyNotFound
//   - Put(key, value): insert or overwrite
//   - Delete(key): remove, missing keys included
//   - List(): every key in ascending byte order
//   - Stats(): key count and value bytes
//   - Sync(): make every write so far durable
//   - Close(): release the store; later calls fail with ErrClosed
//
// # Implementations
//
// MemoryStore: map guarded by a RWMutex
//   - Default backend and what most tests use
//   - Sync is a no-op; data is lost on restart
//   - Close drops the map
//
// PebbleStore: one pebble database per shard directory
//   - Put and Delete skip the WAL fsync
//   - Sync flushes the memtable so acknowledged writes survive a restart
//   - List and Stats walk a fresh iterator, so they see a consistent snapshot
//
// # Contract
//
//   - Get returns ErrKeyNotFound for missing keys.
//   - Put and Get copy values, so callers may reuse their buffers.
//   - Delete of a missing key is not an error.
//   - List returns keys in ascending byte order.
//   - Every operation after Close returns ErrClosed, never panics.
//   - All methods are safe for concurrent use.
//
// # Concurrency
//
// Both backends take a shared lock for every operation and an exclusive lock
// only in Close (MemoryStore also for writes). Close therefore waits for
// in-flight calls, and a call that starts after Close sees ErrClosed. pebble
// serializes its own writes, so PebbleStore writers run in parallel.
//
// Ordering across keys is up to the caller; shard.Shard applies batches one
// at a time for that reason.
//
// # Error Handling
//
// Callers distinguish the two sentinel errors with errors.Is:
//
//	val, err := store.Get(key)
//	switch {
//	case errors.Is(err, storage.ErrKeyNotFound):
//	    // 404
//	case errors.Is(err, storage.ErrClosed):
//	    // shard was deleted underneath the request
//	case err != nil:
//	    return err
//	}
//
// Pebble errors are returned as they are, wrapped only when opening.
//
// # Usage
//
//	store, err := storage.Open(storage.BackendPebble, filepath.Join(dataDir, "shard-3"))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	store.Put("doc-17", []byte(`{"id":"doc-17"}`))
//	store.Sync()
//
//	keys, _ := store.List()
//	stats, _ := store.Stats()
//
// # Limitations
//
//   - No transactions; a batch is not atomic across keys.
//   - No range deletes at this layer; shard.DeleteRange deletes key by key.
//   - MemoryStore has no size limit or eviction.
//
// # See Also
//
//   - internal/shard: the shard layer built on Store
//   - cmd/node: opens one store per shard on first use
package storage
